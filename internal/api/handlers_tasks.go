package api

import (
	"net/http"
	"strings"

	"taskcron/internal/core"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = core.NewID()
	}
	if err := s.tasks.Add(r.Context(), id, req.def()); err != nil {
		s.writeTaskError(w, "create task", err)
		return
	}
	task, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, "load task", err)
		return
	}
	s.logger.Info("task created", "task_id", id, "loop", task.IsLoop, "cron", task.CronExpr)
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.tasks.List(r.Context())
	if err != nil {
		s.writeTaskError(w, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*core.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeTaskError(w, "load task", err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// handleUpdateTask replaces the definition. Counters, the enabled flag and
// the running state are kept.
func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req taskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if err := s.tasks.Update(r.Context(), taskID, req.def()); err != nil {
		s.writeTaskError(w, "update task", err)
		return
	}
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "load task", err)
		return
	}
	s.logger.Info("task updated", "task_id", taskID)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.tasks.Delete(r.Context(), taskID); err != nil {
		s.writeTaskError(w, "delete task", err)
		return
	}
	s.logger.Info("task deleted", "task_id", taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "load task", err)
		return
	}
	if task.SingleInstance && task.Running {
		writeError(w, http.StatusConflict, "conflict", "task is already running")
		return
	}
	if err := s.runner.RunNow(r.Context(), []string{taskID}); err != nil {
		s.writeTaskError(w, "start task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": []string{taskID}})
}

// handleSetEnabled toggles scheduling. Enabling a looping task moves its
// next run time forward so firings missed while disabled are not replayed.
func (s *Server) handleSetEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		ctx := r.Context()
		if err := s.tasks.SetEnabled(ctx, taskID, enabled); err != nil {
			s.writeTaskError(w, "set enabled", err)
			return
		}
		task, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			s.writeTaskError(w, "load task", err)
			return
		}
		if enabled && task.IsLoop {
			next := core.NextRunTime(task.Schedule, core.Clock{Location: s.location}.Time())
			if err := s.tasks.SetNextRunTime(ctx, taskID, next); err != nil {
				s.writeTaskError(w, "set next run time", err)
				return
			}
			task.NextRunTime = next
		}
		writeJSON(w, http.StatusOK, task)
	}
}
