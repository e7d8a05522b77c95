package api

import (
	"fmt"
	"net/http"

	"taskcron/internal/core"
)

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	st, err := core.Summarize(r.Context(), s.tasks)
	if err != nil {
		s.writeTaskError(w, "summarize tasks", err)
		return
	}
	if s.state != nil {
		st.State = s.state()
	}
	st.Topology = s.topology
	writeJSON(w, http.StatusOK, st)
}

// handleSystemRun starts a batch of tasks immediately. Every id must exist;
// the single-instance guard is not applied.
func (s *Server) handleSystemRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	for _, id := range req.IDs {
		ok, err := s.tasks.Exists(r.Context(), id)
		if err != nil {
			s.writeTaskError(w, "check task", err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", id))
			return
		}
	}
	if err := s.runner.RunNow(r.Context(), req.IDs); err != nil {
		s.writeTaskError(w, "start tasks", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ids": req.IDs})
}
