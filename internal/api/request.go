package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"taskcron/internal/core"
	"taskcron/internal/cronspec"
)

var validate = validator.New()

// taskRequest is the body of create and update. ID is ignored on update.
type taskRequest struct {
	ID      string `json:"id" validate:"omitempty,max=64,printascii"`
	Loop    bool   `json:"loop"`
	Command string `json:"command" validate:"required,max=1024"`
	Cron    string `json:"cron" validate:"required_if=Loop true,max=64"`
	// Single defaults to true.
	Single *bool `json:"single"`
}

func (req taskRequest) def() core.TaskDef {
	single := true
	if req.Single != nil {
		single = *req.Single
	}
	return core.TaskDef{
		IsLoop:         req.Loop,
		Command:        req.Command,
		CronExpr:       req.Cron,
		SingleInstance: single,
	}
}

type runRequest struct {
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

type cronPreviewRequest struct {
	Expr  string `json:"expr" validate:"required"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty" validate:"min=0"`
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validation error: %w", err)
	}
	return nil
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// writeTaskError maps registry and parser errors onto status codes. Anything
// unexpected is logged and published as an ErrorEvent.
func (s *Server) writeTaskError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, cronspec.ErrFormat):
		writeError(w, http.StatusBadRequest, "invalid_cron", err.Error())
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "task already exists")
	case errors.Is(err, core.ErrCapacityExceeded):
		writeError(w, http.StatusInsufficientStorage, "capacity_exceeded", "task table is full")
	default:
		s.logger.Error(op, "err", err)
		s.events.Emit(core.ErrorEvent{Cause: fmt.Errorf("%s: %w", op, err)})
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}
