package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskcron/internal/core"
)

// Recorder is an event handler that turns TaskEnd events into run history.
type Recorder struct {
	core.NopHandler
	store  *Store
	logger *slog.Logger
}

// NewRecorder returns a handler writing into s.
func NewRecorder(s *Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: s, logger: logger}
}

func (r *Recorder) OnTaskEnd(ctx context.Context, ev core.TaskEndEvent) error {
	run := &Run{
		ID:        core.NewID(),
		TaskID:    ev.ID,
		Status:    RunStatusFailed,
		StartedAt: time.Unix(ev.StartTime, 0).UTC(),
		EndedAt:   time.Unix(ev.EndTime, 0).UTC(),
		Duration:  ev.Duration,
	}
	if ev.Success {
		run.Status = RunStatusSucceeded
	}
	if ev.ExitCode >= 0 {
		code := ev.ExitCode
		run.ExitCode = &code
	}
	if err := r.store.WriteRunLog(run.ID, ev.Output); err != nil {
		return fmt.Errorf("record run of %s: %w", ev.ID, err)
	}
	if err := r.store.InsertRun(ctx, run); err != nil {
		return fmt.Errorf("record run of %s: %w", ev.ID, err)
	}
	if err := r.store.PruneOldRuns(ctx, ev.ID); err != nil {
		r.logger.Warn("prune run history", "task_id", ev.ID, "err", err)
	}
	return nil
}
