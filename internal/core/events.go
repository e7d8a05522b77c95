package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Event names as they appear on the wire and in logs.
const (
	EventStart     = "start"
	EventClose     = "close"
	EventTaskStart = "taskStart"
	EventTaskEnd   = "taskEnd"
	EventError     = "error"
)

// Event is one of StartEvent, CloseEvent, TaskStartEvent, TaskEndEvent or
// ErrorEvent.
type Event interface {
	Name() string
	event()
}

// StartEvent is emitted once when a topology has started.
type StartEvent struct{}

// CloseEvent carries the registry snapshot taken during shutdown.
type CloseEvent struct {
	Tasks []TaskView
}

// TaskStartEvent is emitted right before a task's command is launched.
type TaskStartEvent struct {
	ID string
}

// TaskEndEvent reports the outcome of one execution. Times are epoch seconds.
type TaskEndEvent struct {
	ID          string
	StartTime   int64
	EndTime     int64
	Success     bool
	Output      string
	Duration    string
	NextRunTime int64
	// ExitCode is -1 when the command could not be started or was killed.
	ExitCode int
}

// ErrorEvent reports a fault that is not tied to a single execution.
type ErrorEvent struct {
	Cause error
}

func (StartEvent) Name() string     { return EventStart }
func (CloseEvent) Name() string     { return EventClose }
func (TaskStartEvent) Name() string { return EventTaskStart }
func (TaskEndEvent) Name() string   { return EventTaskEnd }
func (ErrorEvent) Name() string     { return EventError }

func (StartEvent) event()     {}
func (CloseEvent) event()     {}
func (TaskStartEvent) event() {}
func (TaskEndEvent) event()   {}
func (ErrorEvent) event()     {}

// Handler receives lifecycle events. Implementations may return an error or
// panic; both are turned into a HandlerFault and reported through OnError.
type Handler interface {
	OnStart(ctx context.Context) error
	OnClose(ctx context.Context, tasks []TaskView) error
	OnTaskStart(ctx context.Context, id string) error
	OnTaskEnd(ctx context.Context, ev TaskEndEvent) error
	OnError(ctx context.Context, cause error) error
}

// HandlerFault wraps a failure raised by a Handler while processing Event.
type HandlerFault struct {
	Event string
	Err   error
}

func (f *HandlerFault) Error() string {
	return fmt.Sprintf("event handler failed on %s: %v", f.Event, f.Err)
}

func (f *HandlerFault) Unwrap() error {
	return f.Err
}

// Deliver hands ev to h. A fault is forwarded to h.OnError, unless ev is
// itself an ErrorEvent, in which case it is only logged.
func Deliver(ctx context.Context, h Handler, ev Event, logger *slog.Logger) {
	err := dispatch(ctx, h, ev)
	if err == nil {
		return
	}
	fault := &HandlerFault{Event: ev.Name(), Err: err}
	if _, ok := ev.(ErrorEvent); ok {
		logger.Error("event handler failed on error event", "err", fault)
		return
	}
	logger.Warn("event handler failed", "event", ev.Name(), "err", err)
	if err := dispatch(ctx, h, ErrorEvent{Cause: fault}); err != nil {
		logger.Error("event handler failed on error event", "err", &HandlerFault{Event: EventError, Err: err})
	}
}

func dispatch(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	switch e := ev.(type) {
	case StartEvent:
		return h.OnStart(ctx)
	case CloseEvent:
		return h.OnClose(ctx, e.Tasks)
	case TaskStartEvent:
		return h.OnTaskStart(ctx, e.ID)
	case TaskEndEvent:
		return h.OnTaskEnd(ctx, e)
	case ErrorEvent:
		return h.OnError(ctx, e.Cause)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

// NopHandler ignores every event. Embed it to implement a subset of Handler.
type NopHandler struct{}

func (NopHandler) OnStart(context.Context) error                 { return nil }
func (NopHandler) OnClose(context.Context, []TaskView) error     { return nil }
func (NopHandler) OnTaskStart(context.Context, string) error     { return nil }
func (NopHandler) OnTaskEnd(context.Context, TaskEndEvent) error { return nil }
func (NopHandler) OnError(context.Context, error) error          { return nil }

// MultiHandler fans every event out to all handlers in order.
type MultiHandler []Handler

func (m MultiHandler) OnStart(ctx context.Context) error {
	return m.each(func(h Handler) error { return h.OnStart(ctx) })
}

func (m MultiHandler) OnClose(ctx context.Context, tasks []TaskView) error {
	return m.each(func(h Handler) error { return h.OnClose(ctx, tasks) })
}

func (m MultiHandler) OnTaskStart(ctx context.Context, id string) error {
	return m.each(func(h Handler) error { return h.OnTaskStart(ctx, id) })
}

func (m MultiHandler) OnTaskEnd(ctx context.Context, ev TaskEndEvent) error {
	return m.each(func(h Handler) error { return h.OnTaskEnd(ctx, ev) })
}

func (m MultiHandler) OnError(ctx context.Context, cause error) error {
	return m.each(func(h Handler) error { return h.OnError(ctx, cause) })
}

func (m MultiHandler) each(fn func(Handler) error) error {
	var errs []error
	for _, h := range m {
		if err := fn(h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogHandler writes every event to a structured logger.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) OnStart(ctx context.Context) error {
	h.Logger.InfoContext(ctx, "scheduler started")
	return nil
}

func (h LogHandler) OnClose(ctx context.Context, tasks []TaskView) error {
	running := 0
	for _, t := range tasks {
		if t.Running {
			running++
		}
	}
	h.Logger.InfoContext(ctx, "scheduler closed", "tasks", len(tasks), "running", running)
	return nil
}

func (h LogHandler) OnTaskStart(ctx context.Context, id string) error {
	h.Logger.InfoContext(ctx, "task started", "task_id", id)
	return nil
}

func (h LogHandler) OnTaskEnd(ctx context.Context, ev TaskEndEvent) error {
	level := slog.LevelInfo
	if !ev.Success {
		level = slog.LevelWarn
	}
	h.Logger.Log(ctx, level, "task finished",
		"task_id", ev.ID,
		"success", ev.Success,
		"exit_code", ev.ExitCode,
		"duration", ev.Duration,
		"next_run_time", ev.NextRunTime,
	)
	return nil
}

func (h LogHandler) OnError(ctx context.Context, cause error) error {
	h.Logger.ErrorContext(ctx, "scheduler error", "err", cause)
	return nil
}
