package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"taskcron/internal/core"
)

const outputTail = 512

// Handler pushes failed runs, scheduler errors and shutdown to a Notifier.
// Messages beyond the rate limit are dropped.
type Handler struct {
	core.NopHandler
	notifier Notifier
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHandler allows one message per interval with bursts of burst messages.
// A zero interval disables the limit.
func NewHandler(n Notifier, interval time.Duration, burst int, logger *slog.Logger) *Handler {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	if burst < 1 {
		burst = 1
	}
	return &Handler{
		notifier: n,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger,
	}
}

func (h *Handler) OnTaskEnd(ctx context.Context, ev core.TaskEndEvent) error {
	if ev.Success {
		return nil
	}
	body := fmt.Sprintf("exit code %d after %ss", ev.ExitCode, ev.Duration)
	if out := tail(ev.Output, outputTail); out != "" {
		body += "\n" + out
	}
	return h.send(ctx, Message{
		Title: fmt.Sprintf("Task %s failed", ev.ID),
		Body:  body,
		Level: LevelTimeSensitive,
	})
}

func (h *Handler) OnError(ctx context.Context, cause error) error {
	return h.send(ctx, Message{
		Title: "taskcron error",
		Body:  cause.Error(),
		Level: LevelActive,
	})
}

func (h *Handler) OnClose(ctx context.Context, tasks []core.TaskView) error {
	running := 0
	for _, t := range tasks {
		if t.Running {
			running++
		}
	}
	return h.send(ctx, Message{
		Title: "taskcron stopped",
		Body:  fmt.Sprintf("%d tasks registered, %d still running", len(tasks), running),
		Level: LevelPassive,
	})
}

func (h *Handler) send(ctx context.Context, msg Message) error {
	if !h.limiter.Allow() {
		h.logger.Debug("notification suppressed by rate limit", "title", msg.Title)
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.notifier.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify %q: %w", msg.Title, err)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
