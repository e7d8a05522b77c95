package daemon

import (
	"context"
	"fmt"
	"log/slog"

	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/notify"
	"taskcron/internal/store"
)

// notifyBurst is how many notifications may go out back to back before the
// configured interval applies.
const notifyBurst = 3

// NewHandler assembles the event handler described by cfg: logging always,
// run history and Bark notifications when enabled. The returned store is
// nil without history; the caller closes it.
func NewHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...core.Handler) (core.Handler, *store.Store, error) {
	handlers := core.MultiHandler{core.LogHandler{Logger: logger}}

	var history *store.Store
	if cfg.Scheduler.History {
		st, err := store.Open(ctx, cfg.Runtime.StateDir, cfg.Log.Retention)
		if err != nil {
			return nil, nil, fmt.Errorf("open history: %w", err)
		}
		history = st
		handlers = append(handlers, store.NewRecorder(st, logger))
	}

	var notifiers []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL)
		if err != nil {
			if history != nil {
				history.Close()
			}
			return nil, nil, fmt.Errorf("bark notifier: %w", err)
		}
		notifiers = append(notifiers, bark)
	}
	if len(notifiers) > 0 {
		n := notify.NewMultiNotifier(notifiers...)
		handlers = append(handlers, notify.NewHandler(n, cfg.Notification.Bark.Interval, notifyBurst, logger))
	}

	handlers = append(handlers, extra...)
	return handlers, history, nil
}
