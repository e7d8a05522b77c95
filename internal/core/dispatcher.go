package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TickSpec is the fixed evaluation period of the dispatcher.
const TickSpec = "@every 1s"

// RunSink receives run-request batches.
type RunSink interface {
	Submit(ctx context.Context, ids []string) error
}

// RunSinkFunc adapts a function to RunSink.
type RunSinkFunc func(ctx context.Context, ids []string) error

func (f RunSinkFunc) Submit(ctx context.Context, ids []string) error { return f(ctx, ids) }

// Dispatcher scans the registry once per second, advances the next run
// time of due tasks and submits the eligible ones as one batch.
type Dispatcher struct {
	registry Registry
	sink     RunSink
	clock    Clock
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// NewDispatcher constructs a dispatcher. It does nothing until Start.
func NewDispatcher(registry Registry, sink RunSink, clock Clock, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		sink:     sink,
		clock:    clock,
		logger:   logger,
	}
}

// Start begins ticking. ctx is handed to every tick; cancelling it does not
// stop the ticker, Stop does.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("dispatcher already started")
	}
	loc := d.clock.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cron.PrintfLogger(slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug))),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(TickSpec, func() {
		if _, err := d.Tick(ctx, d.clock.Time()); err != nil {
			d.logger.Error("dispatch tick", "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	c.Start()
	d.cron = c
	return nil
}

// Stop halts the ticker. The returned context is done once a tick that is
// in progress has returned. Start may be called again afterwards.
func (d *Dispatcher) Stop() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	done := d.cron.Stop()
	d.cron = nil
	return done
}

// Tick evaluates the registry at instant now and returns the submitted batch.
// A task is due when it is enabled, looping and its next run time is not
// after now. Its next run time is advanced before the single-instance guard
// is checked, so a blocked firing is dropped rather than retried.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) ([]string, error) {
	tasks, err := d.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	sec := now.Unix()
	var batch []string
	for _, task := range tasks {
		if !task.Enabled || !task.IsLoop || task.NextRunTime == 0 || task.NextRunTime > sec {
			continue
		}
		next := NextRunTime(task.Schedule, now)
		if err := d.registry.SetNextRunTime(ctx, task.ID, next); err != nil {
			if !errors.Is(err, ErrNotFound) {
				d.logger.Error("advance next run time", "task_id", task.ID, "err", err)
			}
			continue
		}
		if task.SingleInstance && task.Running {
			d.logger.Debug("skipping run because task is already running", "task_id", task.ID)
			continue
		}
		batch = append(batch, task.ID)
	}
	if len(batch) == 0 {
		return nil, nil
	}
	if err := d.sink.Submit(ctx, batch); err != nil {
		return batch, fmt.Errorf("submit batch: %w", err)
	}
	return batch, nil
}

// RunNow submits ids for immediate execution regardless of schedule,
// enabled flag or single-instance guard.
func (d *Dispatcher) RunNow(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := d.sink.Submit(ctx, ids); err != nil {
		return fmt.Errorf("submit batch: %w", err)
	}
	return nil
}
