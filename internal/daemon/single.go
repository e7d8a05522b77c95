package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/store"
)

// Single runs every component in one process around an in-memory task
// table.
type Single struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  core.Clock
	extra  []core.Handler
	state  stateCell
	failed chan error

	registry   *core.MemoryRegistry
	history    *store.Store
	bus        *core.Bus
	executor   *core.Executor
	dispatcher *core.Dispatcher
	control    *control
	runCtx     context.Context

	intakeMu     sync.RWMutex
	intake       chan []string
	intakeClosed bool
	intakeStop   chan struct{}
	intakeDone   chan struct{}
	// stopping makes the intake drop queued requests instead of running them.
	stopping atomic.Bool
	// submit hands a batch to the executor.
	submit func(ctx context.Context, ids []string) error
}

var _ Topology = (*Single)(nil)

// NewSingle prepares a single-process topology. extra handlers receive
// every event next to the configured ones.
func NewSingle(cfg *config.Config, logger *slog.Logger, extra ...core.Handler) *Single {
	return &Single{
		cfg:    cfg,
		logger: logger,
		clock:  core.Clock{Location: cfg.Location()},
		extra:  extra,
		failed: make(chan error, 1),
	}
}

func (s *Single) State() State         { return s.state.get() }
func (s *Single) Failed() <-chan error { return s.failed }

// Registry exposes the task table.
func (s *Single) Registry() core.Registry { return s.registry }

// Addr is the address the control surface listens on.
func (s *Single) Addr() string { return s.control.addr() }

func (s *Single) Start(ctx context.Context) error {
	s.state.set(StateStarting)
	handler, history, err := NewHandler(ctx, s.cfg, s.logger, s.extra...)
	if err != nil {
		return err
	}
	s.history = history
	s.runCtx = context.WithoutCancel(ctx)

	s.registry = core.NewMemoryRegistry(s.cfg.Scheduler.TableSize, s.clock)
	s.bus = core.NewBus(handler, core.DefaultQueueSize, s.logger)
	go s.bus.Run(s.runCtx)
	s.executor = core.NewExecutor(s.registry, s.bus, s.clock, s.logger)
	if s.submit == nil {
		s.submit = s.executor.Submit
	}
	s.dispatcher = core.NewDispatcher(s.registry, core.RunSinkFunc(s.enqueue), s.clock, s.logger)
	s.control = newControl(s.cfg, s.registry, s.dispatcher, s.bus, history, s.State, s.failed, s.logger)

	s.intake = make(chan []string, core.DefaultQueueSize)
	s.startIntake()
	if err := s.dispatcher.Start(s.runCtx); err != nil {
		s.abort()
		return err
	}
	if err := s.control.start(); err != nil {
		<-s.dispatcher.Stop().Done()
		s.abort()
		return fmt.Errorf("start control surface: %w", err)
	}

	s.bus.Emit(core.StartEvent{})
	s.state.set(StateRunning)
	return nil
}

// abort unwinds a Start that failed half way.
func (s *Single) abort() {
	s.closeIntake()
	s.bus.Close()
	<-s.bus.Done()
	if s.history != nil {
		s.history.Close()
	}
	s.state.set(StateStopped)
}

func (s *Single) Reload(ctx context.Context) error {
	s.state.set(StateReloading)
	if err := s.control.stop(ctx); err != nil {
		s.logger.Warn("stop control surface", "err", err)
	}
	<-s.dispatcher.Stop().Done()
	s.stopIntake()

	s.startIntake()
	if err := s.dispatcher.Start(s.runCtx); err != nil {
		return err
	}
	if err := s.control.start(); err != nil {
		return fmt.Errorf("restart control surface: %w", err)
	}
	s.state.set(StateRunning)
	return nil
}

// Stop stops the listener, the tick and the intake, then emits Close with
// the final table. Queued run requests are dropped. Running commands get
// ShutdownGrace to finish; their events are dropped.
func (s *Single) Stop(ctx context.Context) error {
	if st := s.state.get(); st == StateStopping || st == StateStopped {
		return nil
	}
	s.state.set(StateStopping)
	grace, cancel := context.WithTimeout(ctx, s.cfg.Scheduler.ShutdownGrace)
	defer cancel()

	if err := s.control.stop(grace); err != nil {
		s.logger.Warn("stop control surface", "err", err)
	}
	<-s.dispatcher.Stop().Done()
	s.closeIntake()

	tasks, err := core.Snapshot(ctx, s.registry)
	if err != nil {
		s.logger.Error("snapshot tasks", "err", err)
	}
	s.bus.CloseWith(core.CloseEvent{Tasks: tasks})
	<-s.bus.Done()

	if err := s.executor.Wait(grace); err != nil {
		s.logger.Warn("commands still running after grace period", "grace", s.cfg.Scheduler.ShutdownGrace)
	}
	if s.history != nil {
		if err := s.history.Close(); err != nil {
			s.logger.Warn("close history", "err", err)
		}
	}
	s.state.set(StateStopped)
	return nil
}

// enqueue is the dispatcher's sink. It blocks while the intake is full.
func (s *Single) enqueue(ctx context.Context, ids []string) error {
	s.intakeMu.RLock()
	defer s.intakeMu.RUnlock()
	if s.intakeClosed {
		return ErrStopped
	}
	select {
	case s.intake <- ids:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Single) startIntake() {
	stop := make(chan struct{})
	done := make(chan struct{})
	s.intakeStop, s.intakeDone = stop, done
	go func() {
		defer close(done)
		for {
			select {
			case ids, ok := <-s.intake:
				if !ok {
					return
				}
				if s.stopping.Load() {
					s.logger.Warn("dropping queued run request", "ids", ids)
					continue
				}
				if err := s.submit(s.runCtx, ids); err != nil {
					s.logger.Error("submit batch", "err", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// stopIntake ends the intake goroutine; queued requests stay in the channel.
func (s *Single) stopIntake() {
	close(s.intakeStop)
	<-s.intakeDone
}

// closeIntake refuses further requests and drops the queued ones. A batch
// already being handed to the executor still runs.
func (s *Single) closeIntake() {
	s.stopping.Store(true)
	s.intakeMu.Lock()
	if !s.intakeClosed {
		s.intakeClosed = true
		close(s.intake)
	}
	s.intakeMu.Unlock()
	select {
	case <-s.intakeDone:
	case <-time.After(time.Second):
		s.logger.Warn("run-request intake did not drain")
	}
}
