package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/store"
	"taskcron/internal/wire"
)

// Master is the multi-process topology. It owns the shared task table, the
// tick and the control surface; commands run in a task worker and events
// are handled in an event worker, both re-executions of this binary.
type Master struct {
	cfg    *config.Config
	logger *slog.Logger
	clock  core.Clock
	state  stateCell
	failed chan error

	// Executable and Env start the workers; they default to the running
	// binary and its environment.
	Executable string
	Env        []string

	registry   *store.Registry
	history    *store.Store
	events     *wire.EventClient
	dispatcher *core.Dispatcher
	control    *control
	taskWorker *child
	evWorker   *child
	runCtx     context.Context
}

var _ Topology = (*Master)(nil)

func NewMaster(cfg *config.Config, logger *slog.Logger) *Master {
	return &Master{
		cfg:    cfg,
		logger: logger,
		clock:  core.Clock{Location: cfg.Location()},
		failed: make(chan error, 1),
	}
}

func (m *Master) State() State         { return m.state.get() }
func (m *Master) Failed() <-chan error { return m.failed }

// Addr is the bound control address, empty while the surface is down.
func (m *Master) Addr() string { return m.control.addr() }

func (m *Master) Start(ctx context.Context) error {
	m.state.set(StateStarting)
	m.runCtx = context.WithoutCancel(ctx)
	if err := os.MkdirAll(m.cfg.Runtime.RuntimeDir, 0o755); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	if m.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve executable: %w", err)
		}
		m.Executable = exe
	}
	if m.Env == nil {
		m.Env = os.Environ()
	}

	registry, err := store.CreateRegistry(ctx, m.cfg.RegistryPath(), m.cfg.Scheduler.TableSize, m.clock)
	if err != nil {
		return err
	}
	m.registry = registry
	if m.cfg.Scheduler.History {
		// Opened before the event worker so migrations run once.
		history, err := store.Open(ctx, m.cfg.Runtime.StateDir, m.cfg.Log.Retention)
		if err != nil {
			m.registry.Destroy()
			return fmt.Errorf("open history: %w", err)
		}
		m.history = history
	}

	m.events = &wire.EventClient{Path: m.cfg.EventSocket(), Logger: m.logger}
	m.dispatcher = core.NewDispatcher(m.registry, &wire.RunClient{Path: m.cfg.TaskSocket()}, m.clock, m.logger)
	m.control = newControl(m.cfg, m.registry, m.dispatcher, m.events, m.history, m.State, m.failed, m.logger)
	m.evWorker = m.newChild("event", config.CommandWorkerEvent, m.cfg.EventSocket(), m.cfg.Scheduler.ShutdownGrace)
	m.taskWorker = m.newChild("task", config.CommandWorkerTask, m.cfg.TaskSocket(), 0)

	if err := m.startWorkers(ctx); err != nil {
		m.release()
		return err
	}
	if err := m.dispatcher.Start(m.runCtx); err != nil {
		m.stopWorkers()
		m.release()
		return err
	}
	if err := m.control.start(); err != nil {
		<-m.dispatcher.Stop().Done()
		m.stopWorkers()
		m.release()
		return fmt.Errorf("start control surface: %w", err)
	}

	m.events.Emit(core.StartEvent{})
	m.state.set(StateRunning)
	return nil
}

func (m *Master) newChild(name, command, socket string, linger time.Duration) *child {
	return &child{
		name:   name,
		path:   m.Executable,
		args:   m.cfg.WorkerArgs(command),
		env:    m.Env,
		socket: socket,
		linger: linger,
		grace:  m.cfg.Scheduler.ShutdownGrace + 2*time.Second,
		logger: m.logger,
	}
}

// startWorkers brings up the event worker first so the task worker's
// events have somewhere to go.
func (m *Master) startWorkers(ctx context.Context) error {
	if err := m.evWorker.start(ctx); err != nil {
		return err
	}
	if err := m.taskWorker.start(ctx); err != nil {
		m.evWorker.stop()
		return err
	}
	return nil
}

func (m *Master) stopWorkers() {
	var g errgroup.Group
	g.Go(func() error { m.taskWorker.stop(); return nil })
	g.Go(func() error { m.evWorker.stop(); return nil })
	_ = g.Wait()
}

func (m *Master) release() {
	if m.history != nil {
		m.history.Close()
	}
	if err := m.registry.Destroy(); err != nil {
		m.logger.Warn("remove task table", "err", err)
	}
	m.state.set(StateStopped)
}

// Reload restarts the tick, the control surface and both workers. The
// shared task table is kept.
func (m *Master) Reload(ctx context.Context) error {
	m.state.set(StateReloading)
	if err := m.control.stop(ctx); err != nil {
		m.logger.Warn("stop control surface", "err", err)
	}
	<-m.dispatcher.Stop().Done()
	m.stopWorkers()

	if err := m.startWorkers(ctx); err != nil {
		return err
	}
	if err := m.dispatcher.Start(m.runCtx); err != nil {
		return err
	}
	if err := m.control.start(); err != nil {
		return fmt.Errorf("restart control surface: %w", err)
	}
	m.state.set(StateRunning)
	return nil
}

// Stop stops the listener and the tick, tells the task worker to drain,
// sends Close to the event worker and waits for both to exit.
func (m *Master) Stop(ctx context.Context) error {
	if st := m.state.get(); st == StateStopping || st == StateStopped {
		return nil
	}
	m.state.set(StateStopping)
	shutdownCtx, cancel := context.WithTimeout(ctx, m.cfg.Scheduler.ShutdownGrace)
	defer cancel()

	if err := m.control.stop(shutdownCtx); err != nil {
		m.logger.Warn("stop control surface", "err", err)
	}
	<-m.dispatcher.Stop().Done()

	var g errgroup.Group
	g.Go(func() error {
		m.taskWorker.stop()
		return nil
	})
	g.Go(func() error {
		tasks, err := core.Snapshot(ctx, m.registry)
		if err != nil {
			m.logger.Error("snapshot tasks", "err", err)
		}
		if err := m.events.Send(ctx, core.CloseEvent{Tasks: tasks}); err != nil {
			m.logger.Error("send close event", "err", err)
		}
		m.evWorker.stop()
		return nil
	})
	_ = g.Wait()

	var errs []error
	if m.history != nil {
		errs = append(errs, m.history.Close())
	}
	errs = append(errs, m.registry.Destroy())
	m.state.set(StateStopped)
	return errors.Join(errs...)
}
