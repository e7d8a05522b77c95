package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/store"
	"taskcron/internal/wire"
)

const (
	socketWait     = 5 * time.Second
	respawnBackoff = time.Second
)

// child supervises one worker process and respawns it when it exits on its
// own.
type child struct {
	name   string
	path   string
	args   []string
	env    []string
	socket string
	// linger is how long stop waits for a voluntary exit before SIGTERM.
	linger time.Duration
	// grace is how long stop waits after SIGTERM before killing.
	grace  time.Duration
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	pid int
}

// start spawns the process and returns once its socket accepts connections.
func (c *child) start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	first := make(chan error, 1)
	go c.supervise(ctx, first)
	if err := <-first; err != nil {
		cancel()
		<-c.done
		return err
	}
	return nil
}

// stop ends supervision and terminates the process.
func (c *child) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel = nil
}

// currentPID returns the PID of the latest spawned process.
func (c *child) currentPID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *child) supervise(ctx context.Context, first chan<- error) {
	defer close(c.done)
	for {
		cmd, exited, err := c.spawn(ctx)
		if first != nil {
			first <- err
			first = nil
			if err != nil {
				return
			}
		}
		if err != nil {
			c.logger.Error("spawn worker", "worker", c.name, "err", err)
		} else {
			select {
			case err := <-exited:
				if ctx.Err() == nil {
					c.logger.Warn("worker exited, restarting", "worker", c.name, "err", err)
				}
			case <-ctx.Done():
				c.terminate(cmd, exited)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(respawnBackoff):
		}
	}
}

func (c *child) spawn(ctx context.Context) (*exec.Cmd, <-chan error, error) {
	if err := os.Remove(c.socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("remove stale socket: %w", err)
	}
	cmd := exec.Command(c.path, c.args...)
	cmd.Env = c.env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s worker: %w", c.name, err)
	}
	// exited yields the wait result once and is closed after it, so every
	// later receive returns immediately.
	exited := make(chan error, 1)
	go func() {
		exited <- cmd.Wait()
		close(exited)
	}()

	c.mu.Lock()
	c.pid = cmd.Process.Pid
	c.mu.Unlock()

	if err := waitForSocket(ctx, c.socket, exited); err != nil {
		c.terminate(cmd, exited)
		return nil, nil, fmt.Errorf("%s worker: %w", c.name, err)
	}
	c.logger.Info("worker started", "worker", c.name, "pid", cmd.Process.Pid)
	return cmd, exited, nil
}

func (c *child) terminate(cmd *exec.Cmd, exited <-chan error) {
	if c.linger > 0 {
		select {
		case <-exited:
			return
		case <-time.After(c.linger):
		}
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-exited:
		return
	case <-time.After(c.grace):
	}
	c.logger.Warn("worker did not exit, killing", "worker", c.name, "pid", cmd.Process.Pid)
	_ = cmd.Process.Kill()
	<-exited
}

// waitForSocket polls until path accepts a connection, the process exits or
// socketWait elapses.
func waitForSocket(ctx context.Context, path string, exited <-chan error) error {
	deadline := time.NewTimer(socketWait)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if err := wire.Probe(path); err == nil {
			return nil
		}
		select {
		case err := <-exited:
			return fmt.Errorf("exited before listening: %v", err)
		case <-deadline.C:
			return fmt.Errorf("socket %s not ready after %s", path, socketWait)
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// workerSignals makes a worker stop on SIGTERM only; the master owns SIGINT
// and reloads.
func workerSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	signal.Ignore(syscall.SIGINT, syscall.SIGUSR1)
	return signal.NotifyContext(ctx, syscall.SIGTERM)
}

// RunTaskWorker serves run requests on the task socket until SIGTERM or ctx
// ends, then waits up to ShutdownGrace for running commands.
func RunTaskWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	clock := core.Clock{Location: cfg.Location()}
	registry, err := store.OpenRegistry(ctx, cfg.RegistryPath(), cfg.Scheduler.TableSize, clock)
	if err != nil {
		return err
	}
	defer registry.Close()

	events := &wire.EventClient{Path: cfg.EventSocket(), Logger: logger}
	executor := core.NewExecutor(registry, events, clock, logger)
	runCtx := context.WithoutCancel(ctx)

	ln, err := wire.Listen(cfg.TaskSocket())
	if err != nil {
		return err
	}
	sigCtx, stop := workerSignals(ctx)
	defer stop()

	logger.Info("task worker listening", "socket", cfg.TaskSocket())
	err = wire.Serve(sigCtx, ln, func(_ context.Context, payload []byte) error {
		ids, err := wire.DecodeRunRequest(payload)
		if err != nil {
			return err
		}
		return executor.Submit(runCtx, ids)
	}, logger)

	grace, cancel := context.WithTimeout(runCtx, cfg.Scheduler.ShutdownGrace)
	defer cancel()
	if werr := executor.Wait(grace); werr != nil {
		logger.Warn("commands still running after grace period", "grace", cfg.Scheduler.ShutdownGrace)
	}
	return err
}

// RunEventWorker delivers event frames from the event socket to the
// configured handler in arrival order. It returns after the Close event has
// been delivered, or on SIGTERM without one.
func RunEventWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, extra ...core.Handler) error {
	handler, history, err := NewHandler(ctx, cfg, logger, extra...)
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	bus := core.NewBus(handler, core.DefaultQueueSize, logger)
	go bus.Run(context.WithoutCancel(ctx))

	ln, err := wire.Listen(cfg.EventSocket())
	if err != nil {
		bus.Close()
		<-bus.Done()
		return err
	}
	sigCtx, stop := workerSignals(ctx)
	defer stop()
	serveCtx, closed := context.WithCancel(sigCtx)
	defer closed()

	var reader wire.EventReader
	logger.Info("event worker listening", "socket", cfg.EventSocket())
	err = wire.Serve(serveCtx, ln, func(_ context.Context, payload []byte) error {
		ev, err := reader.Read(payload)
		if err != nil || ev == nil {
			return err
		}
		if _, ok := ev.(core.CloseEvent); ok {
			bus.CloseWith(ev)
			closed()
			return nil
		}
		bus.Emit(ev)
		return nil
	}, logger)

	bus.Close()
	<-bus.Done()
	return err
}
