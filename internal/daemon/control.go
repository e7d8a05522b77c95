package daemon

import (
	"context"
	"log/slog"
	"net"
	"sync"

	"taskcron/internal/api"
	"taskcron/internal/config"
	"taskcron/internal/core"
	taskmcp "taskcron/internal/mcp"
	"taskcron/internal/metrics"
	"taskcron/internal/store"
)

// control is the HTTP control surface of a topology. The metrics registry
// and the MCP tools outlive reloads; the listener and server do not.
type control struct {
	opts   api.Options
	failed chan<- error
	logger *slog.Logger

	mu     sync.Mutex
	server *api.Server
	ln     net.Listener
	done   chan struct{}
}

func newControl(cfg *config.Config, tasks core.Registry, runner api.Runner, events core.Emitter, history *store.Store, state func() State, failed chan<- error, logger *slog.Logger) *control {
	stateName := func() string { return state().String() }
	opts := api.Options{
		Addr:      cfg.Server.Addr,
		AuthToken: cfg.Server.AuthToken,
		Tasks:     tasks,
		Runner:    runner,
		Events:    events,
		History:   history,
		Metrics:   metrics.New(tasks, stateName),
		State:     stateName,
		Topology:  cfg.Scheduler.Topology,
		Location:  cfg.Location(),
		Logger:    logger,
	}
	if cfg.Server.MCP {
		status := func(ctx context.Context) (core.Status, error) {
			st, err := core.Summarize(ctx, tasks)
			st.State = stateName()
			st.Topology = cfg.Scheduler.Topology
			return st, err
		}
		opts.MCP = taskmcp.NewMCPServer(tasks, runner, status, logger, cfg.Location()).Handler()
	}
	return &control{opts: opts, failed: failed, logger: logger}
}

func (c *control) start() error {
	ln, err := api.Listen(c.opts.Addr)
	if err != nil {
		return err
	}
	server := api.NewServer(c.opts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil {
			select {
			case c.failed <- err:
			default:
				c.logger.Error("http server", "err", err)
			}
		}
	}()

	c.mu.Lock()
	c.server, c.ln, c.done = server, ln, done
	c.mu.Unlock()
	return nil
}

// stop shuts the server down, waiting for in-flight requests until ctx ends.
func (c *control) stop(ctx context.Context) error {
	c.mu.Lock()
	server, done := c.server, c.done
	c.server, c.ln, c.done = nil, nil, nil
	c.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	<-done
	return err
}

// addr is the bound listener address, empty when not serving.
func (c *control) addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}
