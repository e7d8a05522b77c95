package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"taskcron/internal/core"
	"taskcron/internal/metrics"
	"taskcron/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Runner starts tasks outside their schedule.
type Runner interface {
	RunNow(ctx context.Context, ids []string) error
}

// Options wires the control surface to a topology.
type Options struct {
	Addr      string
	AuthToken string

	Tasks  core.Registry
	Runner Runner
	Events core.Emitter
	// History serves the run endpoints; nil disables them.
	History *store.Store
	Metrics *metrics.Metrics
	MCP     http.Handler

	State    func() string
	Topology string
	Location *time.Location
	Logger   *slog.Logger
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	tasks      core.Registry
	runner     Runner
	events     core.Emitter
	history    *store.Store
	metrics    *metrics.Metrics
	mcp        http.Handler
	state      func() string
	topology   string
	logger     *slog.Logger
	location   *time.Location
	authToken  string
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware)
	}

	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	events := opts.Events
	if events == nil {
		events = core.EmitterFunc(func(core.Event) {})
	}
	s := &Server{
		router:    router,
		tasks:     opts.Tasks,
		runner:    opts.Runner,
		events:    events,
		history:   opts.History,
		metrics:   opts.Metrics,
		mcp:       opts.MCP,
		state:     opts.State,
		topology:  opts.Topology,
		logger:    opts.Logger,
		location:  loc,
		authToken: opts.AuthToken,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server listening", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// Mount MCP endpoint with optional authentication
	if s.mcp != nil {
		s.router.Handle("/mcp", AuthMiddleware(s.authToken)(s.mcp))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.authToken))

		r.Post("/cron/preview", s.handleCronPreview)

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Post("/run", s.handleSystemRun)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Put("/", s.handleUpdateTask)
				r.Delete("/", s.handleDeleteTask)
				r.Post("/run", s.handleRunTask)
				r.Post("/enable", s.handleSetEnabled(true))
				r.Post("/disable", s.handleSetEnabled(false))
				if s.history != nil {
					r.Get("/runs", s.handleListRuns)
				}
			})
		})

		if s.history != nil {
			r.Route("/runs", func(r chi.Router) {
				r.Get("/{runID}", s.handleGetRun)
				r.Get("/{runID}/log", s.handleRunLog)
			})
		}
	})
}
