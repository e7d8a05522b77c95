// Package metrics exposes the task table and the control surface to
// Prometheus.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskcron/internal/core"
)

// Metrics owns a dedicated Prometheus registry so a topology can be started
// more than once in a process.
type Metrics struct {
	Registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New registers the task collector, the HTTP metrics and the Go runtime
// collectors. state reports the current topology state.
func New(tasks core.Registry, state func() string) *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taskcron_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taskcron_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
	m.Registry.MustRegister(
		NewTaskCollector(tasks, state),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Middleware records HTTP request metrics.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		// Use the chi route pattern if available, else the raw path.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		m.httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.status)).Inc()
		m.httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps streaming responses (MCP over SSE) working through the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}

// TaskCollector reads the task table on every scrape.
type TaskCollector struct {
	tasks core.Registry
	state func() string

	tasksDesc    *prometheus.Desc
	capacityDesc *prometheus.Desc
	runsDesc     *prometheus.Desc
	nextRunDesc  *prometheus.Desc
	stateDesc    *prometheus.Desc
}

// NewTaskCollector builds a collector over tasks.
func NewTaskCollector(tasks core.Registry, state func() string) *TaskCollector {
	return &TaskCollector{
		tasks: tasks,
		state: state,
		tasksDesc: prometheus.NewDesc("taskcron_tasks",
			"Number of registered tasks by status", []string{"status"}, nil),
		capacityDesc: prometheus.NewDesc("taskcron_task_capacity",
			"Maximum number of tasks the table holds", nil, nil),
		runsDesc: prometheus.NewDesc("taskcron_task_runs_total",
			"Completed executions per task by result", []string{"task_id", "result"}, nil),
		nextRunDesc: prometheus.NewDesc("taskcron_task_next_run_timestamp_seconds",
			"Next scheduled dispatch of a looping task", []string{"task_id"}, nil),
		stateDesc: prometheus.NewDesc("taskcron_state",
			"Current topology state", []string{"state"}, nil),
	}
}

func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.tasksDesc
	ch <- c.capacityDesc
	ch <- c.runsDesc
	ch <- c.nextRunDesc
	ch <- c.stateDesc
}

func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.capacityDesc, prometheus.GaugeValue, float64(c.tasks.Capacity()))
	if c.state != nil {
		ch <- prometheus.MustNewConstMetric(c.stateDesc, prometheus.GaugeValue, 1, c.state())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tasks, err := c.tasks.List(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.tasksDesc, err)
		return
	}
	var running, enabled int
	for _, t := range tasks {
		if t.Running {
			running++
		}
		if t.Enabled {
			enabled++
		}
		ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.CounterValue, float64(t.SuccessCount), t.ID, "success")
		ch <- prometheus.MustNewConstMetric(c.runsDesc, prometheus.CounterValue, float64(t.FailCount), t.ID, "failure")
		if t.IsLoop && t.NextRunTime > 0 {
			ch <- prometheus.MustNewConstMetric(c.nextRunDesc, prometheus.GaugeValue, float64(t.NextRunTime), t.ID)
		}
	}
	ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(len(tasks)), "total")
	ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(running), "running")
	ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(len(tasks)-running), "waiting")
	ch <- prometheus.MustNewConstMetric(c.tasksDesc, prometheus.GaugeValue, float64(enabled), "enabled")
}
