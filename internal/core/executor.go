package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// MaxOutputBytes caps the captured output of one execution so a TaskEnd
// event always fits in a wire frame.
const MaxOutputBytes = 512 << 10

const truncatedMarker = "\n[output truncated]\n"

// Executor runs batches of tasks and reports their lifecycle.
type Executor struct {
	registry Registry
	events   Emitter
	clock    Clock
	logger   *slog.Logger

	inflight sync.WaitGroup
}

// NewExecutor creates an executor that publishes to events.
func NewExecutor(registry Registry, events Emitter, clock Clock, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		events:   events,
		clock:    clock,
		logger:   logger,
	}
}

// Submit starts ids as a batch in the background and returns immediately.
func (e *Executor) Submit(ctx context.Context, ids []string) error {
	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		if err := e.RunBatch(ctx, ids); err != nil {
			e.logger.Error("run batch", "err", err)
		}
	}()
	return nil
}

// Wait blocks until every batch started through Submit has finished or ctx
// is done.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunBatch runs every id concurrently and returns when all have finished.
// Command failures are reported through TaskEndEvent only.
func (e *Executor) RunBatch(ctx context.Context, ids []string) error {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			return e.run(ctx, id)
		})
	}
	return g.Wait()
}

func (e *Executor) run(ctx context.Context, id string) error {
	task, err := e.registry.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get task %s: %w", id, err)
	}
	if err := e.registry.SetRunning(ctx, id, true); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark task %s running: %w", id, err)
	}
	e.events.Emit(TaskStartEvent{ID: id})

	startedAt := e.clock.Time()
	began := time.Now()
	output, exitCode := runCommand(task.Command)
	elapsed := time.Since(began)
	endedAt := e.clock.Time()
	success := exitCode == 0

	// The row may have been deleted while the command ran.
	if err := e.registry.SetRunning(ctx, id, false); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Error("clear running flag", "task_id", id, "err", err)
	}
	if err := e.registry.RecordResult(ctx, id, success, startedAt.Unix()); err != nil && !errors.Is(err, ErrNotFound) {
		e.logger.Error("record result", "task_id", id, "err", err)
	}
	next := task.NextRunTime
	if current, err := e.registry.Get(ctx, id); err == nil {
		next = current.NextRunTime
	}

	e.events.Emit(TaskEndEvent{
		ID:          id,
		StartTime:   startedAt.Unix(),
		EndTime:     endedAt.Unix(),
		Success:     success,
		Output:      output,
		Duration:    FormatDuration(elapsed),
		NextRunTime: next,
		ExitCode:    exitCode,
	})
	return nil
}

// FormatDuration renders d as seconds with four decimals.
func FormatDuration(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 4, 64)
}

// runCommand runs command through the platform shell. The child is not tied
// to any context; in-flight commands are allowed to finish.
func runCommand(command string) (string, int) {
	out := &cappedWriter{limit: MaxOutputBytes}
	cmd := commandForTask(command)
	cmd.Stdout = out
	cmd.Stderr = out

	if err := cmd.Start(); err != nil {
		return fmt.Sprintf("failed to start command: %v", err), -1
	}
	err := cmd.Wait()
	if err == nil {
		return out.String(), 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out.String(), exitErr.ExitCode()
	}
	return out.String() + err.Error(), -1
}

func commandForTask(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command) // #nosec G204
	}
	return exec.Command("/bin/sh", "-c", command) // #nosec G204
}

// cappedWriter collects stdout and stderr of one command, keeping at most
// limit bytes.
type cappedWriter struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (w *cappedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	room := w.limit - w.buf.Len()
	switch {
	case room <= 0:
		w.truncated = true
	case len(p) > room:
		w.buf.Write(p[:room])
		w.truncated = true
	default:
		w.buf.Write(p)
	}
	return len(p), nil
}

func (w *cappedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.truncated {
		return w.buf.String() + truncatedMarker
	}
	return w.buf.String()
}
