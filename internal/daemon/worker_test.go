package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcron/internal/config"
	"taskcron/internal/core"
	"taskcron/internal/store"
	"taskcron/internal/wire"
)

const (
	helperEnv   = "TASKCRON_WANT_HELPER_PROCESS"
	workerEnv   = "TASKCRON_TEST_WORKER"
	eventLogEnv = "TASKCRON_TEST_EVENT_LOG"
)

// TestMain lets the test binary stand in for taskcrond when a Master spawns
// its workers: with workerEnv set it parses the worker arguments and runs
// the requested worker instead of the tests.
func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		os.Exit(runTestWorker(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runTestWorker(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	ctx := context.Background()
	switch cfg.Command {
	case config.CommandWorkerTask:
		err = RunTaskWorker(ctx, cfg, discard)
	case config.CommandWorkerEvent:
		err = RunEventWorker(ctx, cfg, discard, eventFile(os.Getenv(eventLogEnv)))
	default:
		err = fmt.Errorf("unexpected command %q", cfg.Command)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// eventFile appends one line per delivered event so the parent test can see
// what every generation of the event worker handled.
type eventFile string

func (f eventFile) write(line string) error {
	out, err := os.OpenFile(string(f), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(out, line); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (f eventFile) OnStart(context.Context) error { return f.write(core.EventStart) }

func (f eventFile) OnClose(_ context.Context, tasks []core.TaskView) error {
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	slices.Sort(ids)
	return f.write(core.EventClose + " " + strings.Join(ids, ","))
}

func (f eventFile) OnTaskStart(_ context.Context, id string) error {
	return f.write(core.EventTaskStart + " " + id)
}

func (f eventFile) OnTaskEnd(_ context.Context, ev core.TaskEndEvent) error {
	return f.write(fmt.Sprintf("%s %s %t", core.EventTaskEnd, ev.ID, ev.Success))
}

func (f eventFile) OnError(_ context.Context, err error) error {
	return f.write(core.EventError + " " + err.Error())
}

func readEventFile(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// TestHelperProcess is not a real test. It is the worker binary spawned by
// the supervision tests: it listens on the socket named by its last argument
// until SIGTERM.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	ln, err := wire.Listen(os.Args[len(os.Args)-1])
	if err != nil {
		os.Exit(2)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()
	_ = wire.Serve(ctx, ln, func(context.Context, []byte) error { return nil }, discard)
	os.Exit(0)
}

func helperChild(t *testing.T) *child {
	t.Helper()
	dir, err := os.MkdirTemp("", "tcw")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	socket := filepath.Join(dir, "helper.sock")
	return &child{
		name:   "helper",
		path:   os.Args[0],
		args:   []string{"-test.run=^TestHelperProcess$", "--", socket},
		env:    append(os.Environ(), helperEnv+"=1"),
		socket: socket,
		grace:  2 * time.Second,
		logger: discard,
	}
}

func TestChild_StartStop(t *testing.T) {
	c := helperChild(t)
	require.NoError(t, c.start(context.Background()))

	pid := c.currentPID()
	require.NotZero(t, pid)
	assert.True(t, ProcessAlive(pid))
	assert.NoError(t, wire.Probe(c.socket))

	c.stop()
	assert.Error(t, wire.Probe(c.socket))
	assert.False(t, ProcessAlive(pid))

	// Stopping twice is harmless.
	c.stop()
}

func TestChild_RespawnsAfterCrash(t *testing.T) {
	c := helperChild(t)
	require.NoError(t, c.start(context.Background()))
	t.Cleanup(c.stop)

	first := c.currentPID()
	require.NoError(t, syscall.Kill(first, syscall.SIGKILL))

	require.Eventually(t, func() bool {
		pid := c.currentPID()
		return pid != 0 && pid != first && wire.Probe(c.socket) == nil
	}, 10*time.Second, 50*time.Millisecond)
}

func TestChild_StartFailsWhenProcessExits(t *testing.T) {
	c := helperChild(t)
	// Without the helper variable the test binary runs no tests and exits.
	c.env = os.Environ()

	err := c.start(context.Background())
	assert.Error(t, err)
}

func TestWorkers_RunAndDeliverEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Topology = "multi"
	ctx := context.Background()
	require.NoError(t, os.MkdirAll(cfg.Runtime.RuntimeDir, 0o755))

	clock := core.Clock{Location: cfg.Location()}
	registry, err := store.CreateRegistry(ctx, cfg.RegistryPath(), cfg.Scheduler.TableSize, clock)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Destroy() })
	require.NoError(t, registry.Add(ctx, "hello", core.TaskDef{Command: "echo hello", SingleInstance: true}))

	rec := &recorder{}
	eventDone := make(chan error, 1)
	go func() { eventDone <- RunEventWorker(ctx, cfg, discard, rec) }()
	require.Eventually(t, func() bool { return wire.Probe(cfg.EventSocket()) == nil }, 5*time.Second, 20*time.Millisecond)

	taskCtx, stopTask := context.WithCancel(ctx)
	taskDone := make(chan error, 1)
	go func() { taskDone <- RunTaskWorker(taskCtx, cfg, discard) }()
	require.Eventually(t, func() bool { return wire.Probe(cfg.TaskSocket()) == nil }, 5*time.Second, 20*time.Millisecond)

	runs := &wire.RunClient{Path: cfg.TaskSocket()}
	require.NoError(t, runs.Submit(ctx, []string{"hello"}))

	require.Eventually(t, func() bool { return len(rec.taskEnds()) == 1 }, 5*time.Second, 20*time.Millisecond)
	end := rec.taskEnds()[0]
	assert.Equal(t, "hello", end.ID)
	assert.True(t, end.Success)
	assert.Equal(t, "hello\n", end.Output)

	// The task worker updated the shared table.
	task, err := registry.Get(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, int64(1), task.RunCount)
	assert.Equal(t, int64(1), task.SuccessCount)
	assert.False(t, task.Running)

	stopTask()
	select {
	case err := <-taskDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("task worker did not stop")
	}

	events := &wire.EventClient{Path: cfg.EventSocket(), Logger: discard}
	require.NoError(t, events.Send(ctx, core.CloseEvent{Tasks: []core.TaskView{*task}}))
	select {
	case err := <-eventDone:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("event worker did not stop after close")
	}

	assert.Equal(t, 1, rec.count(core.EventClose))
	assert.Equal(t, 1, rec.count(core.EventTaskStart))
	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.closed, 1)
	require.Len(t, rec.closed[0], 1)
	assert.Equal(t, "hello", rec.closed[0][0].ID)
}

func TestMaster_Lifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Topology = config.TopologyMulti
	cfg.Scheduler.ShutdownGrace = time.Second
	eventLog := filepath.Join(cfg.Runtime.StateDir, "events.log")

	m := NewMaster(cfg, discard)
	m.Executable = os.Args[0]
	m.Env = append(os.Environ(), workerEnv+"=1", eventLogEnv+"="+eventLog)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	t.Cleanup(func() { _ = m.Stop(ctx) })
	assert.Equal(t, StateRunning, m.State())
	assert.FileExists(t, cfg.RegistryPath())
	base := "http://" + m.Addr()

	resp := postJSON(t, base+"/v1/tasks", map[string]any{"id": "nightly", "loop": true, "command": "true", "cron": "0 0 3 * * ?"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = postJSON(t, base+"/v1/tasks", map[string]any{"id": "once", "command": "echo hi"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = postJSON(t, base+"/v1/tasks/once/run", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The task worker ran the command and recorded it in the shared table.
	require.Eventually(t, func() bool {
		task, err := m.registry.Get(ctx, "once")
		return err == nil && task.RunCount == 1 && !task.Running
	}, 10*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return slices.Contains(readEventFile(t, eventLog), core.EventTaskEnd+" once true")
	}, 10*time.Second, 20*time.Millisecond)

	taskPID, eventPID := m.taskWorker.currentPID(), m.evWorker.currentPID()
	require.NotZero(t, taskPID)
	require.NotZero(t, eventPID)

	require.NoError(t, m.Reload(ctx))
	assert.Equal(t, StateRunning, m.State())
	assert.NotEqual(t, taskPID, m.taskWorker.currentPID())
	assert.NotEqual(t, eventPID, m.evWorker.currentPID())
	assert.False(t, ProcessAlive(taskPID))
	assert.False(t, ProcessAlive(eventPID))

	// Rows survive the reload.
	for _, id := range []string{"nightly", "once"} {
		ok, err := m.registry.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, id)
	}
	base = "http://" + m.Addr()
	resp, err := http.Get(base + "/v1/tasks/once")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	taskPID, eventPID = m.taskWorker.currentPID(), m.evWorker.currentPID()
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())
	assert.NoFileExists(t, cfg.RegistryPath())
	assert.False(t, ProcessAlive(taskPID))
	assert.False(t, ProcessAlive(eventPID))

	lines := readEventFile(t, eventLog)
	count := func(prefix string) int {
		n := 0
		for _, line := range lines {
			if line == prefix || strings.HasPrefix(line, prefix+" ") {
				n++
			}
		}
		return n
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, core.EventStart, lines[0])
	assert.Equal(t, 1, count(core.EventStart))
	assert.Equal(t, 1, count(core.EventClose))
	assert.Equal(t, core.EventClose+" nightly,once", lines[len(lines)-1])
}
