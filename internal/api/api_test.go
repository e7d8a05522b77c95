package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcron/internal/core"
	"taskcron/internal/metrics"
	"taskcron/internal/store"
)

type fakeRunner struct {
	mu   sync.Mutex
	ids  [][]string
	fail error
}

func (f *fakeRunner) RunNow(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, ids)
	return f.fail
}

type eventSink struct {
	mu     sync.Mutex
	events []core.Event
}

func (e *eventSink) Emit(ev core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

type fixture struct {
	srv     *httptest.Server
	tasks   core.Registry
	runner  *fakeRunner
	events  *eventSink
	history *store.Store
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	history, err := store.Open(context.Background(), t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	f := &fixture{
		tasks:   core.NewMemoryRegistry(2, core.Clock{Location: time.UTC}),
		runner:  &fakeRunner{},
		events:  &eventSink{},
		history: history,
	}
	s := NewServer(Options{
		AuthToken: token,
		Tasks:     f.tasks,
		Runner:    f.runner,
		Events:    f.events,
		History:   history,
		Metrics:   metrics.New(f.tasks, func() string { return "running" }),
		State:     func() string { return "running" },
		Topology:  "single",
		Location:  time.UTC,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	return payload.Error.Code
}

func TestTasks_CRUD(t *testing.T) {
	f := newFixture(t, "")

	resp, body := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"id": "nightly", "loop": true, "command": "echo hi", "cron": "0 0 2 * * *",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created core.Task
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "nightly", created.ID)
	assert.True(t, created.SingleInstance)
	assert.True(t, created.Enabled)
	assert.NotZero(t, created.NextRunTime)

	resp, body = f.do(t, http.MethodPost, "/v1/tasks", map[string]any{"command": "true", "single": false})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var generated core.Task
	require.NoError(t, json.Unmarshal(body, &generated))
	assert.Len(t, generated.ID, 36)
	assert.False(t, generated.SingleInstance)
	assert.Zero(t, generated.NextRunTime)

	resp, body = f.do(t, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []core.Task
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 2)
	assert.Equal(t, "nightly", list[0].ID)

	resp, body = f.do(t, http.MethodPut, "/v1/tasks/nightly", map[string]any{"loop": false, "command": "echo bye"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated core.Task
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "echo bye", updated.Command)
	assert.False(t, updated.IsLoop)
	assert.Zero(t, updated.NextRunTime)

	resp, _ = f.do(t, http.MethodDelete, "/v1/tasks/nightly", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/v1/tasks/nightly", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, body))
}

func TestTasks_StatusMapping(t *testing.T) {
	f := newFixture(t, "")
	long := string(bytes.Repeat([]byte("x"), 1025))

	cases := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"invalid json", "{", http.StatusBadRequest, "invalid_input"},
		{"missing command", map[string]any{"loop": false}, http.StatusBadRequest, "invalid_input"},
		{"command too long", map[string]any{"command": long}, http.StatusBadRequest, "invalid_input"},
		{"loop without cron", map[string]any{"loop": true, "command": "true"}, http.StatusBadRequest, "invalid_input"},
		{"bad cron", map[string]any{"loop": true, "command": "true", "cron": "61 * * * * *"}, http.StatusBadRequest, "invalid_cron"},
		{"first", map[string]any{"id": "a", "command": "true"}, http.StatusCreated, ""},
		{"duplicate", map[string]any{"id": "a", "command": "true"}, http.StatusConflict, "already_exists"},
		{"second", map[string]any{"id": "b", "command": "true"}, http.StatusCreated, ""},
		{"full", map[string]any{"id": "c", "command": "true"}, http.StatusInsufficientStorage, "capacity_exceeded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var resp *http.Response
			var body []byte
			if raw, ok := tc.body.(string); ok {
				r, err := http.Post(f.srv.URL+"/v1/tasks", "application/json", bytes.NewBufferString(raw))
				require.NoError(t, err)
				defer r.Body.Close()
				body, _ = io.ReadAll(r.Body)
				resp = r
			} else {
				resp, body = f.do(t, http.MethodPost, "/v1/tasks", tc.body)
			}
			assert.Equal(t, tc.status, resp.StatusCode, string(body))
			if tc.code != "" {
				assert.Equal(t, tc.code, errorCode(t, body))
			}
		})
	}

	resp, _ := f.do(t, http.MethodPut, "/v1/tasks/missing", map[string]any{"command": "true"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTasks_RunAndToggle(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.tasks.Add(ctx, "a", core.TaskDef{IsLoop: true, Command: "true", CronExpr: "0 0 * * * *", SingleInstance: true}))

	resp, _ := f.do(t, http.MethodPost, "/v1/tasks/a/run", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, [][]string{{"a"}}, f.runner.ids)

	require.NoError(t, f.tasks.SetRunning(ctx, "a", true))
	resp, body := f.do(t, http.MethodPost, "/v1/tasks/a/run", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "conflict", errorCode(t, body))

	resp, _ = f.do(t, http.MethodPost, "/v1/tasks/missing/run", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/v1/tasks/a/disable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var task core.Task
	require.NoError(t, json.Unmarshal(body, &task))
	assert.False(t, task.Enabled)

	require.NoError(t, f.tasks.SetNextRunTime(ctx, "a", 1))
	resp, body = f.do(t, http.MethodPost, "/v1/tasks/a/enable", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &task))
	assert.True(t, task.Enabled)
	assert.Greater(t, task.NextRunTime, time.Now().Unix())
}

func TestSystem_RunAndStatus(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.tasks.Add(ctx, "a", core.TaskDef{Command: "true"}))
	require.NoError(t, f.tasks.Add(ctx, "b", core.TaskDef{Command: "true"}))
	require.NoError(t, f.tasks.SetRunning(ctx, "b", true))

	resp, _ := f.do(t, http.MethodPost, "/v1/system/run", map[string]any{"ids": []string{"a", "b"}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, [][]string{{"a", "b"}}, f.runner.ids)

	resp, _ = f.do(t, http.MethodPost, "/v1/system/run", map[string]any{"ids": []string{"a", "zzz"}})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/v1/system/run", map[string]any{"ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/v1/system/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"total":2,"running":1,"wait":1,"enabled":2,"capacity":2,"state":"running","topology":"single"}`, string(body))
}

func TestSystem_RunnerFailureEmitsError(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.tasks.Add(context.Background(), "a", core.TaskDef{Command: "true"}))
	f.runner.fail = errors.New("socket closed")

	resp, body := f.do(t, http.MethodPost, "/v1/tasks/a/run", nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal_error", errorCode(t, body))
	require.Len(t, f.events.events, 1)
	ev, ok := f.events.events[0].(core.ErrorEvent)
	require.True(t, ok)
	assert.ErrorContains(t, ev.Cause, "socket closed")
}

func TestCronPreview(t *testing.T) {
	f := newFixture(t, "")
	resp, body := f.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{
		"expr": "0 30 9 * * 1-5", "now": "2024-03-15T10:00:00Z", "count": 2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"valid":true,"next_times":["2024-03-18T09:30:00Z","2024-03-19T09:30:00Z"]}`, string(body))

	resp, body = f.do(t, http.MethodPost, "/v1/cron/preview", map[string]any{"expr": "bad"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"valid":false`)
}

func TestRuns_FromHistory(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.tasks.Add(ctx, "a", core.TaskDef{Command: "true"}))

	rec := store.NewRecorder(f.history, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, rec.OnTaskEnd(ctx, core.TaskEndEvent{
		ID: "a", StartTime: 100, EndTime: 101, Success: false, Output: "one\ntwo\nthree\n", Duration: "1.0000", ExitCode: 3,
	}))

	resp, body := f.do(t, http.MethodGet, "/v1/tasks/a/runs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs []store.Run
	require.NoError(t, json.Unmarshal(body, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusFailed, runs[0].Status)

	resp, body = f.do(t, http.MethodGet, "/v1/runs/"+runs[0].ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"exit_code":3`)

	resp, body = f.do(t, http.MethodGet, "/v1/runs/"+runs[0].ID+"/log?tail=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "two\nthree\n", string(body))

	resp, _ = f.do(t, http.MethodGet, "/v1/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAuthAndAmbientRoutes(t *testing.T) {
	f := newFixture(t, "s3cret")

	resp, body := f.do(t, http.MethodGet, "/v1/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))

	resp, _ = f.do(t, http.MethodGet, "/v1/tasks?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/v1/system/status", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer s3cret")
	r, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusOK, r.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "taskcron_task_capacity 2")
}

func TestListen_UnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.sock")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	ln, err := Listen("unix:" + path)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, "unix", ln.Addr().Network())
}
