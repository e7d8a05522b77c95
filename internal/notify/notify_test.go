package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcron/internal/core"
)

type captureNotifier struct {
	mu   sync.Mutex
	msgs []Message
	err  error
}

func (c *captureNotifier) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestBarkNotifier_Send(t *testing.T) {
	var got url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/key", r.URL.Path)
		got = r.URL.Query()
	}))
	defer srv.Close()

	b, err := NewBarkNotifier(srv.URL + "/key/")
	require.NoError(t, err)
	require.NoError(t, b.Send(context.Background(), Message{Title: "t", Body: "b & c", Level: LevelPassive}))
	assert.Equal(t, "t", got.Get("title"))
	assert.Equal(t, "b & c", got.Get("body"))
	assert.Equal(t, "taskcron", got.Get("group"))
	assert.Equal(t, "passive", got.Get("level"))
}

func TestBarkNotifier_Errors(t *testing.T) {
	_, err := NewBarkNotifier(" ")
	assert.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	b, err := NewBarkNotifier(srv.URL)
	require.NoError(t, err)
	assert.Error(t, b.Send(context.Background(), Message{Title: "t"}))
}

func TestMultiNotifier_ContinuesPastFailures(t *testing.T) {
	failing := &captureNotifier{err: errors.New("down")}
	ok := &captureNotifier{}
	err := NewMultiNotifier(failing, ok).Send(context.Background(), Message{Title: "x"})
	assert.EqualError(t, err, "down")
	assert.Len(t, ok.msgs, 1)
}

func TestHandler_NotifiesFailuresOnly(t *testing.T) {
	n := &captureNotifier{}
	h := NewHandler(n, 0, 1, discard)
	ctx := context.Background()

	require.NoError(t, h.OnTaskEnd(ctx, core.TaskEndEvent{ID: "a", Success: true}))
	require.NoError(t, h.OnTaskEnd(ctx, core.TaskEndEvent{ID: "a", ExitCode: 2, Duration: "0.5000", Output: "boom"}))
	require.NoError(t, h.OnClose(ctx, []core.TaskView{{ID: "a", Running: true}, {ID: "b"}}))

	require.Len(t, n.msgs, 2)
	assert.Equal(t, "Task a failed", n.msgs[0].Title)
	assert.Equal(t, "exit code 2 after 0.5000s\nboom", n.msgs[0].Body)
	assert.Equal(t, "2 tasks registered, 1 still running", n.msgs[1].Body)
}

func TestHandler_RateLimited(t *testing.T) {
	n := &captureNotifier{}
	h := NewHandler(n, time.Hour, 2, discard)
	for i := 0; i < 5; i++ {
		require.NoError(t, h.OnError(context.Background(), errors.New("x")))
	}
	assert.Len(t, n.msgs, 2)
}

func TestHandler_ReportsDeliveryFailure(t *testing.T) {
	h := NewHandler(&captureNotifier{err: errors.New("down")}, 0, 1, discard)
	assert.Error(t, h.OnError(context.Background(), errors.New("x")))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "...de", tail("abcde", 2))
}
