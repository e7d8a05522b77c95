package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batchSink struct {
	mu      sync.Mutex
	batches [][]string
	err     error
}

func (s *batchSink) Submit(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]string(nil), ids...))
	return s.err
}

func (s *batchSink) snapshot() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]string(nil), s.batches...)
}

func utcClock(now time.Time) Clock {
	return Clock{Now: func() time.Time { return now }, Location: time.UTC}
}

func TestDispatcher_TickDispatchesDueTasks(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(8, utcClock(start))
	require.NoError(t, reg.Add(ctx, "every5", TaskDef{IsLoop: true, Command: "true", CronExpr: "*/5 * * * * *"}))
	require.NoError(t, reg.Add(ctx, "hourly", TaskDef{IsLoop: true, Command: "true", CronExpr: "0 0 * * * *"}))
	require.NoError(t, reg.Add(ctx, "once", TaskDef{Command: "true"}))

	sink := &batchSink{}
	d := NewDispatcher(reg, sink, utcClock(start), discard)

	batch, err := d.Tick(ctx, start.Add(4*time.Second))
	require.NoError(t, err)
	assert.Empty(t, batch)

	now := start.Add(5 * time.Second)
	batch, err = d.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"every5"}, batch)

	got, err := reg.Get(ctx, "every5")
	require.NoError(t, err)
	assert.Equal(t, now.Add(5*time.Second).Unix(), got.NextRunTime)

	// Same second again: already advanced, not due twice.
	batch, err = d.Tick(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.Len(t, sink.snapshot(), 1)
}

func TestDispatcher_SingleInstanceGuard(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(8, utcClock(start))
	every := "* * * * * *"
	require.NoError(t, reg.Add(ctx, "single", TaskDef{IsLoop: true, Command: "true", CronExpr: every, SingleInstance: true}))
	require.NoError(t, reg.Add(ctx, "multi", TaskDef{IsLoop: true, Command: "true", CronExpr: every}))
	require.NoError(t, reg.SetRunning(ctx, "single", true))
	require.NoError(t, reg.SetRunning(ctx, "multi", true))

	d := NewDispatcher(reg, &batchSink{}, utcClock(start), discard)
	now := start.Add(time.Second)
	batch, err := d.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"multi"}, batch)

	// The blocked firing is dropped, not queued.
	got, err := reg.Get(ctx, "single")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Second).Unix(), got.NextRunTime)

	require.NoError(t, reg.SetRunning(ctx, "single", false))
	batch, err = d.Tick(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"single", "multi"}, batch)
}

func TestDispatcher_SkipsDisabledAndCatchesUpMissedTicks(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(8, utcClock(start))
	require.NoError(t, reg.Add(ctx, "off", TaskDef{IsLoop: true, Command: "true", CronExpr: "* * * * * *"}))
	require.NoError(t, reg.Add(ctx, "on", TaskDef{IsLoop: true, Command: "true", CronExpr: "0 * * * * *"}))
	require.NoError(t, reg.SetEnabled(ctx, "off", false))

	d := NewDispatcher(reg, &batchSink{}, utcClock(start), discard)
	// The 00:01:00 tick was missed; the task fires once and moves on.
	late := start.Add(90 * time.Second)
	batch, err := d.Tick(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, []string{"on"}, batch)

	got, err := reg.Get(ctx, "on")
	require.NoError(t, err)
	assert.Equal(t, start.Add(2*time.Minute).Unix(), got.NextRunTime)

	off, err := reg.Get(ctx, "off")
	require.NoError(t, err)
	assert.Equal(t, start.Add(time.Second).Unix(), off.NextRunTime)
}

func TestDispatcher_SinkErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := NewMemoryRegistry(2, utcClock(start))
	require.NoError(t, reg.Add(ctx, "a", TaskDef{IsLoop: true, Command: "true", CronExpr: "* * * * * *"}))

	sinkErr := errors.New("socket closed")
	d := NewDispatcher(reg, &batchSink{err: sinkErr}, utcClock(start), discard)
	_, err := d.Tick(ctx, start.Add(time.Second))
	assert.ErrorIs(t, err, sinkErr)
	assert.ErrorIs(t, d.RunNow(ctx, []string{"a"}), sinkErr)
}

func TestDispatcher_RunNowIgnoresScheduleAndGuard(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(2, utcClock(time.Now()))
	require.NoError(t, reg.Add(ctx, "a", TaskDef{Command: "true", SingleInstance: true}))
	require.NoError(t, reg.SetEnabled(ctx, "a", false))

	sink := &batchSink{}
	d := NewDispatcher(reg, sink, Clock{}, discard)
	require.NoError(t, d.RunNow(ctx, []string{"a"}))
	require.NoError(t, d.RunNow(ctx, nil))
	assert.Equal(t, [][]string{{"a"}}, sink.snapshot())
}

func TestDispatcher_StartTicksAndStops(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(2, Clock{})
	require.NoError(t, reg.Add(ctx, "a", TaskDef{IsLoop: true, Command: "true", CronExpr: "* * * * * *"}))

	sink := &batchSink{}
	d := NewDispatcher(reg, sink, Clock{}, discard)
	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))

	assert.Eventually(t, func() bool { return len(sink.snapshot()) > 0 }, 5*time.Second, 50*time.Millisecond)
	<-d.Stop().Done()
	<-d.Stop().Done()

	// The dispatcher can be restarted, as a reload does.
	require.NoError(t, d.Start(ctx))
	<-d.Stop().Done()
}
