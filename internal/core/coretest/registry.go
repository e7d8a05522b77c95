// Package coretest holds the behavioural contract every core.Registry
// implementation must satisfy.
package coretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcron/internal/core"
	"taskcron/internal/cronspec"
)

// Now is the instant the contract's clock is frozen at.
var Now = time.Date(2024, time.March, 14, 13, 0, 0, 0, time.UTC)

// Factory builds an empty registry with the given capacity and clock.
type Factory func(t *testing.T, capacity int, clock core.Clock) core.Registry

// FixedClock returns a clock frozen at Now in UTC.
func FixedClock() core.Clock {
	return core.Clock{Now: func() time.Time { return Now }, Location: time.UTC}
}

// RunRegistryContract runs the shared registry tests against newRegistry.
func RunRegistryContract(t *testing.T, newRegistry Factory) {
	ctx := context.Background()
	noon := core.TaskDef{IsLoop: true, Command: "echo noon", CronExpr: " 0 0 12 * * ? ", SingleInstance: true}

	t.Run("add then get", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))

		ok, err := r.Exists(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "a", got.ID)
		assert.Equal(t, "echo noon", got.Command)
		assert.True(t, got.IsLoop)
		assert.Equal(t, "0 0 12 * * ?", got.CronExpr)
		assert.Equal(t, cronspec.MustParse("0 0 12 * * ?"), got.Schedule)
		assert.True(t, got.SingleInstance)
		assert.True(t, got.Enabled)
		assert.False(t, got.Running)
		assert.Zero(t, got.RunCount)
		assert.Zero(t, got.LastRunTime)
		assert.Equal(t, time.Date(2024, time.March, 15, 12, 0, 0, 0, time.UTC).Unix(), got.NextRunTime)
	})

	t.Run("one-shot task has no schedule", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "once", core.TaskDef{Command: "true", CronExpr: "ignored"}))
		got, err := r.Get(ctx, "once")
		require.NoError(t, err)
		assert.False(t, got.IsLoop)
		assert.Empty(t, got.CronExpr)
		assert.True(t, got.Schedule.IsZero())
		assert.Zero(t, got.NextRunTime)
	})

	t.Run("duplicate id", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))
		assert.ErrorIs(t, r.Add(ctx, "a", noon), core.ErrAlreadyExists)
	})

	t.Run("invalid expression", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		err := r.Add(ctx, "a", core.TaskDef{IsLoop: true, Command: "true", CronExpr: "* * *"})
		assert.ErrorIs(t, err, cronspec.ErrFormat)
		ok, err := r.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("capacity", func(t *testing.T) {
		r := newRegistry(t, 2, FixedClock())
		assert.Equal(t, 2, r.Capacity())
		require.NoError(t, r.Add(ctx, "a", noon))
		require.NoError(t, r.Add(ctx, "b", noon))
		assert.ErrorIs(t, r.Add(ctx, "c", noon), core.ErrCapacityExceeded)

		require.NoError(t, r.Delete(ctx, "a"))
		assert.NoError(t, r.Add(ctx, "c", noon))
	})

	t.Run("delete", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))
		require.NoError(t, r.Delete(ctx, "a"))

		ok, err := r.Exists(ctx, "a")
		require.NoError(t, err)
		assert.False(t, ok)
		_, err = r.Get(ctx, "a")
		assert.ErrorIs(t, err, core.ErrNotFound)
		assert.ErrorIs(t, r.Delete(ctx, "a"), core.ErrNotFound)
	})

	t.Run("missing rows", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		assert.ErrorIs(t, r.Update(ctx, "x", noon), core.ErrNotFound)
		assert.ErrorIs(t, r.SetRunning(ctx, "x", true), core.ErrNotFound)
		assert.ErrorIs(t, r.SetNextRunTime(ctx, "x", 1), core.ErrNotFound)
		assert.ErrorIs(t, r.RecordResult(ctx, "x", true, 1), core.ErrNotFound)
		assert.ErrorIs(t, r.SetEnabled(ctx, "x", false), core.ErrNotFound)
	})

	t.Run("update keeps runtime state", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))
		require.NoError(t, r.RecordResult(ctx, "a", true, 100))
		require.NoError(t, r.SetEnabled(ctx, "a", false))

		def := core.TaskDef{IsLoop: true, Command: "echo hourly", CronExpr: "0 0 * * * *"}
		require.NoError(t, r.Update(ctx, "a", def))
		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "echo hourly", got.Command)
		assert.False(t, got.SingleInstance)
		assert.False(t, got.Enabled)
		assert.Equal(t, int64(1), got.RunCount)
		assert.Equal(t, int64(100), got.LastRunTime)
		assert.Equal(t, Now.Add(time.Hour).Unix(), got.NextRunTime)

		assert.ErrorIs(t, r.Update(ctx, "a", core.TaskDef{IsLoop: true, CronExpr: "bad"}), cronspec.ErrFormat)
		got, err = r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "echo hourly", got.Command)
	})

	t.Run("list in insertion order", func(t *testing.T) {
		r := newRegistry(t, 8, FixedClock())
		for _, id := range []string{"c", "a", "b", "d"} {
			require.NoError(t, r.Add(ctx, id, noon))
		}
		require.NoError(t, r.Delete(ctx, "a"))
		require.NoError(t, r.Add(ctx, "a", noon))

		tasks, err := r.List(ctx)
		require.NoError(t, err)
		ids := make([]string, len(tasks))
		for i, task := range tasks {
			ids[i] = task.ID
		}
		assert.Equal(t, []string{"c", "b", "d", "a"}, ids)
	})

	t.Run("running tracks overlapping executions", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))

		require.NoError(t, r.SetRunning(ctx, "a", true))
		require.NoError(t, r.SetRunning(ctx, "a", true))
		require.NoError(t, r.SetRunning(ctx, "a", false))
		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		assert.True(t, got.Running)

		require.NoError(t, r.SetRunning(ctx, "a", false))
		require.NoError(t, r.SetRunning(ctx, "a", false))
		got, err = r.Get(ctx, "a")
		require.NoError(t, err)
		assert.False(t, got.Running)
	})

	t.Run("record result", func(t *testing.T) {
		r := newRegistry(t, 4, FixedClock())
		require.NoError(t, r.Add(ctx, "a", noon))
		require.NoError(t, r.RecordResult(ctx, "a", true, 10))
		require.NoError(t, r.RecordResult(ctx, "a", false, 20))
		require.NoError(t, r.RecordResult(ctx, "a", true, 30))
		require.NoError(t, r.SetNextRunTime(ctx, "a", 42))

		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.RunCount)
		assert.Equal(t, int64(2), got.SuccessCount)
		assert.Equal(t, int64(1), got.FailCount)
		assert.Equal(t, int64(30), got.LastRunTime)
		assert.Equal(t, int64(42), got.NextRunTime)
	})

	t.Run("concurrent row mutations do not interleave", func(t *testing.T) {
		r := newRegistry(t, 16, FixedClock())
		for i := 0; i < 4; i++ {
			require.NoError(t, r.Add(ctx, fmt.Sprintf("t%d", i), noon))
		}
		var wg sync.WaitGroup
		errs := make(chan error, 4*25)
		for i := 0; i < 4; i++ {
			id := fmt.Sprintf("t%d", i)
			for j := 0; j < 25; j++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- errors.Join(
						r.SetRunning(ctx, id, true),
						r.RecordResult(ctx, id, j%2 == 0, int64(j)),
						r.SetRunning(ctx, id, false),
					)
				}()
			}
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		for i := 0; i < 4; i++ {
			got, err := r.Get(ctx, fmt.Sprintf("t%d", i))
			require.NoError(t, err)
			assert.Equal(t, int64(25), got.RunCount)
			assert.Equal(t, int64(13), got.SuccessCount)
			assert.Equal(t, int64(12), got.FailCount)
			assert.False(t, got.Running)
		}
	})
}
