package core_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskcron/internal/core"
	"taskcron/internal/core/coretest"
)

func TestMemoryRegistry_Contract(t *testing.T) {
	coretest.RunRegistryContract(t, func(t *testing.T, capacity int, clock core.Clock) core.Registry {
		return core.NewMemoryRegistry(capacity, clock)
	})
}

func TestMemoryRegistry_ChurnKeepsLookupsWorking(t *testing.T) {
	ctx := context.Background()
	r := core.NewMemoryRegistry(8, coretest.FixedClock())
	def := core.TaskDef{Command: "true"}

	// Repeated add/delete leaves tombstones in every slot; lookups and
	// inserts must still probe past them.
	for round := 0; round < 50; round++ {
		for i := 0; i < 8; i++ {
			require.NoError(t, r.Add(ctx, fmt.Sprintf("r%d-%d", round, i), def))
		}
		for i := 0; i < 8; i++ {
			id := fmt.Sprintf("r%d-%d", round, i)
			ok, err := r.Exists(ctx, id)
			require.NoError(t, err)
			require.True(t, ok, id)
			require.NoError(t, r.Delete(ctx, id))
		}
	}
	tasks, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	ok, err := r.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRegistry_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r := core.NewMemoryRegistry(2, coretest.FixedClock())
	require.NoError(t, r.Add(ctx, "a", core.TaskDef{Command: "true"}))

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	got.Command = "changed"

	again, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "true", again.Command)
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	r := core.NewMemoryRegistry(5, coretest.FixedClock())
	require.NoError(t, r.Add(ctx, "a", core.TaskDef{Command: "true"}))
	require.NoError(t, r.Add(ctx, "b", core.TaskDef{Command: "true"}))
	require.NoError(t, r.Add(ctx, "c", core.TaskDef{Command: "true"}))
	require.NoError(t, r.SetRunning(ctx, "a", true))
	require.NoError(t, r.SetEnabled(ctx, "c", false))

	st, err := core.Summarize(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, core.Status{Total: 3, Running: 1, Wait: 2, Enabled: 2, Capacity: 5}, st)
}
