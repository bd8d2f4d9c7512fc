package persistence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/kernel/kernelmodel"
)

func TestPersistStateIdempotent(t *testing.T) {
	store := NewFakeStore()
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	state.ActiveAgents["a"] = true

	ctx := context.Background()
	require.NoError(t, store.PersistState(ctx, state))
	first, ok, err := store.LoadState(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, store.PersistState(ctx, state))
	second, ok, err := store.LoadState(ctx, "run1")
	require.NoError(t, err)
	require.True(t, ok)

	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	assert.JSONEq(t, string(b1), string(b2))
}

func TestPersistStateTracksActiveSet(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()
	running := kernelmodel.NewRuntimeState("run1", "wf1")
	require.NoError(t, store.PersistState(ctx, running))

	active, err := store.ActiveRunIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, active, kernelmodel.RunID("run1"))

	running.Status = kernelmodel.StatusCompleted
	require.NoError(t, store.PersistState(ctx, running))
	active, err = store.ActiveRunIDs(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, kernelmodel.RunID("run1"))
}

func TestRehydrateOnBootMarksRunningAsFailed(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	state.Status = kernelmodel.StatusRunning
	require.NoError(t, store.PersistState(ctx, state))

	rehydrated, err := RehydrateOnBoot(ctx, store)
	require.NoError(t, err)
	got, ok := rehydrated["run1"]
	require.True(t, ok)
	assert.Equal(t, kernelmodel.StatusFailed, got.Status)
	require.NotEmpty(t, got.Invocations)
	assert.Equal(t, KernelRestartErrorMessage, got.Invocations[len(got.Invocations)-1].ErrorMessage)
	assert.NotNil(t, got.EndTime)
}

func TestRehydrateOnBootLeavesTerminalRunsAlone(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	state.Status = kernelmodel.StatusCompleted
	require.NoError(t, store.PersistState(ctx, state))

	// Completed runs are removed from the active set by PersistState, so
	// RehydrateOnBoot should not see them at all.
	rehydrated, err := RehydrateOnBoot(ctx, store)
	require.NoError(t, err)
	assert.Empty(t, rehydrated)
}
