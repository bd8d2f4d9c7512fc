package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/kernel/kernelmodel"
)

// KernelRestartErrorMessage annotates the synthetic invocation appended to
// any run found mid-flight at boot.
const KernelRestartErrorMessage = "kernel restart: run was in-flight when the process terminated"

// RehydrateOnBoot reads the active-runs set and returns the RuntimeState for
// every run still marked active. Any state whose Status was "running" is
// rewritten to "failed" with a synthetic kernel-restart invocation appended
// and persisted back to the store — crash recovery treats in-flight runs as
// terminated; resuming them is out of scope (spec.md §4.4).
//
// The returned map is ready to seed the runtime facade's per-run state; it
// is the caller's job to decide whether to also rebuild DAG/workflow state
// for rehydrated runs (the MVP does not resume execution, only reports the
// final status).
func RehydrateOnBoot(ctx context.Context, store Store) (map[kernelmodel.RunID]*kernelmodel.RuntimeState, error) {
	ids, err := store.ActiveRunIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[kernelmodel.RunID]*kernelmodel.RuntimeState, len(ids))
	for _, id := range ids {
		state, ok, err := store.LoadState(ctx, id)
		if err != nil || !ok {
			continue
		}
		if state.Status == kernelmodel.StatusRunning {
			state = markCrashed(state)
			_ = store.PersistState(ctx, state) // best-effort; never block boot on this
		}
		out[id] = state
	}
	return out, nil
}

func markCrashed(state *kernelmodel.RuntimeState) *kernelmodel.RuntimeState {
	now := time.Now()
	state.Status = kernelmodel.StatusFailed
	state.EndTime = &now
	state.Invocations = append(state.Invocations, kernelmodel.AgentInvocation{
		ID:           uuid.NewString(),
		Status:       kernelmodel.InvocationFailed,
		Timestamp:    now,
		ErrorMessage: KernelRestartErrorMessage,
	})
	return state
}
