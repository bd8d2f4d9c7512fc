// Package scheduler implements the per-run execution loop (spec.md §4.6),
// payload preparation (§4.7), and graph surgery for dynamic delegation
// (§4.8). It is the highest-budget component of the kernel: one
// independent, cooperatively-yielding task per run, driven entirely through
// the narrow Facade interface so the runtime facade (package kernel)
// remains the sole owner of per-run state (spec.md §3 Ownership).
package scheduler

import (
	"context"
	"time"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/workspace"
)

// Facade is the subset of runtime-facade behavior the scheduler loop
// depends on. The concrete implementation lives in package kernel; defining
// the seam here (rather than importing kernel) keeps the scheduler and
// facade components decoupled and lets tests substitute an in-memory fake.
type Facade interface {
	// Snapshot returns a consistent, copy-on-read view of a run's config,
	// graph, state, and thought signatures, or false if the run is unknown
	// to the facade (e.g. already garbage-collected).
	Snapshot(runID kernelmodel.RunID) (RunSnapshot, bool)

	// MarkActive moves nodeID into the active set and persists. Errors are
	// logged by the caller and do not stop the loop (spec.md §7 transient
	// I/O policy).
	MarkActive(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID) error

	// RecordSuccess appends inv (status success) to the run's invocation
	// log, moves inv.AgentID from active to completed, adds its tokens to
	// the run total, stores signature if non-empty, and persists.
	RecordSuccess(ctx context.Context, runID kernelmodel.RunID, inv kernelmodel.AgentInvocation, signature string) error

	// RecordFailure fails the whole run: status -> failed, end_time set,
	// nodeID (if non-empty) added to the failed set, a failed invocation
	// appended with reason as its error message, and persists.
	RecordFailure(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, reason string) error

	// CompleteRun marks the run completed, sets end_time, and persists.
	CompleteRun(ctx context.Context, runID kernelmodel.RunID) error

	// ApplyDelegation performs graph surgery for a completing node's
	// delegation request on the run's in-memory workflow config and DAG.
	// Neither the workflow config nor the DAG is written to the store.
	ApplyDelegation(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, req kernelmodel.DelegationRequest) error

	// Emit publishes a RuntimeEvent on the process-wide event bus and feeds
	// it to the pattern engine.
	Emit(runID kernelmodel.RunID, eventType kernelmodel.EventType, agentID kernelmodel.NodeID, payload any)

	// ParentArtifact fetches a parent node's stored output artifact, if any.
	ParentArtifact(ctx context.Context, runID kernelmodel.RunID, parentID kernelmodel.NodeID) (map[string]any, bool)

	// SessionOutputDir returns the absolute path agents write generated
	// files into for this run.
	SessionOutputDir(runID kernelmodel.RunID) string

	// PromoteArtifacts promotes generated files to long-term storage.
	// The loop calls it fire-and-forget, on a goroutine of its own, so a
	// slow promotion does not hold up the scheduler.
	PromoteArtifacts(ctx context.Context, runID kernelmodel.RunID, files []workspace.GeneratedFile)

	// RecordInvocationLatency reports how long one remote inference call
	// took, for the invocation-latency histogram (SPEC_FULL.md §2.1).
	RecordInvocationLatency(d time.Duration, nodeID kernelmodel.NodeID, success bool)
}

// RunSnapshot is a read-only, consistent view of one run as of the moment
// Facade.Snapshot was called (copy-on-read semantics, spec.md §5).
type RunSnapshot struct {
	Config     kernelmodel.WorkflowConfig
	Graph      *dag.DAG
	State      *kernelmodel.RuntimeState
	Signatures map[kernelmodel.NodeID]string
}

func findNodeConfig(cfg kernelmodel.WorkflowConfig, id kernelmodel.NodeID) (kernelmodel.AgentNodeConfig, bool) {
	for _, a := range cfg.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return kernelmodel.AgentNodeConfig{}, false
}
