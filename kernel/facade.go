// Package kernel implements the runtime facade (spec.md §4.9): the single
// process-wide owner of every per-run state map. All access to the DAG,
// event bus, pattern registry, persistence adapter, and workspace goes
// through a Facade; the scheduler package is the only other code allowed to
// mutate a run's state, and only through the Facade's narrow interface.
package kernel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/eventbus"
	"github.com/flowforge/kernel/inference"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/pattern"
	"github.com/flowforge/kernel/persistence"
	"github.com/flowforge/kernel/scheduler"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

// runEntry holds one run's mutable state. All fields are guarded by mu; the
// scheduler goroutine for this run is the sole writer while it executes
// (spec.md §3 Ownership, §5 Shared-resource policy).
type runEntry struct {
	mu         sync.RWMutex
	cfg        kernelmodel.WorkflowConfig
	graph      *dag.DAG
	state      *kernelmodel.RuntimeState
	signatures map[kernelmodel.NodeID]string
}

// Facade is the runtime facade: constructed once at process start, it owns
// every per-run map and wires components 1-6 together (spec.md §4.9, §9
// "Global mutable state").
type Facade struct {
	mu   sync.RWMutex
	runs map[kernelmodel.RunID]*runEntry

	bus       *eventbus.Bus
	patterns  *pattern.Registry
	store     persistence.Store
	workspace *workspace.Initializer
	infer     *inference.Client
	telemetry telemetry.Bundle

	patternSub eventbus.Subscription
	shutdown   chan struct{}

	activeRuns int64
}

// New constructs a Facade wiring the given components and starts the
// pattern-consumer background task that dispatches pattern-triggered
// interrupts/approvals/spawns; Close stops it.
func New(bus *eventbus.Bus, patterns *pattern.Registry, store persistence.Store, ws *workspace.Initializer, infer *inference.Client, tel telemetry.Bundle) *Facade {
	f := &Facade{
		runs:      make(map[kernelmodel.RunID]*runEntry),
		bus:       bus,
		patterns:  patterns,
		store:     store,
		workspace: ws,
		infer:     infer,
		telemetry: tel,
		shutdown:  make(chan struct{}),
	}
	f.patternSub = bus.Subscribe()
	go f.consumePatternTriggers()
	return f
}

// Close stops the facade's background pattern-consumer task. Per-run
// scheduler goroutines are not joined; they observe run status and exit on
// their own (spec.md §5 Cancellation).
func (f *Facade) Close() {
	close(f.shutdown)
	f.patternSub.Close()
}

func (f *Facade) entry(runID kernelmodel.RunID) (*runEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.runs[runID]
	return e, ok
}

// newRunID generates a fresh run identifier.
func newRunID() kernelmodel.RunID {
	return kernelmodel.RunID(uuid.NewString())
}

// persist is a best-effort write-through: failures are logged and
// swallowed, never surfaced to callers (spec.md §4.4, §7 Transient I/O).
func (f *Facade) persist(ctx context.Context, state *kernelmodel.RuntimeState) {
	if f.store == nil {
		return
	}
	if err := f.store.PersistState(ctx, state); err != nil {
		f.telemetry.Logger.Warn(ctx, "persist state failed", "run_id", string(state.RunID), "error", err.Error())
	}
}

// spawnRunLoop starts a scheduler task for runID and tracks it in the
// active-runs gauge for the lifetime of the goroutine (SPEC_FULL.md §2.1:
// "gauge of active runs").
func (f *Facade) spawnRunLoop(runID kernelmodel.RunID) {
	go func() {
		atomic.AddInt64(&f.activeRuns, 1)
		f.recordActiveRunsGauge()
		defer func() {
			atomic.AddInt64(&f.activeRuns, -1)
			f.recordActiveRunsGauge()
		}()
		scheduler.RunLoop(context.Background(), f.asSchedulerFacade(), f.infer, f.telemetry, runID)
	}()
}

func (f *Facade) recordActiveRunsGauge() {
	if f.telemetry.Metrics == nil {
		return
	}
	f.telemetry.Metrics.RecordGauge("kernel_active_runs", float64(atomic.LoadInt64(&f.activeRuns)))
}

// schedulerFacadeView is the thin adapter satisfying scheduler.Facade; it
// exists separately from Facade so the wide surface of Facade (REST-facing
// operations) stays distinct from the narrow surface the scheduler loop
// depends on.
type schedulerFacadeView struct {
	f *Facade
}

var _ scheduler.Facade = schedulerFacadeView{}

func (f *Facade) asSchedulerFacade() scheduler.Facade {
	return schedulerFacadeView{f: f}
}

func (v schedulerFacadeView) Snapshot(runID kernelmodel.RunID) (scheduler.RunSnapshot, bool) {
	return v.f.Snapshot(runID)
}

func (v schedulerFacadeView) MarkActive(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID) error {
	return v.f.markActive(ctx, runID, nodeID)
}

func (v schedulerFacadeView) RecordSuccess(ctx context.Context, runID kernelmodel.RunID, inv kernelmodel.AgentInvocation, signature string) error {
	return v.f.recordSuccess(ctx, runID, inv, signature)
}

func (v schedulerFacadeView) RecordFailure(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, reason string) error {
	return v.f.FailRun(ctx, runID, nodeID, reason)
}

func (v schedulerFacadeView) CompleteRun(ctx context.Context, runID kernelmodel.RunID) error {
	return v.f.completeRun(ctx, runID)
}

func (v schedulerFacadeView) ApplyDelegation(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, req kernelmodel.DelegationRequest) error {
	return v.f.applyDelegation(ctx, runID, nodeID, req)
}

func (v schedulerFacadeView) Emit(runID kernelmodel.RunID, eventType kernelmodel.EventType, agentID kernelmodel.NodeID, payload any) {
	v.f.emit(runID, eventType, agentID, payload)
}

func (v schedulerFacadeView) RecordInvocationLatency(d time.Duration, nodeID kernelmodel.NodeID, success bool) {
	if v.f.telemetry.Metrics == nil {
		return
	}
	v.f.telemetry.Metrics.RecordTimer("kernel_invocation_latency", d, "node_id", string(nodeID), "success", strconv.FormatBool(success))
}

func (v schedulerFacadeView) ParentArtifact(ctx context.Context, runID kernelmodel.RunID, parentID kernelmodel.NodeID) (map[string]any, bool) {
	return v.f.parentArtifact(ctx, runID, parentID)
}

func (v schedulerFacadeView) SessionOutputDir(runID kernelmodel.RunID) string {
	if v.f.workspace == nil {
		return ""
	}
	return v.f.workspace.SessionOutputDir(runID)
}

func (v schedulerFacadeView) PromoteArtifacts(ctx context.Context, runID kernelmodel.RunID, files []workspace.GeneratedFile) {
	v.f.promoteArtifacts(ctx, runID, files)
}

func (f *Facade) parentArtifact(ctx context.Context, runID kernelmodel.RunID, parentID kernelmodel.NodeID) (map[string]any, bool) {
	if f.store == nil {
		return nil, false
	}
	doc, ok, err := f.store.LoadArtifact(ctx, runID, parentID)
	if err != nil {
		f.telemetry.Logger.Warn(ctx, "load parent artifact failed", "run_id", string(runID), "parent_id", string(parentID), "error", err.Error())
		return nil, false
	}
	return doc, ok
}

func (f *Facade) promoteArtifacts(ctx context.Context, runID kernelmodel.RunID, files []workspace.GeneratedFile) {
	if f.workspace == nil || len(files) == 0 {
		return
	}
	e, ok := f.entry(runID)
	if !ok {
		return
	}
	e.mu.RLock()
	workflowID := e.cfg.ID
	var directive string
	if len(e.cfg.Agents) > 0 {
		directive = e.cfg.Agents[0].UserDirective
	}
	e.mu.RUnlock()
	if err := f.workspace.PromoteArtifacts(ctx, runID, workflowID, directive, files); err != nil {
		f.telemetry.Logger.Warn(ctx, "artifact promotion failed", "run_id", string(runID), "error", err.Error())
	}
}

func (f *Facade) emit(runID kernelmodel.RunID, eventType kernelmodel.EventType, agentID kernelmodel.NodeID, payload any) {
	f.bus.Publish(kernelmodel.RuntimeEvent{
		ID:        uuid.NewString(),
		RunID:     runID,
		EventType: eventType,
		AgentID:   agentID,
		Timestamp: time.Now(),
		Payload:   payload,
	})
	if f.telemetry.Metrics != nil {
		f.telemetry.Metrics.IncCounter("kernel_event_emitted", 1, "event_type", string(eventType))
	}
}

// Bus exposes the process-wide event bus for external subscribers (the
// WebSocket stream handler).
func (f *Facade) Bus() *eventbus.Bus { return f.bus }

var errUnknownRun = fmt.Errorf("kernel: unknown run")
