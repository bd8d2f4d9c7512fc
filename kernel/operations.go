package kernel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/scheduler"
)

// StartWorkflow validates cfg (building its DAG and running a topological
// sort up front to catch cycles synchronously), initializes the run's
// workspace, creates a running RuntimeState, persists it, and spawns a
// scheduler task. Returns the new run id (spec.md §4.9).
func (f *Facade) StartWorkflow(ctx context.Context, cfg kernelmodel.WorkflowConfig) (kernelmodel.RunID, error) {
	graph, err := dag.BuildFromWorkflow(cfg)
	if err != nil {
		return "", fmt.Errorf("kernel: invalid workflow: %w", err)
	}

	runID := newRunID()
	if f.workspace != nil {
		if err := f.workspace.PrepareRun(ctx, runID, cfg.AttachedFiles); err != nil {
			return "", fmt.Errorf("kernel: prepare workspace: %w", err)
		}
	}

	state := kernelmodel.NewRuntimeState(runID, cfg.ID)
	entry := &runEntry{cfg: cfg, graph: graph, state: state, signatures: map[kernelmodel.NodeID]string{}}

	f.mu.Lock()
	f.runs[runID] = entry
	f.mu.Unlock()

	f.persist(ctx, state)
	f.telemetry.Logger.Info(ctx, "workflow started", "run_id", string(runID), "workflow_id", cfg.ID, "agent_count", len(cfg.Agents))
	if f.telemetry.Metrics != nil {
		f.telemetry.Metrics.IncCounter("kernel_runs_started", 1)
	}

	f.spawnRunLoop(runID)
	return runID, nil
}

// RequestApproval pauses a run for human review: status -> awaiting_approval,
// emits SystemIntervention, persists. The scheduler loop observes this on
// its next iteration and exits (spec.md §4.9).
func (f *Facade) RequestApproval(ctx context.Context, runID kernelmodel.RunID, agentID kernelmodel.NodeID, reason string) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	e.state.Status = kernelmodel.StatusAwaitingApproval
	snapshot := e.state.Clone()
	e.mu.Unlock()

	f.persist(ctx, snapshot)
	f.emit(runID, kernelmodel.EventSystemIntervention, agentID, map[string]any{"action": "request_approval", "reason": reason})
	return nil
}

// ResumeRun flips a paused run back to running and respawns a fresh
// scheduler task. Rejects runs that are not currently awaiting_approval
// (spec.md §4.9, §8 scenario 6).
func (f *Facade) ResumeRun(ctx context.Context, runID kernelmodel.RunID) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	if e.state.Status != kernelmodel.StatusAwaitingApproval {
		e.mu.Unlock()
		return fmt.Errorf("kernel: run %s is not awaiting approval", runID)
	}
	e.state.Status = kernelmodel.StatusRunning
	snapshot := e.state.Clone()
	e.mu.Unlock()

	f.persist(ctx, snapshot)
	f.emit(runID, kernelmodel.EventSystemIntervention, "", map[string]any{"action": "resume"})
	f.spawnRunLoop(runID)
	return nil
}

// StopRun fails the run immediately with a fixed "Manual Stop" reason
// (spec.md §4.9).
func (f *Facade) StopRun(ctx context.Context, runID kernelmodel.RunID) error {
	return f.FailRun(ctx, runID, "", "Manual Stop")
}

// FailRun sets status failed, sets end_time, adds nodeID (if non-empty) to
// the failed set, appends a failed invocation carrying reason, and
// persists (spec.md §4.9).
func (f *Facade) FailRun(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, reason string) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	now := time.Now()
	e.state.Status = kernelmodel.StatusFailed
	e.state.EndTime = &now
	if nodeID != "" {
		delete(e.state.ActiveAgents, nodeID)
		e.state.FailedAgents[nodeID] = true
	}
	e.state.Invocations = append(e.state.Invocations, kernelmodel.AgentInvocation{
		ID:           uuid.NewString(),
		AgentID:      nodeID,
		Status:       kernelmodel.InvocationFailed,
		Timestamp:    now,
		ErrorMessage: reason,
	})
	snapshot := e.state.Clone()
	e.mu.Unlock()

	f.persist(ctx, snapshot)
	if f.telemetry.Metrics != nil {
		f.telemetry.Metrics.IncCounter("kernel_runs_failed", 1)
	}
	return nil
}

func (f *Facade) completeRun(ctx context.Context, runID kernelmodel.RunID) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	now := time.Now()
	e.state.Status = kernelmodel.StatusCompleted
	e.state.EndTime = &now
	snapshot := e.state.Clone()
	e.mu.Unlock()

	f.persist(ctx, snapshot)
	if f.telemetry.Metrics != nil {
		f.telemetry.Metrics.IncCounter("kernel_runs_completed", 1)
	}
	return nil
}

func (f *Facade) markActive(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	e.state.ActiveAgents[nodeID] = true
	snapshot := e.state.Clone()
	e.mu.Unlock()
	f.persist(ctx, snapshot)
	return nil
}

func (f *Facade) recordSuccess(ctx context.Context, runID kernelmodel.RunID, inv kernelmodel.AgentInvocation, signature string) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	delete(e.state.ActiveAgents, inv.AgentID)
	e.state.CompletedAgents[inv.AgentID] = true
	e.state.Invocations = append(e.state.Invocations, inv)
	e.state.TotalTokensUsed += inv.TokensUsed
	if signature != "" {
		e.signatures[inv.AgentID] = signature
	}
	snapshot := e.state.Clone()
	e.mu.Unlock()
	f.persist(ctx, snapshot)
	if f.telemetry.Metrics != nil {
		f.telemetry.Metrics.IncCounter("kernel_nodes_completed", 1)
	}
	return nil
}

func (f *Facade) applyDelegation(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, req kernelmodel.DelegationRequest) error {
	e, ok := f.entry(runID)
	if !ok {
		return errUnknownRun
	}
	e.mu.Lock()
	err := scheduler.ApplyDelegation(&e.cfg, e.graph, nodeID, req)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	for _, n := range req.NewNodes {
		f.emit(runID, kernelmodel.EventNodeCreated, n.ID, map[string]any{"parent": string(nodeID), "strategy": string(req.Strategy)})
	}
	return nil
}

// Artifact returns the node-output document a node persisted to the store,
// for GET /runtime/{run_id}/artifact/{agent_id} (spec.md §6).
func (f *Facade) Artifact(ctx context.Context, runID kernelmodel.RunID, nodeID kernelmodel.NodeID) (map[string]any, bool) {
	return f.parentArtifact(ctx, runID, nodeID)
}

// Snapshot returns a consistent, copy-on-read view of a run, satisfying
// scheduler.Facade.Snapshot and also used directly by REST handlers.
func (f *Facade) Snapshot(runID kernelmodel.RunID) (scheduler.RunSnapshot, bool) {
	e, ok := f.entry(runID)
	if !ok {
		return scheduler.RunSnapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	sigs := make(map[kernelmodel.NodeID]string, len(e.signatures))
	for k, v := range e.signatures {
		sigs[k] = v
	}
	cfg := e.cfg
	cfg.Agents = append([]kernelmodel.AgentNodeConfig(nil), e.cfg.Agents...)
	graph := dag.New()
	nodes := e.graph.ExportNodes()
	edges := e.graph.ExportEdges()
	for _, id := range nodes {
		graph.AddNode(id)
	}
	for _, from := range nodes {
		for _, to := range edges[from] {
			_ = graph.AddEdge(from, to)
		}
	}
	return scheduler.RunSnapshot{
		Config:     cfg,
		Graph:      graph,
		State:      e.state.Clone(),
		Signatures: sigs,
	}, true
}

// GetState returns a copy-on-read RuntimeState snapshot for REST/WebSocket
// consumers (spec.md §4.9, §5).
func (f *Facade) GetState(runID kernelmodel.RunID) (*kernelmodel.RuntimeState, bool) {
	snap, ok := f.Snapshot(runID)
	if !ok {
		return nil, false
	}
	return snap.State, true
}

// TopologySnapshot is the exported shape of a run's DAG for observers.
type TopologySnapshot struct {
	Nodes []kernelmodel.NodeID                     `json:"nodes"`
	Edges map[kernelmodel.NodeID][]kernelmodel.NodeID `json:"edges"`
}

// GetTopologySnapshot returns the current node/edge sets for a run.
func (f *Facade) GetTopologySnapshot(runID kernelmodel.RunID) (TopologySnapshot, bool) {
	e, ok := f.entry(runID)
	if !ok {
		return TopologySnapshot{}, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return TopologySnapshot{Nodes: e.graph.ExportNodes(), Edges: e.graph.ExportEdges()}, true
}

// GetAllSignatures returns a copy of the run's thought-signature store.
func (f *Facade) GetAllSignatures(runID kernelmodel.RunID) (map[kernelmodel.NodeID]string, bool) {
	e, ok := f.entry(runID)
	if !ok {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[kernelmodel.NodeID]string, len(e.signatures))
	for k, v := range e.signatures {
		out[k] = v
	}
	return out, true
}

// Rehydrate seeds the facade's in-memory run set from a boot-time
// rehydration pass (spec.md §4.4, §8 property 8). Rehydrated runs are
// exposed for read-only queries only; the MVP does not resume their
// execution (spec.md §4.6 design notes).
func (f *Facade) Rehydrate(states map[kernelmodel.RunID]*kernelmodel.RuntimeState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for runID, state := range states {
		f.runs[runID] = &runEntry{
			cfg:        kernelmodel.WorkflowConfig{ID: state.WorkflowID},
			graph:      dag.New(),
			state:      state,
			signatures: map[kernelmodel.NodeID]string{},
		}
	}
}
