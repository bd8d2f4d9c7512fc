package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowforge/kernel/inference"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

// IdlePollInterval is how long the loop sleeps when no node is currently
// dispatchable but at least one is still active, or a ready node's
// dependencies have not all completed yet (spec.md §4.6 steps 2-3, §9 open
// question: tunable but not required to be configurable in the MVP).
const IdlePollInterval = 100 * time.Millisecond

// RunLoop drives a single run to completion or suspension. It is the sole
// writer of that run's state for as long as it executes (spec.md §3
// Ownership). Callers spawn it as an independent goroutine per run; a fresh
// call respawns after a resume (spec.md §4.6, §4.9, §9).
func RunLoop(ctx context.Context, f Facade, infer *inference.Client, tel telemetry.Bundle, runID kernelmodel.RunID) {
	log := tel.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	tracer := tel.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	for {
		if runIteration(ctx, f, infer, tracer, log, runID) {
			return
		}
	}
}

// runIteration drives a single pass of the loop: pick the next ready node
// (or decide the run is idle/done) and dispatch it. It opens one span per
// iteration (SPEC_FULL.md §2.1: "every scheduler iteration... opens a
// span"). The returned bool reports whether the loop should stop.
func runIteration(ctx context.Context, f Facade, infer *inference.Client, tracer telemetry.Tracer, log telemetry.Logger, runID kernelmodel.RunID) bool {
	ctx, span := tracer.Start(ctx, "scheduler.iteration", trace.WithAttributes(attribute.String("run_id", string(runID))))
	defer span.End()

	snap, ok := f.Snapshot(runID)
	if !ok {
		return true
	}

	switch snap.State.Status {
	case kernelmodel.StatusAwaitingApproval, kernelmodel.StatusCompleted, kernelmodel.StatusFailed:
		return true
	}

	order, err := snap.Graph.TopologicalSort()
	if err != nil {
		_ = f.RecordFailure(ctx, runID, "", "topological sort failed: "+err.Error())
		return false
	}

	nodeID, anyActive, ready := pickReadyNode(order, snap)
	if nodeID == "" {
		if anyActive {
			time.Sleep(IdlePollInterval)
			return false
		}
		_ = f.CompleteRun(ctx, runID)
		return true
	}
	if !ready {
		time.Sleep(IdlePollInterval)
		return false
	}

	span.AddEvent("node_selected", "node_id", string(nodeID))

	nodeCfg, found := findNodeConfig(snap.Config, nodeID)
	if !found {
		_ = f.RecordFailure(ctx, runID, nodeID, "node config vanished from workflow")
		return false
	}

	if err := f.MarkActive(ctx, runID, nodeID); err != nil {
		log.Warn(ctx, "mark active failed, proceeding without persistence", "run_id", string(runID), "node_id", string(nodeID), "error", err.Error())
	}
	f.Emit(runID, kernelmodel.EventAgentStarted, nodeID, nil)

	payload := PrepareInvocationPayload(ctx, snap, nodeCfg, f)
	invokeStart := time.Now()
	resp, err := infer.Invoke(ctx, payload)
	f.RecordInvocationLatency(time.Since(invokeStart), nodeID, err == nil)
	if err != nil {
		span.RecordError(err)
		f.Emit(runID, kernelmodel.EventAgentFailed, nodeID, map[string]any{"error": err.Error()})
		_ = f.RecordFailure(ctx, runID, nodeID, err.Error())
		return false
	}

	if resp.Delegation != nil && nodeCfg.AllowDelegation {
		if err := f.ApplyDelegation(ctx, runID, nodeID, *resp.Delegation); err != nil {
			span.RecordError(err)
			f.Emit(runID, kernelmodel.EventAgentFailed, nodeID, map[string]any{"error": err.Error()})
			_ = f.RecordFailure(ctx, runID, nodeID, "graph surgery failed: "+err.Error())
			return false
		}
		finishSuccess(ctx, f, runID, nodeID, nodeCfg, resp, log)
		return false
	}
	if resp.Delegation != nil && !nodeCfg.AllowDelegation {
		log.Info(ctx, "ignoring delegation request: node is not allowed to delegate", "run_id", string(runID), "node_id", string(nodeID))
	}

	if !resp.Success {
		f.Emit(runID, kernelmodel.EventAgentFailed, nodeID, map[string]any{"error": resp.Error})
		_ = f.RecordFailure(ctx, runID, nodeID, resp.Error)
		return false
	}

	finishSuccess(ctx, f, runID, nodeID, nodeCfg, resp, log)
	return false
}

func finishSuccess(ctx context.Context, f Facade, runID kernelmodel.RunID, nodeID kernelmodel.NodeID, nodeCfg kernelmodel.AgentNodeConfig, resp *kernelmodel.InvocationResponse, log telemetry.Logger) {
	inv := kernelmodel.AgentInvocation{
		ID:           uuid.NewString(),
		AgentID:      nodeID,
		Model:        nodeCfg.Model,
		TokensUsed:   resp.TokensUsed,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		LatencyMS:    resp.LatencyMS,
		Status:       kernelmodel.InvocationSuccess,
		Timestamp:    time.Now(),
	}
	if resp.Output != nil && resp.Output.ArtifactStored {
		inv.ArtifactID = string(runID) + "/" + string(nodeID)
	}
	if err := f.RecordSuccess(ctx, runID, inv, resp.ThoughtSignature); err != nil {
		log.Warn(ctx, "record success failed, proceeding without persistence", "run_id", string(runID), "node_id", string(nodeID), "error", err.Error())
	}
	f.Emit(runID, kernelmodel.EventAgentCompleted, nodeID, nil)

	if resp.Output != nil && (resp.Output.ArtifactStored || len(resp.Output.FilesGenerated) > 0) {
		files := make([]workspace.GeneratedFile, 0, len(resp.Output.FilesGenerated))
		for _, name := range resp.Output.FilesGenerated {
			files = append(files, workspace.GeneratedFile{AgentID: nodeID, Name: name})
		}
		go f.PromoteArtifacts(context.Background(), runID, files)
	}
}

// pickReadyNode returns the first node in order that is not yet active,
// completed, or failed, and reports in ready whether all of that node's
// dependencies are completed; later nodes are not considered when the first
// one is not ready. It also reports whether any node is currently active,
// which the loop needs to distinguish "wait" from "the run is done" when no
// node qualifies (spec.md §4.6 steps 2-3).
func pickReadyNode(order []kernelmodel.NodeID, snap RunSnapshot) (nodeID kernelmodel.NodeID, anyActive bool, ready bool) {
	for _, id := range order {
		if snap.State.ActiveAgents[id] {
			anyActive = true
		}
	}
	for _, id := range order {
		if snap.State.CompletedAgents[id] || snap.State.FailedAgents[id] || snap.State.ActiveAgents[id] {
			continue
		}
		deps := snap.Graph.GetDependencies(id)
		allDone := true
		for _, d := range deps {
			if !snap.State.CompletedAgents[d] {
				allDone = false
				break
			}
		}
		return id, anyActive, allDone
	}
	return "", anyActive, false
}
