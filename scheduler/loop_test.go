package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/inference"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

// memFacade is a minimal, thread-safe Facade used to drive RunLoop in tests
// without the full runtime facade package.
type memFacade struct {
	mu         sync.Mutex
	cfg        kernelmodel.WorkflowConfig
	graph      *dag.DAG
	state      *kernelmodel.RuntimeState
	signatures map[kernelmodel.NodeID]string
	events     []kernelmodel.RuntimeEvent
}

func newMemFacade(t *testing.T, cfg kernelmodel.WorkflowConfig) *memFacade {
	t.Helper()
	graph, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	return &memFacade{
		cfg:        cfg,
		graph:      graph,
		state:      kernelmodel.NewRuntimeState("run1", cfg.ID),
		signatures: map[kernelmodel.NodeID]string{},
	}
}

func (f *memFacade) Snapshot(kernelmodel.RunID) (RunSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return RunSnapshot{
		Config:     f.cfg,
		Graph:      f.graph,
		State:      f.state.Clone(),
		Signatures: f.signatures,
	}, true
}

func (f *memFacade) MarkActive(_ context.Context, _ kernelmodel.RunID, nodeID kernelmodel.NodeID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.ActiveAgents[nodeID] = true
	return nil
}

func (f *memFacade) RecordSuccess(_ context.Context, _ kernelmodel.RunID, inv kernelmodel.AgentInvocation, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state.ActiveAgents, inv.AgentID)
	f.state.CompletedAgents[inv.AgentID] = true
	f.state.Invocations = append(f.state.Invocations, inv)
	f.state.TotalTokensUsed += inv.TokensUsed
	if signature != "" {
		f.signatures[inv.AgentID] = signature
	}
	return nil
}

func (f *memFacade) RecordFailure(_ context.Context, _ kernelmodel.RunID, nodeID kernelmodel.NodeID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.state.Status = kernelmodel.StatusFailed
	f.state.EndTime = &now
	if nodeID != "" {
		delete(f.state.ActiveAgents, nodeID)
		f.state.FailedAgents[nodeID] = true
	}
	f.state.Invocations = append(f.state.Invocations, kernelmodel.AgentInvocation{
		AgentID:      nodeID,
		Status:       kernelmodel.InvocationFailed,
		Timestamp:    now,
		ErrorMessage: reason,
	})
	return nil
}

func (f *memFacade) CompleteRun(_ context.Context, _ kernelmodel.RunID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	f.state.Status = kernelmodel.StatusCompleted
	f.state.EndTime = &now
	return nil
}

func (f *memFacade) ApplyDelegation(_ context.Context, _ kernelmodel.RunID, nodeID kernelmodel.NodeID, req kernelmodel.DelegationRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return ApplyDelegation(&f.cfg, f.graph, nodeID, req)
}

func (f *memFacade) Emit(_ kernelmodel.RunID, eventType kernelmodel.EventType, agentID kernelmodel.NodeID, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, kernelmodel.RuntimeEvent{EventType: eventType, AgentID: agentID, Payload: payload})
}

func (f *memFacade) ParentArtifact(context.Context, kernelmodel.RunID, kernelmodel.NodeID) (map[string]any, bool) {
	return nil, false
}

func (f *memFacade) SessionOutputDir(kernelmodel.RunID) string { return "/storage/sessions/run1/output" }

func (f *memFacade) PromoteArtifacts(context.Context, kernelmodel.RunID, []workspace.GeneratedFile) {}

func (f *memFacade) RecordInvocationLatency(time.Duration, kernelmodel.NodeID, bool) {}

func (f *memFacade) snapshotState() *kernelmodel.RuntimeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Clone()
}

func newAlwaysSuccessServer(t *testing.T, tokensPerNode int) (*inference.Client, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload kernelmodel.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		_ = json.NewEncoder(w).Encode(kernelmodel.InvocationResponse{
			AgentID:    payload.AgentID,
			Success:    true,
			TokensUsed: tokensPerNode,
			Output:     &kernelmodel.InvocationOutput{Result: "ok"},
		})
	}))
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return inference.New(u.Hostname(), port, nil), srv.Close
}

func waitForTerminal(t *testing.T, f *memFacade) *kernelmodel.RuntimeState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		s := f.snapshotState()
		if s.Status.Terminal() {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run did not reach a terminal status in time")
	return nil
}

func TestRunLoopLinearChainCompletesInOrder(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		ID: "wf1",
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
			{ID: "C", DependsOn: []kernelmodel.NodeID{"B"}},
		},
	}
	f := newMemFacade(t, cfg)
	client, closeSrv := newAlwaysSuccessServer(t, 10)
	defer closeSrv()

	RunLoop(context.Background(), f, client, telemetry.Noop(), "run1")

	final := waitForTerminal(t, f)
	assert.Equal(t, kernelmodel.StatusCompleted, final.Status)
	assert.True(t, final.CompletedAgents["A"] && final.CompletedAgents["B"] && final.CompletedAgents["C"])
	assert.Equal(t, 30, final.TotalTokensUsed)
}

func TestRunLoopDiamondWaitsForBothParents(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		ID: "wf1",
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
			{ID: "C", DependsOn: []kernelmodel.NodeID{"A"}},
			{ID: "D", DependsOn: []kernelmodel.NodeID{"B", "C"}},
		},
	}
	f := newMemFacade(t, cfg)
	client, closeSrv := newAlwaysSuccessServer(t, 10)
	defer closeSrv()

	RunLoop(context.Background(), f, client, telemetry.Noop(), "run1")

	final := waitForTerminal(t, f)
	assert.Equal(t, kernelmodel.StatusCompleted, final.Status)
	for _, id := range []kernelmodel.NodeID{"A", "B", "C", "D"} {
		assert.True(t, final.CompletedAgents[id], "expected %s completed", id)
	}
}

func TestRunLoopEmptyWorkflowCompletesImmediately(t *testing.T) {
	f := newMemFacade(t, kernelmodel.WorkflowConfig{ID: "wf1"})
	client, closeSrv := newAlwaysSuccessServer(t, 10)
	defer closeSrv()

	RunLoop(context.Background(), f, client, telemetry.Noop(), "run1")

	final := waitForTerminal(t, f)
	assert.Equal(t, kernelmodel.StatusCompleted, final.Status)
}

func TestRunLoopNetworkErrorFailsRun(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		ID:     "wf1",
		Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}},
	}
	f := newMemFacade(t, cfg)
	// An inference client pointed at a closed port: every Invoke call errors.
	client := inference.New("127.0.0.1", 1, nil)

	RunLoop(context.Background(), f, client, telemetry.Noop(), "run1")

	final := waitForTerminal(t, f)
	assert.Equal(t, kernelmodel.StatusFailed, final.Status)
	assert.True(t, final.FailedAgents["A"])
}

func TestRunLoopDelegationChildInsertsNodeBeforeDependent(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		ID: "wf1",
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "P", AllowDelegation: true},
			{ID: "Q", DependsOn: []kernelmodel.NodeID{"P"}},
		},
	}
	f := newMemFacade(t, cfg)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload kernelmodel.InvocationPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		resp := kernelmodel.InvocationResponse{AgentID: payload.AgentID, Success: true, Output: &kernelmodel.InvocationOutput{Result: "ok"}}
		if payload.AgentID == "P" {
			resp.Delegation = &kernelmodel.DelegationRequest{
				Strategy: kernelmodel.StrategyChild,
				NewNodes: []kernelmodel.AgentNodeConfig{{ID: "X"}},
			}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	client := inference.New(u.Hostname(), port, nil)

	RunLoop(context.Background(), f, client, telemetry.Noop(), "run1")

	final := waitForTerminal(t, f)
	assert.Equal(t, kernelmodel.StatusCompleted, final.Status)
	for _, id := range []kernelmodel.NodeID{"P", "X", "Q"} {
		assert.True(t, final.CompletedAgents[id], "expected %s completed", id)
	}
	assert.ElementsMatch(t, []kernelmodel.NodeID{"X"}, f.graph.GetChildren("P"))
}
