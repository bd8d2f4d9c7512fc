package kernel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/eventbus"
	"github.com/flowforge/kernel/inference"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/pattern"
	"github.com/flowforge/kernel/persistence"
	"github.com/flowforge/kernel/telemetry"
	"github.com/flowforge/kernel/workspace"
)

func newTestFacade(t *testing.T, patterns *pattern.Registry, inferURL string) *Facade {
	t.Helper()
	bus := eventbus.New(0)
	if patterns == nil {
		var err error
		patterns, err = pattern.Load("")
		require.NoError(t, err)
	}
	store := persistence.NewFakeStore()
	ws := workspace.New(t.TempDir(), nil)

	var infer *inference.Client
	if inferURL != "" {
		u, err := url.Parse(inferURL)
		require.NoError(t, err)
		port, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		infer = inference.New(u.Hostname(), port, nil)
	} else {
		infer = inference.New("127.0.0.1", 1, nil)
	}

	f := New(bus, patterns, store, ws, infer, telemetry.Noop())
	t.Cleanup(f.Close)
	return f
}

func waitForStatus(t *testing.T, f *Facade, runID kernelmodel.RunID, want kernelmodel.RunStatus) *kernelmodel.RuntimeState {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, ok := f.GetState(runID)
		require.True(t, ok)
		if state.Status == want {
			return state
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run never reached status %s", want)
	return nil
}

func TestStartWorkflowRejectsCycle(t *testing.T) {
	f := newTestFacade(t, nil, "")
	cfg := kernelmodel.WorkflowConfig{
		ID: "wf1",
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A", DependsOn: []kernelmodel.NodeID{"B"}},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
		},
	}
	_, err := f.StartWorkflow(context.Background(), cfg)
	assert.Error(t, err)
}

func TestStartWorkflowLinearChainCompletes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload kernelmodel.InvocationPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		_ = json.NewEncoder(w).Encode(kernelmodel.InvocationResponse{AgentID: payload.AgentID, Success: true, TokensUsed: 10})
	}))
	defer srv.Close()

	f := newTestFacade(t, nil, srv.URL)
	cfg := kernelmodel.WorkflowConfig{
		ID: "wf1",
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
		},
	}
	runID, err := f.StartWorkflow(context.Background(), cfg)
	require.NoError(t, err)

	final := waitForStatus(t, f, runID, kernelmodel.StatusCompleted)
	assert.Equal(t, 20, final.TotalTokensUsed)

	topo, ok := f.GetTopologySnapshot(runID)
	require.True(t, ok)
	assert.ElementsMatch(t, []kernelmodel.NodeID{"A", "B"}, topo.Nodes)
}

func TestSafetyPatternInterruptsRunOnToolCall(t *testing.T) {
	f := newTestFacade(t, nil, "") // default fallback pattern: ToolCall + "fs_delete" -> interrupt
	cfg := kernelmodel.WorkflowConfig{ID: "wf1", Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}}}

	runID := kernelmodel.RunID("run-safety")
	f.mu.Lock()
	f.runs[runID] = &runEntry{cfg: cfg, graph: mustBuildGraph(t, cfg), state: kernelmodel.NewRuntimeState(runID, cfg.ID), signatures: map[kernelmodel.NodeID]string{}}
	f.mu.Unlock()

	f.emit(runID, kernelmodel.EventToolCall, "A", map[string]any{"tool": "fs_delete", "path": "/etc/passwd"})

	final := waitForStatus(t, f, runID, kernelmodel.StatusFailed)
	require.NotEmpty(t, final.Invocations)
	assert.Equal(t, "prohibited", final.Invocations[len(final.Invocations)-1].ErrorMessage)
}

func TestApprovalPatternPausesRunOnAgentFailed(t *testing.T) {
	dir := t.TempDir()
	patternFile := filepath.Join(dir, "patterns.yaml")
	require.NoError(t, os.WriteFile(patternFile, []byte(`
patterns:
  - id: "pause-on-failure"
    name: "Pause on any agent failure"
    trigger_event: "AgentFailed"
    condition: "*"
    action:
      kind: "request_approval"
      reason: "review failure before continuing"
`), 0o644))
	registry, err := pattern.Load(patternFile)
	require.NoError(t, err)

	f := newTestFacade(t, registry, "")
	cfg := kernelmodel.WorkflowConfig{ID: "wf1", Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}}}
	runID := kernelmodel.RunID("run-approval")
	f.mu.Lock()
	f.runs[runID] = &runEntry{cfg: cfg, graph: mustBuildGraph(t, cfg), state: kernelmodel.NewRuntimeState(runID, cfg.ID), signatures: map[kernelmodel.NodeID]string{}}
	f.mu.Unlock()

	f.emit(runID, kernelmodel.EventAgentFailed, "A", map[string]any{"error": "boom"})

	waitForStatus(t, f, runID, kernelmodel.StatusAwaitingApproval)

	require.NoError(t, f.ResumeRun(context.Background(), runID))
	state, ok := f.GetState(runID)
	require.True(t, ok)
	assert.Equal(t, kernelmodel.StatusRunning, state.Status)
}

func TestResumeRunRejectsNonPausedRun(t *testing.T) {
	f := newTestFacade(t, nil, "")
	cfg := kernelmodel.WorkflowConfig{ID: "wf1", Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}}}
	runID := kernelmodel.RunID("run-x")
	f.mu.Lock()
	f.runs[runID] = &runEntry{cfg: cfg, graph: mustBuildGraph(t, cfg), state: kernelmodel.NewRuntimeState(runID, cfg.ID), signatures: map[kernelmodel.NodeID]string{}}
	f.mu.Unlock()

	err := f.ResumeRun(context.Background(), runID)
	assert.Error(t, err)
}

func TestStopRunFailsImmediately(t *testing.T) {
	f := newTestFacade(t, nil, "")
	cfg := kernelmodel.WorkflowConfig{ID: "wf1", Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}}}
	runID := kernelmodel.RunID("run-stop")
	f.mu.Lock()
	f.runs[runID] = &runEntry{cfg: cfg, graph: mustBuildGraph(t, cfg), state: kernelmodel.NewRuntimeState(runID, cfg.ID), signatures: map[kernelmodel.NodeID]string{}}
	f.mu.Unlock()

	require.NoError(t, f.StopRun(context.Background(), runID))
	state, ok := f.GetState(runID)
	require.True(t, ok)
	assert.Equal(t, kernelmodel.StatusFailed, state.Status)
	assert.Equal(t, "Manual Stop", state.Invocations[len(state.Invocations)-1].ErrorMessage)
}

func TestRehydrateExposesRunsForReadOnlyQueries(t *testing.T) {
	f := newTestFacade(t, nil, "")
	state := kernelmodel.NewRuntimeState("rehydrated-run", "wf1")
	state.Status = kernelmodel.StatusFailed

	f.Rehydrate(map[kernelmodel.RunID]*kernelmodel.RuntimeState{"rehydrated-run": state})

	got, ok := f.GetState("rehydrated-run")
	require.True(t, ok)
	assert.Equal(t, kernelmodel.StatusFailed, got.Status)
}

func mustBuildGraph(t *testing.T, cfg kernelmodel.WorkflowConfig) *dag.DAG {
	t.Helper()
	g, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	return g
}
