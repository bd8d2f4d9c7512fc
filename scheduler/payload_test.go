package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/workspace"
)

type stubFacade struct {
	artifacts map[kernelmodel.NodeID]map[string]any
	outputDir string
}

func (s *stubFacade) Snapshot(kernelmodel.RunID) (RunSnapshot, bool) { return RunSnapshot{}, false }
func (s *stubFacade) MarkActive(context.Context, kernelmodel.RunID, kernelmodel.NodeID) error {
	return nil
}
func (s *stubFacade) RecordSuccess(context.Context, kernelmodel.RunID, kernelmodel.AgentInvocation, string) error {
	return nil
}
func (s *stubFacade) RecordFailure(context.Context, kernelmodel.RunID, kernelmodel.NodeID, string) error {
	return nil
}
func (s *stubFacade) CompleteRun(context.Context, kernelmodel.RunID) error { return nil }
func (s *stubFacade) ApplyDelegation(context.Context, kernelmodel.RunID, kernelmodel.NodeID, kernelmodel.DelegationRequest) error {
	return nil
}
func (s *stubFacade) Emit(kernelmodel.RunID, kernelmodel.EventType, kernelmodel.NodeID, any) {}
func (s *stubFacade) ParentArtifact(_ context.Context, _ kernelmodel.RunID, parentID kernelmodel.NodeID) (map[string]any, bool) {
	a, ok := s.artifacts[parentID]
	return a, ok
}
func (s *stubFacade) SessionOutputDir(kernelmodel.RunID) string { return s.outputDir }
func (s *stubFacade) PromoteArtifacts(context.Context, kernelmodel.RunID, []workspace.GeneratedFile) {
}
func (s *stubFacade) RecordInvocationLatency(time.Duration, kernelmodel.NodeID, bool) {}

func TestAugmentToolsAddsBaselineAndExecutePythonOnFileMounts(t *testing.T) {
	tools := augmentTools([]kernelmodel.ToolName{"search"}, true)
	assert.Contains(t, tools, kernelmodel.ToolName("search"))
	assert.Contains(t, tools, kernelmodel.ToolName("read_file"))
	assert.Contains(t, tools, kernelmodel.ToolName("list_files"))
	assert.Contains(t, tools, kernelmodel.ToolName("write_file"))
	assert.Contains(t, tools, kernelmodel.ToolName("execute_python"))
}

func TestAugmentToolsAddsExecutePythonWhenWriteFileConfigured(t *testing.T) {
	tools := augmentTools([]kernelmodel.ToolName{"write_file"}, false)
	assert.Contains(t, tools, kernelmodel.ToolName("execute_python"))
}

func TestAugmentToolsNoExecutePythonWithoutTriggers(t *testing.T) {
	tools := augmentTools(nil, false)
	assert.NotContains(t, tools, kernelmodel.ToolName("execute_python"))
}

func TestAugmentToolsDeduplicates(t *testing.T) {
	tools := augmentTools([]kernelmodel.ToolName{"read_file", "read_file"}, false)
	count := 0
	for _, tl := range tools {
		if tl == "read_file" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestResolveModelUsesCustomModelForCustomVariant(t *testing.T) {
	assert.Equal(t, "gpt-5-custom", resolveModel(kernelmodel.AgentNodeConfig{Model: kernelmodel.ModelCustom, CustomModel: "gpt-5-custom"}))
	assert.Equal(t, "fast", resolveModel(kernelmodel.AgentNodeConfig{Model: kernelmodel.ModelFast}))
}

func TestRenderGraphViewLinearForWorker(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
		},
	}
	graph, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	state.CompletedAgents["A"] = true
	state.ActiveAgents["B"] = true
	snap := RunSnapshot{Config: cfg, Graph: graph, State: state}

	view := renderGraphView(snap, kernelmodel.AgentNodeConfig{ID: "B"})
	assert.Equal(t, "[A:COMPLETE] -> [B:RUNNING(YOU)]", view)
}

func TestRenderGraphViewJSONForOrchestrator(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		Agents: []kernelmodel.AgentNodeConfig{{ID: "A"}},
	}
	graph, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	snap := RunSnapshot{Config: cfg, Graph: graph, State: state}

	view := renderGraphView(snap, kernelmodel.AgentNodeConfig{ID: "A", AllowDelegation: true})
	assert.Contains(t, view, `"id":"A"`)
	assert.Contains(t, view, `"is_you":true`)
}

func TestFindParentSignatureWalksAncestors(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}},
			{ID: "C", DependsOn: []kernelmodel.NodeID{"B"}},
		},
	}
	graph, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	snap := RunSnapshot{Config: cfg, Graph: graph, State: state, Signatures: map[kernelmodel.NodeID]string{"A": "sig-a"}}

	assert.Equal(t, "sig-a", findParentSignature(snap, "C"))
}

func TestPrepareInvocationPayloadMergesParentArtifactsAndFileMounts(t *testing.T) {
	cfg := kernelmodel.WorkflowConfig{
		Agents: []kernelmodel.AgentNodeConfig{
			{ID: "A"},
			{ID: "B", DependsOn: []kernelmodel.NodeID{"A"}, Prompt: "do work"},
		},
	}
	graph, err := dag.BuildFromWorkflow(cfg)
	require.NoError(t, err)
	state := kernelmodel.NewRuntimeState("run1", "wf1")
	state.CompletedAgents["A"] = true
	snap := RunSnapshot{Config: cfg, Graph: graph, State: state}

	f := &stubFacade{
		artifacts: map[kernelmodel.NodeID]map[string]any{
			"A": {"result": "hello from A", "files_generated": []any{"chart.png"}},
		},
		outputDir: "/storage/sessions/run1/output",
	}

	node, _ := findNodeConfig(cfg, "B")
	payload := PrepareInvocationPayload(context.Background(), snap, node, f)

	assert.Contains(t, payload.Prompt, "hello from A")
	require.Len(t, payload.FilePaths, 1)
	assert.Equal(t, "/storage/sessions/run1/output/chart.png", payload.FilePaths[0])
	assert.Contains(t, payload.Tools, kernelmodel.ToolName("execute_python"))
	assert.Equal(t, map[kernelmodel.NodeID]any{"A": f.artifacts["A"]}, payload.InputData)
}
