package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/flowforge/kernel/kernelmodel"
)

// baselineTools are always present on every invocation payload regardless
// of the node's configured tool set (spec.md §4.7 step 5).
var baselineTools = []kernelmodel.ToolName{"read_file", "list_files", "write_file"}

// PrepareInvocationPayload assembles the request body for one node's remote
// inference call: parent-signature lookup, parent-artifact merge, dynamic
// file mounts, tool augmentation, graph-view rendering, model alias
// resolution, and thinking budget (spec.md §4.7).
func PrepareInvocationPayload(ctx context.Context, snap RunSnapshot, node kernelmodel.AgentNodeConfig, f Facade) kernelmodel.InvocationPayload {
	signature := findParentSignature(snap, node.ID)

	inputData := make(map[kernelmodel.NodeID]any)
	var appendix strings.Builder
	var fileMounts []string
	seenFiles := make(map[string]bool)

	for _, parentID := range node.DependsOn {
		artifact, ok := f.ParentArtifact(ctx, snap.State.RunID, parentID)
		if !ok {
			continue
		}
		inputData[parentID] = artifact
		if result, ok := artifact["result"].(string); ok && result != "" {
			fmt.Fprintf(&appendix, "\n\n--- output of %s ---\n%s", parentID, result)
		}
		if generated, ok := artifact["files_generated"].([]any); ok {
			for _, g := range generated {
				name, ok := g.(string)
				if !ok || name == "" || seenFiles[name] {
					continue
				}
				seenFiles[name] = true
				fileMounts = append(fileMounts, filepath.Join(f.SessionOutputDir(snap.State.RunID), name))
			}
		}
	}

	prompt := node.Prompt
	if appendix.Len() > 0 {
		prompt += appendix.String()
	}

	var thinkingBudget *int
	if node.Model == kernelmodel.ModelThinking {
		budget := 5
		thinkingBudget = &budget
	}

	return kernelmodel.InvocationPayload{
		RunID:           snap.State.RunID,
		AgentID:         node.ID,
		Model:           resolveModel(node),
		Prompt:          prompt,
		UserDirective:   node.UserDirective,
		InputData:       inputData,
		ParentSignature: signature,
		ThinkingBudget:  thinkingBudget,
		FilePaths:       fileMounts,
		Tools:           augmentTools(node.Tools, len(fileMounts) > 0),
		AllowDelegation: node.AllowDelegation,
		GraphView:       renderGraphView(snap, node),
	}
}

// findParentSignature walks ancestors breadth-first, direct dependencies
// first, and returns the first stored thought signature found so the
// inference service can continue that reasoning chain (spec.md §4.7 step 2).
func findParentSignature(snap RunSnapshot, nodeID kernelmodel.NodeID) string {
	visited := map[kernelmodel.NodeID]bool{nodeID: true}
	queue := append([]kernelmodel.NodeID(nil), snap.Graph.GetDependencies(nodeID)...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if visited[next] {
			continue
		}
		visited[next] = true
		if sig, ok := snap.Signatures[next]; ok && sig != "" {
			return sig
		}
		queue = append(queue, snap.Graph.GetDependencies(next)...)
	}
	return ""
}

// augmentTools applies the deterministic tool-augmentation policy: baseline
// tools are always present; execute_python is added when the node has
// dynamic file mounts, or when write_file is present (spec.md §4.7 step 5).
// Because write_file is itself a baseline tool, execute_python ends up in
// every result.
func augmentTools(configured []kernelmodel.ToolName, hasFileMounts bool) []kernelmodel.ToolName {
	set := make(map[kernelmodel.ToolName]bool, len(configured)+4)
	out := make([]kernelmodel.ToolName, 0, len(configured)+4)
	add := func(t kernelmodel.ToolName) {
		if !set[t] {
			set[t] = true
			out = append(out, t)
		}
	}
	for _, t := range configured {
		add(t)
	}
	for _, t := range baselineTools {
		add(t)
	}
	if hasFileMounts {
		add("execute_python")
	}
	if set["write_file"] {
		add("execute_python")
	}
	return out
}

// resolveModel maps the tagged model variant to the canonical string the
// inference service expects (spec.md §4.7 step 7).
func resolveModel(node kernelmodel.AgentNodeConfig) string {
	if node.Model == kernelmodel.ModelCustom {
		return node.CustomModel
	}
	return string(node.Model)
}

// graphViewNode is the shape sent to delegation-capable nodes, which get
// full topology visibility (spec.md §4.7 step 6).
type graphViewNode struct {
	ID           kernelmodel.NodeID   `json:"id"`
	Status       string               `json:"status"`
	IsYou        bool                 `json:"is_you"`
	Dependencies []kernelmodel.NodeID `json:"dependencies"`
}

// renderGraphView renders the current topology from node's vantage:
// orchestrators (allow_delegation) get a full JSON array; workers get a
// linear progress string (spec.md §4.7 step 6).
func renderGraphView(snap RunSnapshot, node kernelmodel.AgentNodeConfig) string {
	if node.AllowDelegation {
		nodes := snap.Graph.ExportNodes()
		view := make([]graphViewNode, 0, len(nodes))
		for _, id := range nodes {
			view = append(view, graphViewNode{
				ID:           id,
				Status:       nodeStatus(snap, id),
				IsYou:        id == node.ID,
				Dependencies: snap.Graph.GetDependencies(id),
			})
		}
		body, err := json.Marshal(view)
		if err != nil {
			return "[]"
		}
		return string(body)
	}

	order, err := snap.Graph.TopologicalSort()
	if err != nil {
		return ""
	}
	parts := make([]string, 0, len(order))
	for _, id := range order {
		status := strings.ToUpper(nodeStatus(snap, id))
		if id == node.ID {
			status += "(YOU)"
		}
		parts = append(parts, fmt.Sprintf("[%s:%s]", id, status))
	}
	return strings.Join(parts, " -> ")
}

func nodeStatus(snap RunSnapshot, id kernelmodel.NodeID) string {
	switch {
	case snap.State.CompletedAgents[id]:
		return "complete"
	case snap.State.FailedAgents[id]:
		return "failed"
	case snap.State.ActiveAgents[id]:
		return "running"
	default:
		return "pending"
	}
}
