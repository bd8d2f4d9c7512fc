// Package dag implements the in-memory directed graph used to track node
// dependencies within a single run. Mutations are cycle-checked; readers get
// ordinary Go values. Thread safety is external — callers serialize writes
// per run (the scheduler is the sole writer during execution, see
// kernelmodel and scheduler packages).
package dag

import (
	"errors"
	"fmt"

	"github.com/flowforge/kernel/kernelmodel"
)

// Sentinel errors returned by DAG operations. Call sites wrap these with
// fmt.Errorf("%w: ...") to add context.
var (
	ErrUnknownNode   = errors.New("dag: unknown node")
	ErrCycleDetected = errors.New("dag: cycle detected")
	ErrEdgeNotFound  = errors.New("dag: edge not found")
)

// DAG is a set of node ids plus an adjacency mapping (id -> ordered
// successors). Nodes are referenced by id, never by pointer, so the graph
// serializes and mutates without lifetime concerns.
//
// Invariants (see spec.md §3):
//   - The graph is acyclic at all times; AddEdge refuses edges that would
//     close a cycle.
//   - Every edge endpoint is a known node.
type DAG struct {
	nodes map[kernelmodel.NodeID]struct{}
	edges map[kernelmodel.NodeID][]kernelmodel.NodeID
}

// New constructs an empty DAG.
func New() *DAG {
	return &DAG{
		nodes: make(map[kernelmodel.NodeID]struct{}),
		edges: make(map[kernelmodel.NodeID][]kernelmodel.NodeID),
	}
}

// AddNode inserts id if absent. Idempotent.
func (g *DAG) AddNode(id kernelmodel.NodeID) {
	if _, ok := g.nodes[id]; ok {
		return
	}
	g.nodes[id] = struct{}{}
	if g.edges[id] == nil {
		g.edges[id] = nil
	}
}

// HasNode reports whether id has been added.
func (g *DAG) HasNode(id kernelmodel.NodeID) bool {
	_, ok := g.nodes[id]
	return ok
}

// AddEdge adds a directed edge from -> to. It fails with ErrUnknownNode if
// either endpoint is unknown, or with ErrCycleDetected if a path already
// exists from to back to from (a DFS from to over current edges finding
// from would mean adding from->to closes a cycle).
func (g *DAG) AddEdge(from, to kernelmodel.NodeID) error {
	if !g.HasNode(from) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if !g.HasNode(to) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	if g.pathExists(to, from) {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, from, to)
	}
	for _, existing := range g.edges[from] {
		if existing == to {
			return nil // idempotent
		}
	}
	g.edges[from] = append(g.edges[from], to)
	return nil
}

// RemoveEdge removes the directed edge from -> to. Fails with
// ErrEdgeNotFound if the edge is not present.
func (g *DAG) RemoveEdge(from, to kernelmodel.NodeID) error {
	targets := g.edges[from]
	for i, t := range targets {
		if t == to {
			g.edges[from] = append(targets[:i], targets[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrEdgeNotFound, from, to)
}

// pathExists reports whether a directed path from start to target exists,
// via depth-first search over current edges.
func (g *DAG) pathExists(start, target kernelmodel.NodeID) bool {
	if start == target {
		return true
	}
	visited := make(map[kernelmodel.NodeID]bool)
	var visit func(kernelmodel.NodeID) bool
	visit = func(n kernelmodel.NodeID) bool {
		if n == target {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for _, next := range g.edges[n] {
			if visit(next) {
				return true
			}
		}
		return false
	}
	return visit(start)
}

// GetChildren returns the direct successors of id, in insertion order.
func (g *DAG) GetChildren(id kernelmodel.NodeID) []kernelmodel.NodeID {
	out := make([]kernelmodel.NodeID, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// GetDependencies returns the direct predecessors of id. Derived by scanning
// the edge map rather than stored separately, keeping a single source of
// truth for graph structure.
func (g *DAG) GetDependencies(id kernelmodel.NodeID) []kernelmodel.NodeID {
	var deps []kernelmodel.NodeID
	for _, n := range g.sortedNodeIDsForIteration() {
		for _, t := range g.edges[n] {
			if t == id {
				deps = append(deps, n)
				break
			}
		}
	}
	return deps
}

// TopologicalSort runs Kahn's algorithm and returns nodes in dependency
// order. Fails with ErrCycleDetected if the sort is incomplete — only
// possible if the invariants were violated by direct field mutation rather
// than AddEdge/RemoveEdge (defensive; AddEdge itself never allows a cycle).
func (g *DAG) TopologicalSort() ([]kernelmodel.NodeID, error) {
	indegree := make(map[kernelmodel.NodeID]int, len(g.nodes))
	order := g.sortedNodeIDsForIteration()
	for id := range g.nodes {
		indegree[id] = 0
	}
	for _, from := range order {
		for _, to := range g.edges[from] {
			indegree[to]++
		}
	}

	var queue []kernelmodel.NodeID
	for _, id := range order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	result := make([]kernelmodel.NodeID, 0, len(g.nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		result = append(result, n)
		for _, to := range g.edges[n] {
			indegree[to]--
			if indegree[to] == 0 {
				queue = append(queue, to)
			}
		}
	}

	if len(result) != len(g.nodes) {
		return nil, fmt.Errorf("%w: topological sort produced %d of %d nodes", ErrCycleDetected, len(result), len(g.nodes))
	}
	return result, nil
}

// ExportNodes returns a stable-ordered snapshot of all node ids.
func (g *DAG) ExportNodes() []kernelmodel.NodeID {
	return g.sortedNodeIDsForIteration()
}

// ExportEdges returns a snapshot of the adjacency map, keyed by source node.
func (g *DAG) ExportEdges() map[kernelmodel.NodeID][]kernelmodel.NodeID {
	out := make(map[kernelmodel.NodeID][]kernelmodel.NodeID, len(g.edges))
	for k, v := range g.edges {
		cp := make([]kernelmodel.NodeID, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

// sortedNodeIDsForIteration returns node ids in a deterministic order so
// that GetDependencies/TopologicalSort/ExportNodes are reproducible across
// runs (map iteration order in Go is randomized).
func (g *DAG) sortedNodeIDsForIteration() []kernelmodel.NodeID {
	out := make([]kernelmodel.NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		out = append(out, id)
	}
	// Insertion order is not tracked separately; a lexical sort keeps the
	// result deterministic without adding a parallel slice to maintain.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// BuildFromWorkflow constructs a DAG from a WorkflowConfig's declared
// dependencies. It fails with ErrUnknownNode if a depends_on entry
// references an undeclared node, or ErrCycleDetected if the declared graph
// is cyclic.
func BuildFromWorkflow(cfg kernelmodel.WorkflowConfig) (*DAG, error) {
	g := New()
	for _, a := range cfg.Agents {
		g.AddNode(a.ID)
	}
	for _, a := range cfg.Agents {
		for _, dep := range a.DependsOn {
			if !g.HasNode(dep) {
				return nil, fmt.Errorf("%w: %s depends_on unknown node %s", ErrUnknownNode, a.ID, dep)
			}
			if err := g.AddEdge(dep, a.ID); err != nil {
				return nil, err
			}
		}
	}
	if _, err := g.TopologicalSort(); err != nil {
		return nil, err
	}
	return g, nil
}
