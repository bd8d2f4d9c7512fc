package scheduler

import (
	"fmt"

	"github.com/flowforge/kernel/dag"
	"github.com/flowforge/kernel/kernelmodel"
)

// ApplyDelegation splices a completing node's new nodes into the live
// workflow config and DAG (spec.md §4.8). It mutates cfg and graph in
// place; rollback of a partial mutation on error is out of scope (spec.md
// §4.8: well-formed delegations do not create cycles, since new nodes have
// no incoming edges except from the delegating node).
func ApplyDelegation(cfg *kernelmodel.WorkflowConfig, graph *dag.DAG, node kernelmodel.NodeID, req kernelmodel.DelegationRequest) error {
	if len(req.NewNodes) == 0 {
		return fmt.Errorf("scheduler: delegation from %s carries zero new nodes", node)
	}

	dependents := graph.GetChildren(node) // D: direct successors of P, snapshotted before mutation

	cfg.Agents = append(cfg.Agents, req.NewNodes...)
	if req.Strategy == kernelmodel.StrategyChild {
		rewriteDependents(cfg, node, dependentSet(dependents), req.NewNodes)
	}

	for _, n := range req.NewNodes {
		graph.AddNode(n.ID)
		if err := graph.AddEdge(node, n.ID); err != nil {
			return fmt.Errorf("scheduler: graph surgery add edge %s->%s: %w", node, n.ID, err)
		}
	}

	if req.Strategy == kernelmodel.StrategyChild {
		for _, n := range req.NewNodes {
			for _, d := range dependents {
				if err := graph.AddEdge(n.ID, d); err != nil {
					return fmt.Errorf("scheduler: graph surgery add edge %s->%s: %w", n.ID, d, err)
				}
			}
		}
		for _, d := range dependents {
			if err := graph.RemoveEdge(node, d); err != nil {
				return fmt.Errorf("scheduler: graph surgery remove edge %s->%s: %w", node, d, err)
			}
		}
	}
	// Strategy sibling: P -> D stays intact; the new nodes run in parallel
	// with D, depending only on P.

	if _, err := graph.TopologicalSort(); err != nil {
		return fmt.Errorf("scheduler: delegation from %s produced a cyclic graph: %w", node, err)
	}
	return nil
}

func dependentSet(ids []kernelmodel.NodeID) map[kernelmodel.NodeID]bool {
	set := make(map[kernelmodel.NodeID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// rewriteDependents rewrites each dependent-in-D agent's DependsOn: remove
// the delegating parent, add every new node id (spec.md §4.8 step 2,
// strategy child only).
func rewriteDependents(cfg *kernelmodel.WorkflowConfig, parent kernelmodel.NodeID, dependents map[kernelmodel.NodeID]bool, newNodes []kernelmodel.AgentNodeConfig) {
	newIDs := make([]kernelmodel.NodeID, len(newNodes))
	for i, n := range newNodes {
		newIDs[i] = n.ID
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if !dependents[a.ID] {
			continue
		}
		filtered := make([]kernelmodel.NodeID, 0, len(a.DependsOn)+len(newIDs))
		for _, dep := range a.DependsOn {
			if dep != parent {
				filtered = append(filtered, dep)
			}
		}
		filtered = append(filtered, newIDs...)
		a.DependsOn = filtered
	}
}
