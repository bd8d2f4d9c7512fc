// Package kernelmodel defines the wire and in-memory shapes shared by every
// kernel component: node/workflow configuration, run state, invocations,
// delegation requests, patterns, and events. Types here are pure data; the
// operations that mutate them live in dag, scheduler, and kernel.
package kernelmodel

// NodeID is the strong type for an agent node identifier, unique within a
// single run's workflow.
type NodeID string

// RunID is the strong type for a run identifier, unique across the process.
type RunID string

// ToolName is the strong type for a capability/tool name attached to a node.
type ToolName string
