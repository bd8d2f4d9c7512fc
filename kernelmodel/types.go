package kernelmodel

import "time"

// AgentRole distinguishes the three node archetypes. Behavior differences
// (e.g. default delegation visibility) are policy checks on the tag rather
// than subtype polymorphism.
type AgentRole string

const (
	RoleOrchestrator AgentRole = "orchestrator"
	RoleWorker       AgentRole = "worker"
	RoleObserver     AgentRole = "observer"
)

// ModelFamily names the built-in model variants. ModelCustom carries an
// arbitrary provider-specific string in AgentNodeConfig.CustomModel.
type ModelFamily string

const (
	ModelFast      ModelFamily = "fast"
	ModelReasoning ModelFamily = "reasoning"
	ModelThinking  ModelFamily = "thinking"
	ModelCustom    ModelFamily = "custom"
)

// Position carries optional 2D coordinates for console rendering. It never
// affects scheduling.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AgentNodeConfig is the static description of one node. It is mutated only
// by graph surgery (scheduler.ApplyDelegation): appending new nodes and
// rewriting dependents' DependsOn.
type AgentNodeConfig struct {
	ID               NodeID      `json:"id"`
	Role             AgentRole   `json:"role"`
	Model            ModelFamily `json:"model"`
	CustomModel      string      `json:"custom_model,omitempty"`
	Prompt           string      `json:"prompt"`
	Tools            []ToolName  `json:"tools"`
	DependsOn        []NodeID    `json:"depends_on"`
	AllowDelegation  bool        `json:"allow_delegation"`
	AcceptsDirective bool        `json:"accepts_directive"`
	UserDirective    string      `json:"user_directive,omitempty"`
	Position         *Position   `json:"position,omitempty"`
}

// WorkflowConfig is the top-level client submission.
type WorkflowConfig struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Agents         []AgentNodeConfig `json:"agents"`
	AttachedFiles  []string          `json:"attached_files,omitempty"`
	MaxTokenBudget int               `json:"max_token_budget,omitempty"`
	TimeoutMS      int               `json:"timeout_ms,omitempty"`
}

// RunStatus is the run-level lifecycle state.
type RunStatus string

const (
	StatusIdle             RunStatus = "idle"
	StatusRunning          RunStatus = "running"
	StatusCompleted        RunStatus = "completed"
	StatusFailed           RunStatus = "failed"
	StatusAwaitingApproval RunStatus = "awaiting_approval"
)

// Terminal reports whether the status will never transition further.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// InvocationStatus is the lifecycle state of a single AgentInvocation.
type InvocationStatus string

const (
	InvocationPending InvocationStatus = "pending"
	InvocationRunning InvocationStatus = "running"
	InvocationSuccess InvocationStatus = "success"
	InvocationFailed  InvocationStatus = "failed"
	InvocationPaused  InvocationStatus = "paused"
)

// AgentInvocation records one execution attempt of one node.
type AgentInvocation struct {
	ID            string           `json:"id"`
	AgentID       NodeID           `json:"agent_id"`
	Model         ModelFamily      `json:"model"`
	TokensUsed    int              `json:"tokens_used"`
	InputTokens   int              `json:"input_tokens"`
	OutputTokens  int              `json:"output_tokens"`
	LatencyMS     int64            `json:"latency_ms"`
	Status        InvocationStatus `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	ArtifactID    string           `json:"artifact_id,omitempty"`
	ErrorMessage  string           `json:"error_message,omitempty"`
}

// RuntimeState is the per-run mutable record owned exclusively by the
// runtime facade. Invariant: Active, Completed, and Failed are pairwise
// disjoint and their combined size never exceeds the node count.
type RuntimeState struct {
	RunID           RunID             `json:"run_id"`
	WorkflowID      string            `json:"workflow_id"`
	Status          RunStatus         `json:"status"`
	ActiveAgents    map[NodeID]bool   `json:"active_agents"`
	CompletedAgents map[NodeID]bool   `json:"completed_agents"`
	FailedAgents    map[NodeID]bool   `json:"failed_agents"`
	Invocations     []AgentInvocation `json:"invocations"`
	TotalTokensUsed int               `json:"total_tokens_used"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         *time.Time        `json:"end_time,omitempty"`
}

// NewRuntimeState constructs an idle-to-running RuntimeState for a freshly
// validated workflow.
func NewRuntimeState(runID RunID, workflowID string) *RuntimeState {
	return &RuntimeState{
		RunID:           runID,
		WorkflowID:      workflowID,
		Status:          StatusRunning,
		ActiveAgents:    map[NodeID]bool{},
		CompletedAgents: map[NodeID]bool{},
		FailedAgents:    map[NodeID]bool{},
		StartTime:       time.Now(),
	}
}

// Clone returns a deep copy suitable for lock-free reads (copy-on-read
// snapshot semantics, see spec.md §5).
func (s *RuntimeState) Clone() *RuntimeState {
	if s == nil {
		return nil
	}
	out := *s
	out.ActiveAgents = cloneSet(s.ActiveAgents)
	out.CompletedAgents = cloneSet(s.CompletedAgents)
	out.FailedAgents = cloneSet(s.FailedAgents)
	out.Invocations = append([]AgentInvocation(nil), s.Invocations...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	return &out
}

func cloneSet(in map[NodeID]bool) map[NodeID]bool {
	out := make(map[NodeID]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// DelegationStrategy names how a delegation's new nodes attach to the live
// graph.
type DelegationStrategy string

const (
	StrategyChild   DelegationStrategy = "child"
	StrategySibling DelegationStrategy = "sibling"
)

// DelegationRequest is a returned instruction from a completing agent asking
// the kernel to splice new nodes into the live graph.
type DelegationRequest struct {
	Reason   string              `json:"reason"`
	Strategy DelegationStrategy  `json:"strategy"`
	NewNodes []AgentNodeConfig   `json:"new_nodes"`
}

// EventType enumerates the runtime events the kernel emits on the event bus.
type EventType string

const (
	EventNodeCreated        EventType = "NodeCreated"
	EventAgentStarted       EventType = "AgentStarted"
	EventAgentCompleted     EventType = "AgentCompleted"
	EventAgentFailed        EventType = "AgentFailed"
	EventToolCall           EventType = "ToolCall"
	EventSystemIntervention EventType = "SystemIntervention"
	EventIntermediateLog    EventType = "IntermediateLog"
)

// RuntimeEvent is a single typed occurrence broadcast on the event bus.
type RuntimeEvent struct {
	ID        string    `json:"id"`
	RunID     RunID     `json:"run_id"`
	EventType EventType `json:"event_type"`
	AgentID   NodeID    `json:"agent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// InvocationPayload is the request body sent to the remote inference
// service's POST /invoke endpoint.
type InvocationPayload struct {
	RunID           RunID          `json:"run_id"`
	AgentID         NodeID         `json:"agent_id"`
	Model           string         `json:"model"`
	Prompt          string         `json:"prompt"`
	UserDirective   string         `json:"user_directive,omitempty"`
	InputData       map[NodeID]any `json:"input_data"`
	ParentSignature string         `json:"parent_signature,omitempty"`
	ThinkingBudget  *int           `json:"thinking_budget,omitempty"`
	FilePaths       []string       `json:"file_paths"`
	Tools           []ToolName     `json:"tools"`
	AllowDelegation bool           `json:"allow_delegation"`
	GraphView       string         `json:"graph_view"`
}

// InvocationResponse is the body returned by the remote inference service.
type InvocationResponse struct {
	AgentID         NodeID             `json:"agent_id"`
	Success         bool               `json:"success"`
	Output          *InvocationOutput  `json:"output,omitempty"`
	Error           string             `json:"error,omitempty"`
	TokensUsed      int                `json:"tokens_used"`
	InputTokens     int                `json:"input_tokens"`
	OutputTokens    int                `json:"output_tokens"`
	CacheHit        bool               `json:"cache_hit"`
	LatencyMS       int64              `json:"latency_ms"`
	ThoughtSignature string            `json:"thought_signature,omitempty"`
	Delegation      *DelegationRequest `json:"delegation,omitempty"`
}

// InvocationOutput is the nested output object of InvocationResponse.
type InvocationOutput struct {
	Result          string   `json:"result,omitempty"`
	ArtifactStored  bool     `json:"artifact_stored,omitempty"`
	FilesGenerated  []string `json:"files_generated,omitempty"`
}

// PatternActionKind discriminates the Pattern.Action tagged variant.
type PatternActionKind string

const (
	ActionInterrupt       PatternActionKind = "interrupt"
	ActionRequestApproval PatternActionKind = "request_approval"
	ActionSpawnAgent      PatternActionKind = "spawn_agent"
)

// PatternAction is a tagged union: exactly one of Reason (for Interrupt /
// RequestApproval) or SpawnConfig (for SpawnAgent) is meaningful, selected
// by Kind.
type PatternAction struct {
	Kind        PatternActionKind `json:"kind" yaml:"kind"`
	Reason      string            `json:"reason,omitempty" yaml:"reason,omitempty"`
	SpawnConfig *AgentNodeConfig  `json:"spawn_config,omitempty" yaml:"spawn_config,omitempty"`
}

// Pattern is an Event-Condition-Action safety/policy rule.
type Pattern struct {
	ID           string        `json:"id" yaml:"id"`
	Name         string        `json:"name" yaml:"name"`
	TriggerEvent string        `json:"trigger_event" yaml:"trigger_event"`
	Condition    string        `json:"condition" yaml:"condition"`
	Action       PatternAction `json:"action" yaml:"action"`
}
