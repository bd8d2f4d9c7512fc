package kernel

import (
	"context"
	"encoding/json"

	"github.com/flowforge/kernel/kernelmodel"
	"github.com/flowforge/kernel/pattern"
)

// consumePatternTriggers is the pattern engine's background task: it drains
// the event bus, looks up patterns whose trigger matches the event type,
// evaluates each pattern's condition against the event payload, and
// dispatches the first matching action (spec.md §4.2, §4.3, §8 scenario 5).
func (f *Facade) consumePatternTriggers() {
	for {
		select {
		case <-f.shutdown:
			return
		case event, ok := <-f.patternSub.Events():
			if !ok {
				return
			}
			f.evaluatePatterns(event)
		}
	}
}

func (f *Facade) evaluatePatterns(event kernelmodel.RuntimeEvent) {
	if f.patterns == nil {
		return
	}
	candidates := f.patterns.GetPatternsForTrigger(string(event.EventType))
	if len(candidates) == 0 {
		return
	}
	payloadText := renderPayloadText(event.Payload)
	ctx := context.Background()
	for _, p := range candidates {
		if !pattern.Matches(p, payloadText) {
			continue
		}
		f.dispatchPatternAction(ctx, event, p)
		return // first match wins; MVP does not chain multiple actions per event
	}
}

func (f *Facade) dispatchPatternAction(ctx context.Context, event kernelmodel.RuntimeEvent, p kernelmodel.Pattern) {
	switch p.Action.Kind {
	case kernelmodel.ActionInterrupt:
		f.telemetry.Logger.Warn(ctx, "pattern triggered interrupt", "run_id", string(event.RunID), "pattern_id", p.ID, "reason", p.Action.Reason)
		_ = f.FailRun(ctx, event.RunID, event.AgentID, p.Action.Reason)
		f.emit(event.RunID, kernelmodel.EventSystemIntervention, event.AgentID, map[string]any{"action": "interrupt", "pattern_id": p.ID, "reason": p.Action.Reason})
	case kernelmodel.ActionRequestApproval:
		_ = f.RequestApproval(ctx, event.RunID, event.AgentID, p.Action.Reason)
	case kernelmodel.ActionSpawnAgent:
		if p.Action.SpawnConfig == nil || event.AgentID == "" {
			return
		}
		_ = f.applyDelegation(ctx, event.RunID, event.AgentID, kernelmodel.DelegationRequest{
			Reason:   p.Action.Reason,
			Strategy: kernelmodel.StrategySibling,
			NewNodes: []kernelmodel.AgentNodeConfig{*p.Action.SpawnConfig},
		})
	}
}

// renderPayloadText flattens an event payload to text for substring
// condition matching (spec.md §3 Pattern.condition, §9 open question).
func renderPayloadText(payload any) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload.(string); ok {
		return s
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(body)
}
