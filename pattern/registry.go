// Package pattern implements the Event-Condition-Action safety/policy layer
// (spec.md §4.2). Patterns are loaded from a YAML config file at startup; if
// the file is missing, a hard-coded fallback set is registered instead so
// the kernel always has at least baseline guards in place.
package pattern

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowforge/kernel/kernelmodel"
)

// Registry stores patterns keyed by id and answers trigger-event queries.
// Safe for concurrent reads and Reload calls.
type Registry struct {
	mu       sync.RWMutex
	patterns map[string]kernelmodel.Pattern
}

// config is the on-disk shape of the pattern file.
type config struct {
	Patterns []kernelmodel.Pattern `yaml:"patterns"`
}

// fallbackPatterns is registered whenever the configured file is missing.
// It covers the one safety scenario spec.md §8 calls out by name: a
// destructive filesystem tool call interrupts (fails) the run.
func fallbackPatterns() []kernelmodel.Pattern {
	return []kernelmodel.Pattern{
		{
			ID:           "fallback.fs-delete-interrupt",
			Name:         "Interrupt on destructive filesystem tool calls",
			TriggerEvent: string(kernelmodel.EventToolCall),
			Condition:    "fs_delete",
			Action: kernelmodel.PatternAction{
				Kind:   kernelmodel.ActionInterrupt,
				Reason: "prohibited",
			},
		},
	}
}

// Load reads patterns from path. A missing file is not an error: the
// fallback set is registered instead and nil is returned so callers can
// proceed normally.
func Load(path string) (*Registry, error) {
	r := &Registry{patterns: make(map[string]kernelmodel.Pattern)}
	if path == "" {
		r.replace(fallbackPatterns())
		return r, nil
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		r.replace(fallbackPatterns())
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pattern: read %s: %w", path, err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("pattern: parse %s: %w", path, err)
	}
	if len(cfg.Patterns) == 0 {
		r.replace(fallbackPatterns())
		return r, nil
	}
	r.replace(cfg.Patterns)
	return r, nil
}

// ReloadFrom re-reads path and atomically swaps the pattern set. Used by the
// optional fsnotify watcher (see watch.go) and can also be called directly.
func (r *Registry) ReloadFrom(path string) error {
	reloaded, err := Load(path)
	if err != nil {
		return err
	}
	r.replace(reloaded.All())
	return nil
}

func (r *Registry) replace(patterns []kernelmodel.Pattern) {
	m := make(map[string]kernelmodel.Pattern, len(patterns))
	for _, p := range patterns {
		m[p.ID] = p
	}
	r.mu.Lock()
	r.patterns = m
	r.mu.Unlock()
}

// All returns every registered pattern, in no particular order.
func (r *Registry) All() []kernelmodel.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kernelmodel.Pattern, 0, len(r.patterns))
	for _, p := range r.patterns {
		out = append(out, p)
	}
	return out
}

// GetPatternsForTrigger returns every pattern whose TriggerEvent equals, or
// is a substring match against, eventType. This loose match is intentional
// for the MVP (spec.md §9 open question); the "*" wildcard always matches.
func (r *Registry) GetPatternsForTrigger(eventType string) []kernelmodel.Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []kernelmodel.Pattern
	for _, p := range r.patterns {
		if p.TriggerEvent == "*" || p.TriggerEvent == eventType || strings.Contains(eventType, p.TriggerEvent) {
			out = append(out, p)
		}
	}
	return out
}

// Matches evaluates a pattern's condition against an event payload rendered
// as text. "*" matches unconditionally; otherwise the condition must appear
// as a substring of payloadText (spec.md §3 Pattern.condition, §9 open
// question — a JSONPath or expression language is the intended evolution).
func Matches(p kernelmodel.Pattern, payloadText string) bool {
	if p.Condition == "*" || p.Condition == "" {
		return true
	}
	return strings.Contains(payloadText, p.Condition)
}
