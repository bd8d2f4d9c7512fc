package persistence

import (
	"context"
	"sync"

	"github.com/flowforge/kernel/kernelmodel"
)

// FakeStore is an in-memory Store used by tests and by callers that run
// without a configured Redis URL. It has the same persist/terminal-set
// semantics as RedisStore without requiring a live connection.
type FakeStore struct {
	mu        sync.Mutex
	states    map[kernelmodel.RunID]*kernelmodel.RuntimeState
	active    map[kernelmodel.RunID]bool
	artifacts map[string]map[string]any
}

// NewFakeStore constructs an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		states:    make(map[kernelmodel.RunID]*kernelmodel.RuntimeState),
		active:    make(map[kernelmodel.RunID]bool),
		artifacts: make(map[string]map[string]any),
	}
}

func (f *FakeStore) PersistState(_ context.Context, state *kernelmodel.RuntimeState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[state.RunID] = state.Clone()
	if state.Status.Terminal() {
		delete(f.active, state.RunID)
	} else {
		f.active[state.RunID] = true
	}
	return nil
}

func (f *FakeStore) LoadState(_ context.Context, runID kernelmodel.RunID) (*kernelmodel.RuntimeState, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[runID]
	if !ok {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (f *FakeStore) ActiveRunIDs(_ context.Context) ([]kernelmodel.RunID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]kernelmodel.RunID, 0, len(f.active))
	for id := range f.active {
		out = append(out, id)
	}
	return out, nil
}

// PutArtifact is a test helper simulating the agent service writing a node's
// output artifact.
func (f *FakeStore) PutArtifact(runID kernelmodel.RunID, agentID kernelmodel.NodeID, doc map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.artifacts[string(runID)+"/"+string(agentID)] = doc
}

func (f *FakeStore) LoadArtifact(_ context.Context, runID kernelmodel.RunID, agentID kernelmodel.NodeID) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.artifacts[string(runID)+"/"+string(agentID)]
	return doc, ok, nil
}
