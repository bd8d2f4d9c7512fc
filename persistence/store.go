// Package persistence adapts RuntimeState to the external key-value store
// (spec.md §4.4). The kernel never blocks execution on this package: every
// operation logs and proceeds on failure, and a nil/unreachable store is a
// supported degraded mode.
package persistence

import (
	"context"
	"time"

	"github.com/flowforge/kernel/kernelmodel"
)

// Key layout, exactly as specified in spec.md §4.4/§6.
const (
	stateKeyFmt    = "run:%s:state"
	activeRunsKey  = "sys:active_runs"
	artifactKeyFmt = "run:%s:agent:%s:output"
)

// Terminal-state and artifact TTLs, per spec.md §9 "hard-coded scheduling
// constants" — tunable but not required to be configurable in the MVP.
const (
	TerminalStateTTL = 24 * time.Hour
	ArtifactTTL      = time.Hour // 3600s, per spec.md §9
)

// Store is the persistence seam the kernel depends on. RedisStore is the
// production implementation; tests use a map-backed FakeStore so unit tests
// never require a live Redis.
type Store interface {
	// PersistState serializes state and writes it under its run key,
	// adding or removing the run from the active-runs set based on
	// whether state.Status is terminal. Setting a 24h expiry happens only
	// once the run is terminal.
	PersistState(ctx context.Context, state *kernelmodel.RuntimeState) error

	// LoadState reads and deserializes the state for runID. Returns
	// (nil, false, nil) if the key does not exist.
	LoadState(ctx context.Context, runID kernelmodel.RunID) (*kernelmodel.RuntimeState, bool, error)

	// ActiveRunIDs returns the current contents of the active-runs set.
	ActiveRunIDs(ctx context.Context) ([]kernelmodel.RunID, error)

	// LoadArtifact reads the JSON artifact a node produced, as written by
	// the (external) agent service. Returns (nil, false, nil) if absent.
	LoadArtifact(ctx context.Context, runID kernelmodel.RunID, agentID kernelmodel.NodeID) (map[string]any, bool, error)
}
