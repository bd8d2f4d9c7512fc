package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/kernel/kernelmodel"
)

// RedisStore backs Store with a Redis connection. Callers own the
// *redis.Client lifecycle (construct with redis.NewClient, Close when the
// process shuts down), matching the ownership convention the teacher's
// Pulse/registry wiring uses for its Redis clients.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore constructs a RedisStore backed by rdb. Returns an error if
// rdb is nil.
func NewRedisStore(rdb *redis.Client) (*RedisStore, error) {
	if rdb == nil {
		return nil, fmt.Errorf("persistence: redis client is required")
	}
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) PersistState(ctx context.Context, state *kernelmodel.RuntimeState) error {
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("persistence: marshal state: %w", err)
	}
	key := fmt.Sprintf(stateKeyFmt, state.RunID)

	pipe := s.rdb.TxPipeline()
	if state.Status.Terminal() {
		pipe.Set(ctx, key, body, TerminalStateTTL)
		pipe.SRem(ctx, activeRunsKey, string(state.RunID))
	} else {
		pipe.Set(ctx, key, body, 0)
		pipe.SAdd(ctx, activeRunsKey, string(state.RunID))
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("persistence: persist state %s: %w", state.RunID, err)
	}
	return nil
}

func (s *RedisStore) LoadState(ctx context.Context, runID kernelmodel.RunID) (*kernelmodel.RuntimeState, bool, error) {
	key := fmt.Sprintf(stateKeyFmt, runID)
	body, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load state %s: %w", runID, err)
	}
	var state kernelmodel.RuntimeState
	if err := json.Unmarshal(body, &state); err != nil {
		return nil, false, fmt.Errorf("persistence: unmarshal state %s: %w", runID, err)
	}
	return &state, true, nil
}

func (s *RedisStore) ActiveRunIDs(ctx context.Context) ([]kernelmodel.RunID, error) {
	members, err := s.rdb.SMembers(ctx, activeRunsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("persistence: list active runs: %w", err)
	}
	out := make([]kernelmodel.RunID, len(members))
	for i, m := range members {
		out[i] = kernelmodel.RunID(m)
	}
	return out, nil
}

func (s *RedisStore) LoadArtifact(ctx context.Context, runID kernelmodel.RunID, agentID kernelmodel.NodeID) (map[string]any, bool, error) {
	key := fmt.Sprintf(artifactKeyFmt, runID, agentID)
	body, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persistence: load artifact %s/%s: %w", runID, agentID, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false, fmt.Errorf("persistence: unmarshal artifact %s/%s: %w", runID, agentID, err)
	}
	return doc, true, nil
}
