package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
)

// CheckpointStore persists PipelineState for diagnostics and UI, mirroring
// TaskStore's persistence-contract shape. Restart/resume is out of scope:
// the checkpoint is read-only history, not a recovery log.
type CheckpointStore interface {
	Save(ctx context.Context, state *PipelineState) error
	Load(ctx context.Context, pipelineID string) (*PipelineState, error)
}

// InMemoryCheckpointStore keeps the latest PipelineState per pipeline in a
// mutex-guarded map.
type InMemoryCheckpointStore struct {
	mu     sync.Mutex
	states map[string]*PipelineState
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{states: make(map[string]*PipelineState)}
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, state *PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.PipelineID] = state.clone()
	return nil
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, pipelineID string) (*PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.states[pipelineID]
	if !ok {
		return nil, fmt.Errorf("pipeline: no checkpoint for pipeline %q", pipelineID)
	}
	return state.clone(), nil
}

// RedisCheckpointStoreConfig configures key namespacing for RedisCheckpointStore.
type RedisCheckpointStoreConfig struct {
	KeyPrefix string
}

// RedisCheckpointStore persists PipelineState as a JSON blob per pipeline,
// the same idiom as taskstore.RedisStore.
type RedisCheckpointStore struct {
	client *redis.Client
	cfg    RedisCheckpointStoreConfig
}

func NewRedisCheckpointStore(client *redis.Client, cfg RedisCheckpointStoreConfig) *RedisCheckpointStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "pipeline:checkpoint:"
	}
	return &RedisCheckpointStore{client: client, cfg: cfg}
}

func (s *RedisCheckpointStore) key(pipelineID string) string {
	return s.cfg.KeyPrefix + pipelineID
}

func (s *RedisCheckpointStore) Save(ctx context.Context, state *PipelineState) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("pipeline: marshal checkpoint: %w", err)
	}
	return s.client.Set(ctx, s.key(state.PipelineID), blob, 0).Err()
}

func (s *RedisCheckpointStore) Load(ctx context.Context, pipelineID string) (*PipelineState, error) {
	blob, err := s.client.Get(ctx, s.key(pipelineID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("pipeline: no checkpoint for pipeline %q", pipelineID)
		}
		return nil, err
	}
	var state PipelineState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("pipeline: unmarshal checkpoint: %w", err)
	}
	return &state, nil
}
