package memorystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/itsneelabh/paperflow/core"
)

// RedisStoreConfig configures the Redis-backed MemoryStore.
type RedisStoreConfig struct {
	KeyPrefix string
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{KeyPrefix: "paperflow:memory"}
}

// RedisStore implements Store over Redis, storing each entry as a JSON
// blob under {prefix}:{key}. DeleteByPrefix and DeleteStale scan the
// keyspace with SCAN rather than maintaining a secondary index, since
// unlike taskstore's time-ordered queries, both operations here are
// already bounded by an explicit key prefix or run as an infrequent
// background sweep.
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
	logger core.Logger
}

func NewRedisStore(client *redis.Client, cfg RedisStoreConfig, logger core.Logger) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "paperflow:memory"
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisStore{client: client, cfg: cfg, logger: logger}
}

func (s *RedisStore) redisKey(key string) string {
	return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, key)
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get memory entry: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, false, fmt.Errorf("failed to deserialize memory entry: %w", err)
	}
	return &e, true, nil
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	now := time.Now()
	e, found, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		e.Data = data
		e.UpdatedAt = now
	} else {
		e = &Entry{Data: data, CreatedAt: now, UpdatedAt: now}
	}
	blob, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to serialize memory entry: %w", err)
	}
	return s.client.Set(ctx, s.redisKey(key), blob, 0).Err()
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	now := time.Now()
	e := &Entry{Data: data, CreatedAt: now, UpdatedAt: now}
	blob, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("failed to serialize memory entry: %w", err)
	}
	set, err := s.client.SetNX(ctx, s.redisKey(key), blob, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to put memory entry: %w", err)
	}
	return set, nil
}

func (s *RedisStore) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.scanKeys(ctx, s.redisKey(prefix)+"*")
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	deleted, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return int(deleted), nil
}

func (s *RedisStore) DeleteStale(ctx context.Context, olderThan time.Duration) (int, error) {
	keys, err := s.scanKeys(ctx, s.redisKey("")+"*")
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, k := range keys {
		data, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			continue
		}
		if e.UpdatedAt.Before(cutoff) {
			if err := s.client.Del(ctx, k).Err(); err == nil {
				n++
			}
		}
	}
	return n, nil
}
