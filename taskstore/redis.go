package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/itsneelabh/paperflow/core"
)

// RedisStoreConfig configures the Redis-backed task store.
type RedisStoreConfig struct {
	KeyPrefix string
	TTL       time.Duration
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{KeyPrefix: "paperflow:tasks", TTL: 24 * time.Hour}
}

// RedisStore implements Store using a JSON blob per task key, plus two
// sorted-set indexes (by startedAt for running tasks, by completedAt for
// terminal ones) so findTimedOut and deleteCompletedOlderThan don't need a
// full keyspace scan.
type RedisStore struct {
	client *redis.Client
	cfg    RedisStoreConfig
	logger core.Logger
}

func NewRedisStore(client *redis.Client, cfg RedisStoreConfig, logger core.Logger) *RedisStore {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "paperflow:tasks"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("engine/taskstore")
	}
	return &RedisStore{client: client, cfg: cfg, logger: logger}
}

func (s *RedisStore) key(id string) string      { return fmt.Sprintf("%s:task:%s", s.cfg.KeyPrefix, id) }
func (s *RedisStore) runningIdx() string        { return s.cfg.KeyPrefix + ":idx:running" }
func (s *RedisStore) completedIdx() string      { return s.cfg.KeyPrefix + ":idx:completed" }

func (s *RedisStore) save(ctx context.Context, t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	return s.client.Set(ctx, s.key(t.ID), data, s.cfg.TTL).Err()
}

func (s *RedisStore) load(ctx context.Context, id string) (*Task, error) {
	data, err := s.client.Get(ctx, s.key(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, core.NewFrameworkError("taskstore.Get", core.KindInvalidInput, core.ErrInvalidInput)
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	var t Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to deserialize task: %w", err)
	}
	return &t, nil
}

func (s *RedisStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return core.NewFrameworkError("taskstore.Create", core.KindInvalidInput, core.ErrInvalidInput)
	}
	cp := *task
	cp.Status = Pending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	data, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}
	set, err := s.client.SetNX(ctx, s.key(cp.ID), data, s.cfg.TTL).Result()
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if !set {
		return core.NewFrameworkError("taskstore.Create", core.KindStateViolation, core.ErrStateViolation)
	}
	return nil
}

func (s *RedisStore) Start(ctx context.Context, taskID string) error {
	t, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return core.NewFrameworkError("taskstore.Start", core.KindStateViolation, core.ErrStateViolation)
	}
	now := time.Now()
	t.Status = Running
	t.StartedAt = &now
	t.Attempts++
	if err := s.save(ctx, t); err != nil {
		return err
	}
	if err := s.client.ZAdd(ctx, s.runningIdx(), &redis.Z{Score: float64(now.Unix()), Member: t.ID}).Err(); err != nil {
		s.logger.Warn("failed to index running task", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
	return nil
}

func (s *RedisStore) finalize(ctx context.Context, taskID string, apply func(t *Task)) error {
	t, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil // idempotent
	}
	apply(t)
	if err := s.save(ctx, t); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, s.runningIdx(), t.ID).Err(); err != nil {
		s.logger.Warn("failed to remove running index entry", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
	if t.CompletedAt != nil {
		if err := s.client.ZAdd(ctx, s.completedIdx(), &redis.Z{Score: float64(t.CompletedAt.Unix()), Member: t.ID}).Err(); err != nil {
			s.logger.Warn("failed to index completed task", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
		}
	}
	return nil
}

func (s *RedisStore) Complete(ctx context.Context, taskID string, result interface{}) error {
	t, err := s.load(ctx, taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		if t.Status == Completed && reflect.DeepEqual(t.Result, result) {
			return nil // idempotent: same result reported twice
		}
		return core.NewFrameworkError("taskstore.Complete", core.KindStateViolation, core.ErrStateViolation)
	}
	now := time.Now()
	t.Status = Completed
	t.Result = result
	t.CompletedAt = &now
	if err := s.save(ctx, t); err != nil {
		return err
	}
	if err := s.client.ZRem(ctx, s.runningIdx(), t.ID).Err(); err != nil {
		s.logger.Warn("failed to remove running index entry", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
	if err := s.client.ZAdd(ctx, s.completedIdx(), &redis.Z{Score: float64(now.Unix()), Member: t.ID}).Err(); err != nil {
		s.logger.Warn("failed to index completed task", map[string]interface{}{"task_id": t.ID, "error": err.Error()})
	}
	return nil
}

func (s *RedisStore) Fail(ctx context.Context, taskID string, cause error) error {
	return s.finalize(ctx, taskID, func(t *Task) {
		now := time.Now()
		t.Status = Failed
		if cause != nil {
			t.Error = cause.Error()
		}
		t.CompletedAt = &now
	})
}

func (s *RedisStore) Timeout(ctx context.Context, taskID string) error {
	return s.finalize(ctx, taskID, func(t *Task) {
		now := time.Now()
		t.Status = TimedOut
		t.CompletedAt = &now
	})
}

func (s *RedisStore) Cancel(ctx context.Context, taskID string) error {
	return s.finalize(ctx, taskID, func(t *Task) {
		now := time.Now()
		t.Status = Cancelled
		t.CompletedAt = &now
	})
}

func (s *RedisStore) Get(ctx context.Context, taskID string) (*Task, error) {
	return s.load(ctx, taskID)
}

// FindTimedOut scans the running index rather than the full keyspace. The
// index may contain stale IDs for tasks that finished after their TTL
// expired before the finalize call could ZRem them; those are skipped.
func (s *RedisStore) FindTimedOut(ctx context.Context, threshold time.Duration) ([]*Task, error) {
	cutoff := time.Now().Add(-threshold)
	ids, err := s.client.ZRangeByScore(ctx, s.runningIdx(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to scan running index: %w", err)
	}
	var out []*Task
	for _, id := range ids {
		t, err := s.load(ctx, id)
		if err != nil {
			continue
		}
		if t.Status == Running {
			out = append(out, t)
		}
	}
	return out, nil
}

// DeleteCompletedOlderThan removes terminal tasks whose completedAt is
// before cutoff, using the completed-index to avoid a keyspace scan.
func (s *RedisStore) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.completedIdx(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.Unix()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan completed index: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.client.Del(ctx, s.key(id)).Err(); err == nil {
			n++
		}
		s.client.ZRem(ctx, s.completedIdx(), id)
	}
	return n, nil
}
