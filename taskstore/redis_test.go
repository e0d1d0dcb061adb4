package taskstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewRedisStore(client, DefaultRedisStoreConfig(), nil)
}

func TestRedisStore_Lifecycle(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "t1", AgentKind: "summarizer"}))
	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Complete(ctx, "t1", "done"))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, Completed, got.Status)
	require.Equal(t, "done", got.Result)
}

func TestRedisStore_CreateTwiceIsStateViolation(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	err := s.Create(ctx, &Task{ID: "t1"})
	require.Error(t, err)
}

func TestRedisStore_FindTimedOutUsesIndex(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))

	// Backdate the running-index score directly to simulate a stale task
	// without depending on wall-clock time passing.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, s.client.ZAdd(ctx, s.runningIdx(), &redis.Z{
		Score: float64(old.Unix()), Member: "t1",
	}).Err())

	out, err := s.FindTimedOut(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "t1", out[0].ID)
}
