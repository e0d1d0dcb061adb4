package memorystore

import (
	"context"
	"encoding/json"
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

func TestRedisStore_PutGet(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "agent_summarizer_cache_f1", []byte("result")))
	entry, found, err := s.Get(ctx, "agent_summarizer_cache_f1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("result"), entry.Data)
}

func TestRedisStore_PutIfAbsent(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := s.PutIfAbsent(ctx, "k1", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.PutIfAbsent(ctx, "k1", []byte("b"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_DeleteByPrefix(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "agent_summarizer_cache_a", []byte("x")))
	require.NoError(t, s.Put(ctx, "agent_summarizer_cache_b", []byte("y")))
	require.NoError(t, s.Put(ctx, "user_u1_agent_summarizer", []byte("z")))

	n, err := s.DeleteByPrefix(ctx, "agent_summarizer_cache_")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	_, found, _ := s.Get(ctx, "user_u1_agent_summarizer")
	require.True(t, found)
}

func TestRedisStore_DeleteStale(t *testing.T) {
	mr, s := newTestRedisStore(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "stale", []byte("x")))
	require.NoError(t, s.Put(ctx, "fresh", []byte("y")))

	// Backdate the stale entry's UpdatedAt directly.
	stale, _, _ := s.Get(ctx, "stale")
	stale.UpdatedAt = time.Now().Add(-time.Hour)
	blob, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, s.client.Set(ctx, s.redisKey("stale"), blob, 0).Err())

	n, err := s.DeleteStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, found, _ := s.Get(ctx, "fresh")
	require.True(t, found)
}
