package taskstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_Lifecycle(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()

	task := &Task{ID: "t1", AgentKind: "summarizer"}
	require.NoError(t, s.Create(ctx, task))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, Pending, got.Status)

	require.NoError(t, s.Start(ctx, "t1"))
	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, Running, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, s.Complete(ctx, "t1", "ok"))
	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, Completed, got.Status)
	assert.Equal(t, "ok", got.Result)
	require.NotNil(t, got.CompletedAt)
}

func TestInMemoryStore_CompleteWithSameResultIsIdempotent(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Complete(ctx, "t1", "r1"))

	require.NoError(t, s.Complete(ctx, "t1", "r1"))
	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, "r1", got.Result)

	require.NoError(t, s.Fail(ctx, "t1", errors.New("ignored")))
	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, Completed, got.Status)
}

func TestInMemoryStore_CompleteWithDifferentResultIsStateViolation(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Complete(ctx, "t1", "r1"))

	err := s.Complete(ctx, "t1", "r2")
	assert.Error(t, err)
	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, "r1", got.Result)
}

func TestInMemoryStore_NonTerminalFromTerminalIsStateViolation(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Complete(ctx, "t1", nil))

	err := s.Start(ctx, "t1")
	assert.Error(t, err)
}

func TestInMemoryStore_Cancel(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))

	require.NoError(t, s.Cancel(ctx, "t1"))
	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, Cancelled, got.Status)

	// Cancelling again is a no-op.
	require.NoError(t, s.Cancel(ctx, "t1"))
}

func TestInMemoryStore_FindTimedOut(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "stale"}))
	require.NoError(t, s.Start(ctx, "stale"))

	s.mu.Lock()
	old := time.Now().Add(-time.Hour)
	s.tasks["stale"].StartedAt = &old
	s.mu.Unlock()

	require.NoError(t, s.Create(ctx, &Task{ID: "fresh"}))
	require.NoError(t, s.Start(ctx, "fresh"))

	timedOut, err := s.FindTimedOut(ctx, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "stale", timedOut[0].ID)
}

func TestInMemoryStore_DeleteCompletedOlderThan(t *testing.T) {
	s := NewInMemoryStore(nil)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.Start(ctx, "t1"))
	require.NoError(t, s.Complete(ctx, "t1", nil))

	s.mu.Lock()
	old := time.Now().Add(-48 * time.Hour)
	s.tasks["t1"].CompletedAt = &old
	s.mu.Unlock()

	n, err := s.DeleteCompletedOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "t1")
	assert.Error(t, err)
}
