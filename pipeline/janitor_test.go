package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/itsneelabh/paperflow/memorystore"
	"github.com/itsneelabh/paperflow/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitor_TimesOutStaleRunningTasks(t *testing.T) {
	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	require.NoError(t, tasks.Create(context.Background(), &taskstore.Task{ID: "t1", AgentKind: "summarizer"}))
	require.NoError(t, tasks.Start(context.Background(), "t1"))

	j := NewJanitor(tasks, memory, 1*time.Millisecond, time.Hour, time.Hour, nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, j.Tick(context.Background()))

	task, err := tasks.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, taskstore.TimedOut, task.Status)
}

func TestJanitor_DeletesCompletedTasksOlderThanRetention(t *testing.T) {
	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	require.NoError(t, tasks.Create(context.Background(), &taskstore.Task{ID: "t1", AgentKind: "summarizer"}))
	require.NoError(t, tasks.Complete(context.Background(), "t1", "done"))

	j := NewJanitor(tasks, memory, time.Hour, 1*time.Millisecond, time.Hour, nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, j.Tick(context.Background()))

	_, err := tasks.Get(context.Background(), "t1")
	assert.Error(t, err, "completed task older than retention should be deleted")
}

func TestJanitor_DeletesStaleCacheEntries(t *testing.T) {
	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	require.NoError(t, memory.Put(context.Background(), "agent_summarizer_cache_x", []byte("v")))

	j := NewJanitor(tasks, memory, time.Hour, time.Hour, 1*time.Millisecond, nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, j.Tick(context.Background()))

	_, found, err := memory.Get(context.Background(), "agent_summarizer_cache_x")
	require.NoError(t, err)
	assert.False(t, found)
}
