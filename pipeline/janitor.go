package pipeline

import (
	"context"
	"time"

	"github.com/itsneelabh/paperflow/core"
	"github.com/itsneelabh/paperflow/memorystore"
	"github.com/itsneelabh/paperflow/taskstore"
)

// Janitor performs the engine's scheduled cleanup: timing out tasks that
// have been RUNNING past their deadline, and garbage-collecting completed
// task rows and stale cache entries. It exposes Tick instead of running
// its own timer, so an embedder drives it deterministically (§9's
// resolution of the source's annotation-driven scheduling).
type Janitor struct {
	Tasks  taskstore.Store
	Memory memorystore.Store
	Logger core.Logger

	RunningTimeout    time.Duration // a task RUNNING longer than this is timed out
	CompletedRetention time.Duration // completed rows older than this are deleted
	MemoryRetention    time.Duration // cache entries not updated within this are deleted
}

// NewJanitor builds a Janitor with the given stores and retention windows.
func NewJanitor(tasks taskstore.Store, memory memorystore.Store, runningTimeout, completedRetention, memoryRetention time.Duration, logger core.Logger) *Janitor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Janitor{
		Tasks: tasks, Memory: memory, Logger: logger,
		RunningTimeout: runningTimeout, CompletedRetention: completedRetention, MemoryRetention: memoryRetention,
	}
}

// Tick runs one cleanup pass: finds tasks stuck RUNNING past RunningTimeout
// and marks them TIMED_OUT, deletes completed task rows older than
// CompletedRetention, and deletes cache entries stale past MemoryRetention.
func (j *Janitor) Tick(ctx context.Context) error {
	timedOut, err := j.Tasks.FindTimedOut(ctx, j.RunningTimeout)
	if err != nil {
		return err
	}
	for _, task := range timedOut {
		if err := j.Tasks.Timeout(ctx, task.ID); err != nil {
			j.Logger.Warn("janitor: failed to mark task timed out", map[string]interface{}{
				"task_id": task.ID, "error": err.Error(),
			})
		}
	}
	if len(timedOut) > 0 {
		j.Logger.Info("janitor: timed out stale running tasks", map[string]interface{}{"count": len(timedOut)})
	}

	cutoff := time.Now().Add(-j.CompletedRetention)
	deletedTasks, err := j.Tasks.DeleteCompletedOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	deletedEntries, err := j.Memory.DeleteStale(ctx, j.MemoryRetention)
	if err != nil {
		return err
	}
	if deletedTasks > 0 || deletedEntries > 0 {
		j.Logger.Info("janitor: garbage collected", map[string]interface{}{
			"completed_tasks_deleted": deletedTasks,
			"cache_entries_deleted":   deletedEntries,
		})
	}
	return nil
}
