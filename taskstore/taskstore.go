// Package taskstore provides a durable record of every agent invocation,
// used for recovery, cleanup, and observability. It defines the Task type
// and the Store interface, with an in-memory implementation here and a
// Redis-backed implementation in redis.go.
package taskstore

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// Status is the lifecycle state of one agent invocation.
type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Completed Status = "COMPLETED"
	Failed    Status = "FAILED"
	TimedOut  Status = "TIMED_OUT"
	Cancelled Status = "CANCELLED"
)

// IsTerminal reports whether s is one of COMPLETED, FAILED, TIMED_OUT, CANCELLED.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == TimedOut || s == Cancelled
}

// Task is one recorded agent invocation.
type Task struct {
	ID          string                 `json:"id"`
	AgentKind   string                 `json:"agent_kind"`
	UserID      string                 `json:"user_id,omitempty"`
	PipelineID  string                 `json:"pipeline_id"`
	StageID     string                 `json:"stage_id"`
	Status      Status                 `json:"status"`
	Attempts    int                    `json:"attempts"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Result      interface{}            `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// Store is the durable task ledger contract.
type Store interface {
	Create(ctx context.Context, task *Task) error
	Start(ctx context.Context, taskID string) error
	Complete(ctx context.Context, taskID string, result interface{}) error
	Fail(ctx context.Context, taskID string, cause error) error
	Timeout(ctx context.Context, taskID string) error
	Cancel(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (*Task, error)
	FindTimedOut(ctx context.Context, threshold time.Duration) ([]*Task, error)
	DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// InMemoryStore is a process-local Store backed by a mutex-guarded map. It
// is the default used in tests and single-process deployments.
type InMemoryStore struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger core.Logger
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore(logger core.Logger) *InMemoryStore {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &InMemoryStore{tasks: make(map[string]*Task), logger: logger}
}

func stateViolation(op, taskID string) error {
	return core.NewFrameworkError(op, core.KindStateViolation, core.ErrStateViolation)
}

func (s *InMemoryStore) Create(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return core.NewFrameworkError("taskstore.Create", core.KindInvalidInput, core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return core.NewFrameworkError("taskstore.Create", core.KindStateViolation, core.ErrStateViolation)
	}
	cp := *task
	cp.Status = Pending
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.tasks[task.ID] = &cp
	return nil
}

func (s *InMemoryStore) Start(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.NewFrameworkError("taskstore.Start", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if t.Status.IsTerminal() {
		return stateViolation("taskstore.Start", taskID)
	}
	now := time.Now()
	t.Status = Running
	t.StartedAt = &now
	t.Attempts++
	return nil
}

func (s *InMemoryStore) Complete(ctx context.Context, taskID string, result interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.NewFrameworkError("taskstore.Complete", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if t.Status.IsTerminal() {
		if t.Status == Completed && reflect.DeepEqual(t.Result, result) {
			return nil // idempotent: same result reported twice
		}
		return stateViolation("taskstore.Complete", taskID)
	}
	now := time.Now()
	t.Status = Completed
	t.Result = result
	t.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) Fail(ctx context.Context, taskID string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.NewFrameworkError("taskstore.Fail", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if t.Status.IsTerminal() {
		return nil // idempotent
	}
	now := time.Now()
	t.Status = Failed
	if cause != nil {
		t.Error = cause.Error()
	}
	t.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) Timeout(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.NewFrameworkError("taskstore.Timeout", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if t.Status.IsTerminal() {
		return nil // idempotent
	}
	now := time.Now()
	t.Status = TimedOut
	t.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) Cancel(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return core.NewFrameworkError("taskstore.Cancel", core.KindInvalidInput, core.ErrInvalidInput)
	}
	if t.Status.IsTerminal() {
		return nil // idempotent
	}
	now := time.Now()
	t.Status = Cancelled
	t.CompletedAt = &now
	return nil
}

func (s *InMemoryStore) Get(ctx context.Context, taskID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return nil, core.NewFrameworkError("taskstore.Get", core.KindInvalidInput, core.ErrInvalidInput)
	}
	cp := *t
	return &cp, nil
}

func (s *InMemoryStore) FindTimedOut(ctx context.Context, threshold time.Duration) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []*Task
	for _, t := range s.tasks {
		if t.Status == Running && t.StartedAt != nil && now.Sub(*t.StartedAt) >= threshold {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) DeleteCompletedOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Status.IsTerminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}
