// Package agentrunner composes admission, caching, circuit-breaking, retry,
// and bookkeeping around a single call to an agent capability. It never
// sees an agent's implementation, only the function-plus-metadata shape
// described by Capability.
package agentrunner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/core"
	"github.com/itsneelabh/paperflow/memorystore"
	"github.com/itsneelabh/paperflow/ratelimiter"
	"github.com/itsneelabh/paperflow/retrypolicy"
	"github.com/itsneelabh/paperflow/taskstore"
	"github.com/itsneelabh/paperflow/usage"
)

// Capability is the engine's view of an agent: a function plus the
// metadata needed to admit, route, and charge calls to it.
type Capability struct {
	Kind         breaker.AgentKind
	Provider     ratelimiter.Provider
	EstimateCost func(input []byte) int
	Invoke       func(ctx context.Context, input []byte) ([]byte, error)
}

// Request is the bookkeeping context around one call: who it's for and
// which pipeline/stage it belongs to. Input is the opaque payload handed
// to Capability.Invoke and fingerprinted for caching/coalescing.
type Request struct {
	UserID     string
	PipelineID string
	StageID    string
	Input      []byte
}

// Event is published to an EventSink at create, start, complete, fail and
// cancel. The runner publishes no timeout event.
type Event struct {
	TaskID     string
	AgentKind  breaker.AgentKind
	PipelineID string
	StageID    string
	Status     taskstore.Status
	Err        error
}

// EventSink receives AgentRunner lifecycle events. The pipeline package
// adapts its ProgressBus to this interface with progressEventSink.
type EventSink interface {
	Publish(event Event)
}

type noopSink struct{}

func (noopSink) Publish(Event) {}

// Runner wires together a RateLimiter, CircuitBreaker, retry policy,
// TaskStore and MemoryStore around one agent call, coalescing concurrent
// calls that share the same fingerprint.
type Runner struct {
	limiter   *ratelimiter.RateLimiter
	breaker   *breaker.CircuitBreaker
	tasks     taskstore.Store
	memory    memorystore.Store
	policy    retrypolicy.Policy
	events    EventSink
	usage     usage.Sink
	logger    core.Logger
	telemetry core.Telemetry

	inflightMu sync.Mutex
	inflight   map[string]*inflightCall
}

type inflightCall struct {
	wg     sync.WaitGroup
	result []byte
	err    error
}

// Config bundles the Runner's dependencies and defaults.
type Config struct {
	Limiter   *ratelimiter.RateLimiter
	Breaker   *breaker.CircuitBreaker
	Tasks     taskstore.Store
	Memory    memorystore.Store
	Policy    retrypolicy.Policy
	Events    EventSink
	Usage     usage.Sink
	Logger    core.Logger
	Telemetry core.Telemetry
}

// New builds a Runner. Tasks and Memory must be supplied; Limiter and
// Breaker default to permissive/no-op behavior is not provided here on
// purpose — an AgentRunner without rate limiting or circuit breaking is a
// configuration error the caller must resolve.
func New(cfg Config) *Runner {
	if cfg.Events == nil {
		cfg.Events = noopSink{}
	}
	if cfg.Usage == nil {
		cfg.Usage = usage.NoOpSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = retrypolicy.DefaultPolicy()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	return &Runner{
		limiter:   cfg.Limiter,
		breaker:   cfg.Breaker,
		tasks:     cfg.Tasks,
		memory:    cfg.Memory,
		policy:    cfg.Policy,
		events:    cfg.Events,
		usage:     cfg.Usage,
		logger:    cfg.Logger,
		telemetry: cfg.Telemetry,
		inflight:  make(map[string]*inflightCall),
	}
}

// DefaultRetriable classifies engine error kinds the way
// resilience.DefaultErrorClassifier classifies infrastructure errors: only
// transient, infrastructure-shaped failures are retried; breaker rejection,
// invalid input, cancellation, and internal bugs are not.
func DefaultRetriable(err error) bool {
	switch core.Kind(err) {
	case core.KindBreakerOpen, core.KindInvalidInput, core.KindCancelled,
		core.KindInternal, core.KindStateViolation:
		return false
	default:
		return true
	}
}

// Run executes one call to cap with req.Input. It returns the agent's
// result, or the final classified error.
func (r *Runner) Run(ctx context.Context, cap Capability, req Request) ([]byte, error) {
	fingerprint := memorystore.Fingerprint(req.Input)
	cacheKey := memorystore.ResultCacheKey(string(cap.Kind), fingerprint)

	if entry, found, err := r.memory.Get(ctx, cacheKey); err == nil && found {
		taskID := uuid.NewString()
		task := &taskstore.Task{
			ID: taskID, AgentKind: string(cap.Kind),
			UserID: req.UserID, PipelineID: req.PipelineID, StageID: req.StageID,
		}
		_ = r.tasks.Create(ctx, task)
		_ = r.tasks.Complete(ctx, taskID, entry.Data)
		r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Completed})
		r.usage.Record(ctx, usage.Event{
			UserID: req.UserID, AgentKind: string(cap.Kind), Provider: string(cap.Provider),
			TaskID: taskID, Attempts: 0, DurationMs: 0, Success: true, Cached: true,
		})
		return entry.Data, nil
	}

	call, leader := r.joinOrLead(fingerprint)
	if !leader {
		call.wg.Wait()
		return call.result, call.err
	}

	result, err := r.execute(ctx, cap, req, fingerprint, cacheKey)

	call.result, call.err = result, err
	r.inflightMu.Lock()
	delete(r.inflight, fingerprint)
	r.inflightMu.Unlock()
	call.wg.Done()

	return result, err
}

// joinOrLead returns the in-flight call for fingerprint and whether the
// caller is the leader responsible for executing it. Joiners must not
// touch call.result/call.err until wg.Wait() returns.
func (r *Runner) joinOrLead(fingerprint string) (*inflightCall, bool) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if existing, ok := r.inflight[fingerprint]; ok {
		return existing, false
	}
	call := &inflightCall{}
	call.wg.Add(1)
	r.inflight[fingerprint] = call
	return call, true
}

func (r *Runner) execute(ctx context.Context, cap Capability, req Request, fingerprint, cacheKey string) ([]byte, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "agentrunner.execute")
	span.SetAttribute("agent_kind", string(cap.Kind))
	span.SetAttribute("pipeline_id", req.PipelineID)
	span.SetAttribute("stage_id", req.StageID)
	defer span.End()

	start := time.Now()
	taskID := uuid.NewString()
	task := &taskstore.Task{
		ID: taskID, AgentKind: string(cap.Kind),
		UserID: req.UserID, PipelineID: req.PipelineID, StageID: req.StageID,
	}
	if err := r.tasks.Create(ctx, task); err != nil {
		return nil, err
	}
	r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Pending})

	recordUsage := func(attempts int, success bool) {
		r.usage.Record(ctx, usage.Event{
			UserID: req.UserID, AgentKind: string(cap.Kind), Provider: string(cap.Provider),
			TaskID: taskID, Attempts: attempts, DurationMs: time.Since(start).Milliseconds(),
			Success: success, Cached: false,
		})
	}

	// Admission is decided entirely by breaker.Execute below, which performs
	// the OPEN->HALF_OPEN timed transition itself. A read-only State() check
	// here would never observe that transition and would wedge the breaker
	// open forever once tripped. The breaker wraps the whole retry loop, so
	// one call records one breaker outcome however many attempts it took.
	policy := r.policy
	policy.Retriable = DefaultRetriable

	var result []byte
	attempts := 0
	attemptOnce := func(ctx context.Context, attempt int) error {
		attempts = attempt
		if err := r.tasks.Start(ctx, taskID); err != nil {
			return err
		}
		r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Running})

		permits := 1
		if cap.EstimateCost != nil {
			if cost := cap.EstimateCost(req.Input); cost > 0 {
				permits = cost
			}
		}
		if err := r.limiter.Acquire(ctx, cap.Provider, permits); err != nil {
			return err
		}

		out, err := cap.Invoke(ctx, req.Input)
		if err != nil {
			return err
		}
		result = out
		return nil
	}
	runErr := r.breaker.Execute(ctx, cap.Kind, func(ctx context.Context) error {
		return retrypolicy.Execute(ctx, policy, attemptOnce)
	})

	if runErr != nil {
		span.RecordError(runErr)
		if core.Kind(runErr) == core.KindCancelled {
			_ = r.tasks.Cancel(ctx, taskID)
			r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Cancelled, Err: runErr})
			recordUsage(attempts, false)
			return nil, runErr
		}
		_ = r.tasks.Fail(ctx, taskID, runErr)
		r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Failed, Err: runErr})
		recordUsage(attempts, false)
		return nil, runErr
	}

	_ = r.tasks.Complete(ctx, taskID, result)
	_ = r.memory.Put(ctx, cacheKey, result)
	r.events.Publish(Event{TaskID: taskID, AgentKind: cap.Kind, PipelineID: req.PipelineID, StageID: req.StageID, Status: taskstore.Completed})
	recordUsage(attempts, true)
	return result, nil
}
