// Package breaker implements a per-agent-kind circuit breaker: CLOSED,
// OPEN, HALF_OPEN, with a consecutive-failure threshold (not a sliding
// error-rate window) and exactly one probe admitted in HALF_OPEN.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// State is one of the three circuit breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// AgentKind identifies the class of agent a breaker instance guards.
type AgentKind string

// Config sets the failure threshold and open-state duration for one kind.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// DefaultConfig matches the spec's suggested defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, OpenDuration: 30 * time.Second}
}

// Snapshot is a point-in-time view of one breaker's state.
type Snapshot struct {
	State         State
	FailureCount  int
	OpenedAt      time.Time
	HasOpenedAt   bool
}

type circuit struct {
	mu              sync.Mutex
	cfg             Config
	state           State
	failureCount    int
	openedAt        time.Time
	probeInFlight   bool
}

// CircuitBreaker tracks one breaker per agent kind, each evaluated
// independently.
type CircuitBreaker struct {
	mu        sync.RWMutex
	circuits  map[AgentKind]*circuit
	defaults  map[AgentKind]Config
	fallback  Config
	logger    core.Logger
	listeners []func(kind AgentKind, from, to State)
}

// New creates a CircuitBreaker with per-kind configuration. Kinds absent
// from configs fall back to DefaultConfig.
func New(configs map[AgentKind]Config, logger core.Logger) *CircuitBreaker {
	cb := &CircuitBreaker{
		circuits: make(map[AgentKind]*circuit),
		defaults: make(map[AgentKind]Config),
		fallback: DefaultConfig(),
		logger:   logger,
	}
	if cb.logger == nil {
		cb.logger = &core.NoOpLogger{}
	}
	for k, c := range configs {
		cb.defaults[k] = c
	}
	return cb
}

// AddStateChangeListener registers a callback invoked (synchronously, under
// no lock) on every state transition.
func (cb *CircuitBreaker) AddStateChangeListener(fn func(kind AgentKind, from, to State)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, fn)
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) circuitFor(kind AgentKind) *circuit {
	cb.mu.RLock()
	c, ok := cb.circuits[kind]
	cb.mu.RUnlock()
	if ok {
		return c
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if c, ok = cb.circuits[kind]; ok {
		return c
	}
	cfg, ok := cb.defaults[kind]
	if !ok {
		cfg = cb.fallback
	}
	c = &circuit{cfg: cfg, state: Closed}
	cb.circuits[kind] = c
	return c
}

func (cb *CircuitBreaker) notify(kind AgentKind, from, to State) {
	cb.mu.RLock()
	listeners := append([]func(AgentKind, State, State){}, cb.listeners...)
	cb.mu.RUnlock()
	for _, fn := range listeners {
		fn(kind, from, to)
	}
}

// admit returns whether a call may proceed right now, transitioning
// OPEN->HALF_OPEN as a side effect when openDuration has elapsed.
func (c *circuit) admit(now time.Time) bool {
	switch c.state {
	case Closed:
		return true
	case Open:
		if now.Sub(c.openedAt) >= c.cfg.OpenDuration {
			return true // caller transitions to half-open on admit
		}
		return false
	case HalfOpen:
		return !c.probeInFlight
	}
	return false
}

// Execute runs op if the breaker for kind admits the call, recording the
// outcome. It returns op's result, or a BREAKER_OPEN error without calling
// op when the breaker rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, kind AgentKind, op func(ctx context.Context) error) error {
	c := cb.circuitFor(kind)

	c.mu.Lock()
	if !c.admit(time.Now()) {
		c.mu.Unlock()
		return core.NewFrameworkError("breaker.Execute", core.KindBreakerOpen, core.ErrBreakerOpen)
	}
	from := c.state
	if c.state == Open {
		c.state = HalfOpen
		c.probeInFlight = true
		cb.logger.Info("circuit breaker half-open probe admitted", map[string]interface{}{"kind": string(kind)})
	} else if c.state == HalfOpen {
		c.probeInFlight = true
	}
	to := c.state
	c.mu.Unlock()
	if from != to {
		cb.notify(kind, from, to)
	}

	err := op(ctx)

	c.mu.Lock()
	from = c.state
	switch c.state {
	case Closed:
		if err != nil {
			c.failureCount++
			if c.failureCount >= c.cfg.FailureThreshold {
				c.state = Open
				c.openedAt = time.Now()
			}
		} else {
			c.failureCount = 0
		}
	case HalfOpen:
		c.probeInFlight = false
		if err != nil {
			c.state = Open
			c.openedAt = time.Now()
		} else {
			c.state = Closed
			c.failureCount = 0
		}
	}
	to = c.state
	c.mu.Unlock()
	if from != to {
		cb.notify(kind, from, to)
		cb.logger.Info("circuit breaker state change", map[string]interface{}{
			"kind": string(kind), "from": from.String(), "to": to.String(),
		})
	}

	return err
}

// State returns a snapshot of the breaker for kind.
func (cb *CircuitBreaker) State(kind AgentKind) Snapshot {
	c := cb.circuitFor(kind)
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state,
		FailureCount: c.failureCount,
		OpenedAt:     c.openedAt,
		HasOpenedAt:  c.state != Closed,
	}
}

// Reset forces the breaker for kind back to CLOSED with a zeroed failure
// count, bypassing the normal transition rules. Intended for tests and
// operator intervention, not for use on the request path.
func (cb *CircuitBreaker) Reset(kind AgentKind) {
	c := cb.circuitFor(kind)
	c.mu.Lock()
	from := c.state
	c.state = Closed
	c.failureCount = 0
	c.probeInFlight = false
	c.openedAt = time.Time{}
	c.mu.Unlock()
	if from != Closed {
		cb.notify(kind, from, Closed)
	}
}
