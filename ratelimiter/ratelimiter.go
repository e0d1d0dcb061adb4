// Package ratelimiter implements per-provider dual-window admission control:
// a fixed per-second window and a fixed per-minute window, both replenished
// by resetting to full capacity rather than leaking incrementally. Waiters
// are granted strictly FIFO per provider.
package ratelimiter

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// Provider identifies an external AI service subject to its own quota.
type Provider string

// Limits configures the dual-window capacity for one provider.
type Limits struct {
	PerSecond int
	PerMinute int
}

// Status is a snapshot of one provider's window, returned by Status.
type Status struct {
	AvailableSecond      int
	AvailableMinute      int
	QueueLength          int
	RequestsInLastMinute int
	LastGrantAt          time.Time
}

type window struct {
	mu sync.Mutex

	capSecond int
	capMinute int

	availSecond int
	availMinute int

	lastSecondReset time.Time
	lastMinuteReset time.Time
	lastGrantAt     time.Time
	grantedInMinute int

	waiters *list.List // of *waiter
}

type waiter struct {
	permits int
	result  chan error
	removed bool
}

// RateLimiter admits calls to a fixed set of providers under per-second and
// per-minute caps, queuing excess requests in FIFO order per provider.
type RateLimiter struct {
	mu        sync.RWMutex
	windows   map[Provider]*window
	defaults  map[Provider]Limits
	logger    core.ComponentAwareLogger
	componentLogger core.Logger
}

// New creates a RateLimiter with the given per-provider capacities. A
// provider absent from limits gets a zero-capacity window: Acquire on it
// never grants and returns only once ctx is done.
func New(limits map[Provider]Limits, logger core.Logger) *RateLimiter {
	rl := &RateLimiter{
		windows:  make(map[Provider]*window),
		defaults: make(map[Provider]Limits),
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		rl.logger = cal
		rl.componentLogger = cal.WithComponent("engine/ratelimiter")
	} else if logger != nil {
		rl.componentLogger = logger
	} else {
		rl.componentLogger = &core.NoOpLogger{}
	}
	for p, l := range limits {
		rl.defaults[p] = l
		rl.windows[p] = newWindow(l)
	}
	return rl
}

func newWindow(l Limits) *window {
	now := time.Now()
	return &window{
		capSecond:       l.PerSecond,
		capMinute:       l.PerMinute,
		availSecond:     l.PerSecond,
		availMinute:     l.PerMinute,
		lastSecondReset: now,
		lastMinuteReset: now,
		waiters:         list.New(),
	}
}

func (r *RateLimiter) windowFor(p Provider) *window {
	r.mu.RLock()
	w, ok := r.windows[p]
	r.mu.RUnlock()
	if ok {
		return w
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok = r.windows[p]; ok {
		return w
	}
	w = newWindow(r.defaults[p])
	r.windows[p] = w
	return w
}

// replenish resets the windows to full capacity if their reset interval has
// elapsed. Fixed-window, not a sliding/leaky bucket — see design notes.
func (w *window) replenish(now time.Time) {
	if now.Sub(w.lastSecondReset) >= time.Second {
		w.availSecond = w.capSecond
		w.lastSecondReset = now
	}
	if now.Sub(w.lastMinuteReset) >= time.Minute {
		w.availMinute = w.capMinute
		w.lastMinuteReset = now
		w.grantedInMinute = 0
	}
}

// tryGrant attempts to grant permits immediately. Caller holds w.mu.
func (w *window) tryGrant(permits int, now time.Time) bool {
	w.replenish(now)
	if w.availSecond >= permits && w.availMinute >= permits {
		w.availSecond -= permits
		w.availMinute -= permits
		w.lastGrantAt = now
		w.grantedInMinute += permits
		return true
	}
	return false
}

// Acquire blocks until permits have been granted for provider, or returns a
// CANCELLED error if ctx is done first. Grants are FIFO per provider.
func (r *RateLimiter) Acquire(ctx context.Context, provider Provider, permits int) error {
	if permits <= 0 {
		permits = 1
	}
	w := r.windowFor(provider)

	w.mu.Lock()
	// Only take the fast path when nothing is already queued; otherwise a
	// newly-arriving request could steal capacity freed by a window
	// replenishment ahead of waiters already in line, breaking FIFO.
	if w.waiters.Len() == 0 && w.tryGrant(permits, time.Now()) {
		w.mu.Unlock()
		return nil
	}
	wt := &waiter{permits: permits, result: make(chan error, 1)}
	elem := w.waiters.PushBack(wt)
	queueLen := w.waiters.Len()
	w.mu.Unlock()

	r.componentLogger.Debug("rate limiter enqueued waiter", map[string]interface{}{
		"provider":     string(provider),
		"queue_length": queueLen,
	})

	ticker := time.NewTicker(25 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case err := <-wt.result:
			return err
		case <-ctx.Done():
			w.mu.Lock()
			if !wt.removed {
				w.waiters.Remove(elem)
				wt.removed = true
				w.mu.Unlock()
				return core.NewFrameworkError("ratelimiter.Acquire", core.KindCancelled, core.ErrCancelled)
			}
			w.mu.Unlock()
			// pump already granted this waiter concurrently; honor the grant.
			return <-wt.result
		case <-ticker.C:
			r.pump(w)
		}
	}
}

// pump walks the FIFO queue from the head, granting waiters while capacity
// allows. Called by every queued Acquire on each of its 25ms ticks.
func (r *RateLimiter) pump(w *window) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := time.Now()
	w.replenish(now)
	for e := w.waiters.Front(); e != nil; {
		wt := e.Value.(*waiter)
		if wt.removed {
			next := e.Next()
			w.waiters.Remove(e)
			e = next
			continue
		}
		if !w.tryGrant(wt.permits, now) {
			break
		}
		next := e.Next()
		w.waiters.Remove(e)
		wt.removed = true
		wt.result <- nil
		e = next
	}
}

// Status returns a snapshot of the provider's window.
func (r *RateLimiter) Status(provider Provider) Status {
	w := r.windowFor(provider)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replenish(time.Now())
	return Status{
		AvailableSecond:      w.availSecond,
		AvailableMinute:      w.availMinute,
		QueueLength:          w.waiters.Len(),
		RequestsInLastMinute: w.capMinute - w.availMinute,
		LastGrantAt:          w.lastGrantAt,
	}
}

// Reset restores the window(s) to full capacity and cancels every queued
// waiter. If provider is empty, every known provider is reset.
func (r *RateLimiter) Reset(provider Provider) {
	r.mu.RLock()
	var targets []*window
	if provider == "" {
		for _, w := range r.windows {
			targets = append(targets, w)
		}
	} else if w, ok := r.windows[provider]; ok {
		targets = append(targets, w)
	}
	r.mu.RUnlock()

	for _, w := range targets {
		w.mu.Lock()
		w.availSecond = w.capSecond
		w.availMinute = w.capMinute
		now := time.Now()
		w.lastSecondReset = now
		w.lastMinuteReset = now
		w.grantedInMinute = 0
		for e := w.waiters.Front(); e != nil; {
			wt := e.Value.(*waiter)
			next := e.Next()
			w.waiters.Remove(e)
			if !wt.removed {
				wt.removed = true
				wt.result <- core.NewFrameworkError("ratelimiter.Reset", core.KindCancelled, core.ErrCancelled)
			}
			e = next
		}
		w.mu.Unlock()
	}
}
