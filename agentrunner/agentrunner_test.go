package agentrunner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itsneelabh/paperflow/breaker"
	"github.com/itsneelabh/paperflow/memorystore"
	"github.com/itsneelabh/paperflow/ratelimiter"
	"github.com/itsneelabh/paperflow/retrypolicy"
	"github.com/itsneelabh/paperflow/taskstore"
	"github.com/itsneelabh/paperflow/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner() (*Runner, taskstore.Store, memorystore.Store) {
	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	limiter := ratelimiter.New(map[ratelimiter.Provider]ratelimiter.Limits{
		"test-provider": {PerSecond: 100, PerMinute: 1000},
	}, nil)
	cb := breaker.New(map[breaker.AgentKind]breaker.Config{
		"summarizer": {FailureThreshold: 2, OpenDuration: 50 * time.Millisecond},
	}, nil)
	r := New(Config{
		Limiter: limiter,
		Breaker: cb,
		Tasks:   tasks,
		Memory:  memory,
		Policy:  retrypolicy.Policy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: 0},
	})
	return r, tasks, memory
}

func TestRun_SuccessCachesResult(t *testing.T) {
	r, _, memory := newTestRunner()
	calls := int32(0)

	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte("summary"), nil
		},
	}

	result, err := r.Run(context.Background(), cap, Request{Input: []byte("doc-1")})
	require.NoError(t, err)
	assert.Equal(t, []byte("summary"), result)
	assert.Equal(t, int32(1), calls)

	key := memorystore.ResultCacheKey("summarizer", memorystore.Fingerprint([]byte("doc-1")))
	entry, found, err := memory.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("summary"), entry.Data)
}

func TestRun_CacheHitSkipsInvocation(t *testing.T) {
	r, _, _ := newTestRunner()
	calls := int32(0)
	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			return []byte("summary"), nil
		},
	}

	_, err := r.Run(context.Background(), cap, Request{Input: []byte("doc-1")})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), cap, Request{Input: []byte("doc-1")})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls)
}

func TestRun_RetriesOnTransientFailure(t *testing.T) {
	r, _, _ := newTestRunner()
	attempts := int32(0)
	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return nil, errors.New("transient upstream error")
			}
			return []byte("ok"), nil
		},
	}

	result, err := r.Run(context.Background(), cap, Request{Input: []byte("doc-2")})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), result)
	assert.Equal(t, int32(3), attempts)
}

func TestRun_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	r, tasks, _ := newTestRunner()
	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return nil, errors.New("permanent upstream error")
		},
	}

	// Exhaust the breaker's failure threshold with distinct fingerprints so
	// each call executes its own retry loop against a fresh task.
	_, err1 := r.Run(context.Background(), cap, Request{Input: []byte("a")})
	require.Error(t, err1)
	_, err2 := r.Run(context.Background(), cap, Request{Input: []byte("b")})
	require.Error(t, err2)

	snap := r.breaker.State("summarizer")
	assert.Equal(t, breaker.Open, snap.State)

	_, err3 := r.Run(context.Background(), cap, Request{Input: []byte("c")})
	require.Error(t, err3)

	tasksList, _ := tasks.FindTimedOut(context.Background(), 0)
	_ = tasksList // not asserting on timed-out here, just exercising the store
}

func TestRun_CoalescesConcurrentCallsWithSameFingerprint(t *testing.T) {
	r, _, _ := newTestRunner()
	var calls int32
	release := make(chan struct{})

	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return []byte("shared-result"), nil
		},
	}

	const n = 5
	results := make([][]byte, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = r.Run(context.Background(), cap, Request{Input: []byte("shared-input")})
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("shared-result"), results[i])
	}
}

type recordingUsageSink struct {
	mu     sync.Mutex
	events []usage.Event
}

func (s *recordingUsageSink) Record(ctx context.Context, event usage.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestRun_EmitsUsageEventOnSuccessAndCacheHit(t *testing.T) {
	tasks := taskstore.NewInMemoryStore(nil)
	memory := memorystore.NewInMemoryStore(nil)
	limiter := ratelimiter.New(map[ratelimiter.Provider]ratelimiter.Limits{
		"test-provider": {PerSecond: 100, PerMinute: 1000},
	}, nil)
	cb := breaker.New(map[breaker.AgentKind]breaker.Config{
		"summarizer": {FailureThreshold: 5, OpenDuration: 50 * time.Millisecond},
	}, nil)
	sink := &recordingUsageSink{}
	r := New(Config{
		Limiter: limiter, Breaker: cb, Tasks: tasks, Memory: memory, Usage: sink,
		Policy: retrypolicy.Policy{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second, Jitter: 0},
	})

	cap := Capability{
		Kind:     "summarizer",
		Provider: "test-provider",
		Invoke: func(ctx context.Context, input []byte) ([]byte, error) {
			return []byte("summary"), nil
		},
	}

	_, err := r.Run(context.Background(), cap, Request{UserID: "u1", Input: []byte("doc-usage")})
	require.NoError(t, err)
	_, err = r.Run(context.Background(), cap, Request{UserID: "u1", Input: []byte("doc-usage")})
	require.NoError(t, err)

	require.Len(t, sink.events, 2)
	assert.False(t, sink.events[0].Cached)
	assert.True(t, sink.events[0].Success)
	assert.True(t, sink.events[1].Cached)
	assert.True(t, sink.events[1].Success)
	assert.Equal(t, "u1", sink.events[1].UserID)
}
