// Package retrypolicy re-executes a unit of work on retriable failure using
// exponential backoff with full jitter. It holds no state across calls and
// persists nothing; callers that need attempt bookkeeping record it
// themselves (see agentrunner, which records attempts on a taskstore.Task).
package retrypolicy

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/itsneelabh/paperflow/core"
)

// Policy configures one retry sequence.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	Jitter        float64 // in [0,1]
	Retriable     func(err error) bool
}

// DefaultPolicy is the policy used when none is configured: 3 attempts,
// 100ms initial delay doubling up to a 5s cap, jitter 0.5, and every error
// treated as retriable.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       0.5,
		Retriable:    func(err error) bool { return true },
	}
}

func (p Policy) retriable(err error) bool {
	if p.Retriable == nil {
		return true
	}
	return p.Retriable(err)
}

// delayFor returns the backoff delay before attempt k (k >= 2), per the
// spec's formula: min(initialDelay * multiplier^(k-2), maxDelay), then
// scaled by a uniform random factor in [1-jitter, 1+jitter].
func delayFor(p Policy, k int, rng *rand.Rand) time.Duration {
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(k-2))
	if max := float64(p.MaxDelay); max > 0 && base > max {
		base = max
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}
	factor := 1 - jitter + rng.Float64()*2*jitter
	return time.Duration(base * factor)
}

// Execute runs op, retrying on retriable failures up to policy.MaxAttempts
// times with exponential backoff. It returns op's result on success, the
// final failure once attempts are exhausted, or a CANCELLED error if ctx is
// done while waiting between attempts or before starting an attempt.
func Execute(ctx context.Context, policy Policy, op func(ctx context.Context, attempt int) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return core.NewFrameworkError("retrypolicy.Execute", core.KindCancelled, core.ErrCancelled)
		default:
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !policy.retriable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := delayFor(policy, attempt+1, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return core.NewFrameworkError("retrypolicy.Execute", core.KindCancelled, core.ErrCancelled)
		case <-timer.C:
		}
	}

	return lastErr
}
