// Package retry provides exponential backoff with jitter and a
// consecutive-failure circuit breaker for Redis operations.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/pearl-OS/messaging/internal/v1/config"
)

// Result is the outcome envelope of a retried operation.
type Result struct {
	Success   bool
	Err       error
	Attempts  int
	TotalTime time.Duration
}

// DefaultPolicy mirrors the configuration defaults.
var DefaultPolicy = config.RetryPolicy{
	MaxRetries: 3,
	BaseDelay:  100 * time.Millisecond,
	MaxDelay:   5 * time.Second,
	Multiplier: 2,
	Jitter:     true,
}

// Do runs op up to MaxRetries+1 times with exponential backoff:
// delay = min(base * multiplier^(n-1), max), optionally scaled by a
// uniform jitter in [0.5, 1.0). Context cancellation stops retrying
// immediately and is never itself retried.
func Do(ctx context.Context, op func(ctx context.Context) error, policy config.RetryPolicy) Result {
	if policy.Multiplier < 1 {
		policy = DefaultPolicy
	}

	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return Result{Success: true, Attempts: attempt, TotalTime: time.Since(start)}
		}
		cancelled := ctx.Err() != nil ||
			errors.Is(lastErr, context.Canceled) ||
			errors.Is(lastErr, context.DeadlineExceeded)
		if cancelled || attempt == policy.MaxRetries+1 {
			return Result{Err: lastErr, Attempts: attempt, TotalTime: time.Since(start)}
		}

		select {
		case <-time.After(Delay(policy, attempt)):
		case <-ctx.Done():
			return Result{Err: ctx.Err(), Attempts: attempt, TotalTime: time.Since(start)}
		}
	}

	// Unreachable: the loop always returns.
	return Result{Err: lastErr, Attempts: policy.MaxRetries + 1, TotalTime: time.Since(start)}
}

// Delay computes the backoff after a failed attempt (1-based).
// Deterministic when Jitter is off; delays are non-decreasing before
// jitter.
func Delay(policy config.RetryPolicy, attempt int) time.Duration {
	d := float64(policy.BaseDelay) * math.Pow(policy.Multiplier, float64(attempt-1))
	if limit := float64(policy.MaxDelay); policy.MaxDelay > 0 && d > limit {
		d = limit
	}
	if policy.Jitter {
		d *= 0.5 + rand.Float64()*0.5
	}
	return time.Duration(d)
}
