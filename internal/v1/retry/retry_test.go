package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearl-OS/messaging/internal/v1/config"
)

func fastPolicy() config.RetryPolicy {
	return config.RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   10 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	res := Do(context.Background(), func(ctx context.Context) error { return nil }, fastPolicy())

	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
}

func TestDo_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}

	res := Do(context.Background(), op, fastPolicy())
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		return errors.New("always")
	}

	policy := fastPolicy()
	res := Do(context.Background(), op, policy)

	assert.False(t, res.Success)
	assert.Equal(t, policy.MaxRetries+1, res.Attempts)
	assert.Equal(t, policy.MaxRetries+1, calls)
	assert.EqualError(t, res.Err, "always")
}

func TestDo_NeverRetriesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	op := func(ctx context.Context) error {
		calls++
		cancel()
		return ctx.Err()
	}

	res := Do(ctx, op, fastPolicy())
	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
}

func TestDelay_NonDecreasingBeforeJitter(t *testing.T) {
	policy := config.RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := Delay(policy, attempt)
		assert.GreaterOrEqual(t, d, prev)
		assert.LessOrEqual(t, d, policy.MaxDelay)
		prev = d
	}

	assert.Equal(t, 100*time.Millisecond, Delay(policy, 1))
	assert.Equal(t, 200*time.Millisecond, Delay(policy, 2))
	assert.Equal(t, time.Second, Delay(policy, 6))
}

func TestDelay_JitterBounds(t *testing.T) {
	policy := config.RetryPolicy{
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   time.Second,
		Multiplier: 2,
		Jitter:     true,
	}

	for i := 0; i < 100; i++ {
		d := Delay(policy, 1)
		assert.GreaterOrEqual(t, d, 50*time.Millisecond)
		assert.Less(t, d, 100*time.Millisecond)
	}
}

func TestBreaker_TripsAtThreshold(t *testing.T) {
	b := NewBreaker(BreakerSettings{
		Name:             "test-trip",
		FailureThreshold: 3,
		ResetTimeout:     50 * time.Millisecond,
	})

	fail := func() (any, error) { return nil, errors.New("down") }

	// Exactly threshold consecutive failures move CLOSED -> OPEN.
	for i := 0; i < 2; i++ {
		_, err := b.Execute(fail)
		assert.EqualError(t, err, "down")
		assert.Equal(t, gobreaker.StateClosed, b.State())
	}
	_, err := b.Execute(fail)
	assert.EqualError(t, err, "down")
	assert.Equal(t, gobreaker.StateOpen, b.State())

	// While OPEN, calls fail fast without running the op.
	ran := false
	_, err = b.Execute(func() (any, error) { ran = true; return nil, nil })
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, ran)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerSettings{
		Name:             "test-recovery",
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})

	fail := func() (any, error) { return nil, errors.New("down") }
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(fail)
	}
	require.Equal(t, gobreaker.StateOpen, b.State())

	// After the reset timeout the next call runs; one success closes.
	time.Sleep(40 * time.Millisecond)
	res, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerSettings{
		Name:             "test-reopen",
		FailureThreshold: 2,
		ResetTimeout:     30 * time.Millisecond,
	})

	fail := func() (any, error) { return nil, errors.New("down") }
	for i := 0; i < 2; i++ {
		_, _ = b.Execute(fail)
	}

	time.Sleep(40 * time.Millisecond)
	_, err := b.Execute(fail)
	assert.EqualError(t, err, "down")
	assert.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewBreaker(BreakerSettings{
		Name:             "test-reset",
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
	})

	fail := func() (any, error) { return nil, errors.New("down") }
	ok := func() (any, error) { return nil, nil }

	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	_, _ = b.Execute(ok) // resets the consecutive counter
	_, _ = b.Execute(fail)
	_, _ = b.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	_, _ = b.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, b.State())
}
