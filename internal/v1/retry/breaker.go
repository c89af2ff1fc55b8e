package retry

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pearl-OS/messaging/internal/v1/metrics"
)

// ErrBreakerOpen is returned while the breaker is failing fast.
var ErrBreakerOpen = gobreaker.ErrOpenState

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	Name             string
	FailureThreshold int           // consecutive failures before tripping
	ResetTimeout     time.Duration // open -> half-open delay
}

// Breaker fails fast after FailureThreshold consecutive failures and
// self-heals through a single half-open probe after ResetTimeout.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker builds a breaker with the given settings. State transitions
// are mirrored into the circuit-breaker gauge.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.Name == "" {
		s.Name = "redis"
	}
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.ResetTimeout <= 0 {
		s.ResetTimeout = 15 * time.Second
	}

	st := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1, // single probe in half-open
		Timeout:     s.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(s.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

// Execute runs op through the breaker. While open it returns
// ErrBreakerOpen without invoking op.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	res, err := b.cb.Execute(op)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		metrics.CircuitBreakerFailures.WithLabelValues(b.cb.Name()).Inc()
		return nil, ErrBreakerOpen
	}
	return res, err
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
