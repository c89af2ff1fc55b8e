// Package metrics exposes Prometheus metrics and an in-memory operation
// tracker for the messaging runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Naming convention: namespace_subsystem_name
// - namespace: messaging (application-level grouping)
// - subsystem: publisher, subscriber, pool, circuit_breaker, rate_limit
// - name: specific metric (messages_total, operation_duration_seconds, ...)

var (
	// MessagesPublished counts publish attempts by channel type and status.
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "publisher",
		Name:      "messages_total",
		Help:      "Total messages published",
	}, []string{"channel_type", "status"})

	// PublishDuration tracks the latency of publish operations.
	PublishDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "messaging",
		Subsystem: "publisher",
		Name:      "publish_duration_seconds",
		Help:      "Duration of publish operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"channel_type"})

	// MessagesReceived counts frames dispatched to handlers.
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "subscriber",
		Name:      "messages_total",
		Help:      "Total messages received and dispatched",
	}, []string{"channel_type", "status"})

	// DeadLetters counts payloads forwarded to a dead-letter channel.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "subscriber",
		Name:      "dead_letters_total",
		Help:      "Total payloads forwarded to a dead-letter channel",
	}, []string{"reason"})

	// ActiveSubscriptions tracks the current number of live subscriptions.
	ActiveSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "messaging",
		Subsystem: "subscriber",
		Name:      "subscriptions_active",
		Help:      "Current number of active subscriptions",
	})

	// PoolConnections tracks pooled Redis clients per environment.
	PoolConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "messaging",
		Subsystem: "pool",
		Name:      "connections",
		Help:      "Pooled Redis connections by environment and state",
	}, []string{"environment", "state"})

	// RedisOperationsTotal counts raw Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "messaging",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// CircuitBreakerState tracks the breaker state.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "messaging",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures counts requests rejected by the breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded counts sends rejected by the chat rate limiter.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "messaging",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total sends rejected by the rate limiter",
	}, []string{"service"})

	// HeartbeatProcesses tracks known peer processes by health.
	HeartbeatProcesses = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "messaging",
		Subsystem: "heartbeat",
		Name:      "processes",
		Help:      "Known peer processes by health state",
	}, []string{"state"})
)
