// Package pool keeps a bounded set of reusable Redis clients per
// environment for command (non-subscription) traffic.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
)

// DefaultCap is the per-environment connection cap when none is
// configured. The configured cap never exceeds 100.
const DefaultCap = 10

// retryWait is how long an oversubscribed Get sleeps before rechecking
// the idle list. Every Put makes an idle client visible to the next
// check, so waiters cannot starve.
const retryWait = 50 * time.Millisecond

// Stats describes one environment's pool occupancy.
type Stats struct {
	Environment config.Environment
	Active      int // leased out
	Idle        int
	Total       int
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

type envPool struct {
	idle       []*redis.Client
	total      int // idle + leased
	createdAt  time.Time
	lastUsedAt time.Time
}

// Pool hands out Redis clients with borrow/return semantics. Borrowing
// past the cap blocks until a client is returned; returns past the cap
// close the client instead of keeping it.
type Pool struct {
	registry *connection.Registry
	cap      int

	mu   sync.Mutex
	envs map[config.Environment]*envPool

	closed bool
}

// New builds a pool over the registry. cap <= 0 selects DefaultCap;
// values above 100 are rejected at config validation, not here.
func New(registry *connection.Registry, cap int) *Pool {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Pool{
		registry: registry,
		cap:      cap,
		envs:     make(map[config.Environment]*envPool),
	}
}

func (p *Pool) env(env config.Environment) *envPool {
	ep, ok := p.envs[env]
	if !ok {
		ep = &envPool{createdAt: time.Now()}
		p.envs[env] = ep
	}
	return ep
}

// Get borrows a client for env: an idle one when available, a fresh one
// below the cap, otherwise it waits for a return. The context bounds the
// wait.
func (p *Pool) Get(ctx context.Context, env config.Environment) (*redis.Client, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: closed")
		}

		ep := p.env(env)
		if n := len(ep.idle); n > 0 {
			client := ep.idle[n-1]
			ep.idle = ep.idle[:n-1]
			ep.lastUsedAt = time.Now()
			p.mu.Unlock()
			metrics.PoolConnections.WithLabelValues(string(env), "idle").Dec()
			metrics.PoolConnections.WithLabelValues(string(env), "leased").Inc()
			return client, nil
		}

		if ep.total < p.cap {
			ep.total++ // reserve the slot before dialing
			ep.lastUsedAt = time.Now()
			p.mu.Unlock()

			client, err := p.registry.NewClient(ctx, env)
			if err != nil {
				p.mu.Lock()
				ep.total--
				p.mu.Unlock()
				return nil, err
			}
			metrics.PoolConnections.WithLabelValues(string(env), "leased").Inc()
			return client, nil
		}
		p.mu.Unlock()

		// Oversubscribed: wait briefly and retry.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryWait):
		}
	}
}

// Put returns a client to env's idle list, or closes it when the list is
// at capacity, the pool is closed, or the client is broken.
func (p *Pool) Put(client *redis.Client, env config.Environment, broken bool) {
	if client == nil {
		return
	}

	p.mu.Lock()
	ep := p.env(env)
	keep := !broken && !p.closed && len(ep.idle) < p.cap
	if keep {
		ep.idle = append(ep.idle, client)
	} else if ep.total > 0 {
		ep.total--
	}
	ep.lastUsedAt = time.Now()
	p.mu.Unlock()

	metrics.PoolConnections.WithLabelValues(string(env), "leased").Dec()
	if keep {
		metrics.PoolConnections.WithLabelValues(string(env), "idle").Inc()
		return
	}
	if err := client.Close(); err != nil {
		logging.Warn(context.Background(), "Failed to close surplus pooled client",
			zap.String("environment", string(env)), zap.Error(err))
	}
}

// Stats reports occupancy for env.
func (p *Pool) Stats(env config.Environment) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	ep, ok := p.envs[env]
	if !ok {
		return Stats{Environment: env}
	}
	return Stats{
		Environment: env,
		Active:      ep.total - len(ep.idle),
		Idle:        len(ep.idle),
		Total:       ep.total,
		CreatedAt:   ep.createdAt,
		LastUsedAt:  ep.lastUsedAt,
	}
}

// Cap returns the configured per-environment cap.
func (p *Pool) Cap() int {
	return p.cap
}

// Close disconnects every idle client and marks the pool closed. Leased
// clients are closed as they are returned.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var clients []*redis.Client
	for _, ep := range p.envs {
		clients = append(clients, ep.idle...)
		ep.total -= len(ep.idle)
		ep.idle = nil
	}
	p.mu.Unlock()

	for _, client := range clients {
		_ = client.Close()
	}
}
