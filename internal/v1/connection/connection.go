// Package connection manages one logical Redis client per environment.
package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
)

// HealthStatus is the result of a connectivity probe.
type HealthStatus struct {
	Healthy bool
	Latency time.Duration
	Err     error
}

// Registry caches one client per environment, created lazily on first
// access. It is constructed during runtime initialization and torn down
// in the shutdown sequence; there are no package-level globals.
type Registry struct {
	mu      sync.Mutex
	configs map[config.Environment]*config.Config
	clients map[config.Environment]*redis.Client
}

// NewRegistry builds a registry over the given per-environment configs.
func NewRegistry(configs map[config.Environment]*config.Config) *Registry {
	if configs == nil {
		configs = make(map[config.Environment]*config.Config)
	}
	return &Registry{
		configs: configs,
		clients: make(map[config.Environment]*redis.Client),
	}
}

// Client returns the cached client for env, creating and pinging it on
// first access. The client is only returned once the ping round-trips.
func (r *Registry) Client(ctx context.Context, env config.Environment) (*redis.Client, error) {
	r.mu.Lock()
	if client, ok := r.clients[env]; ok {
		r.mu.Unlock()
		return client, nil
	}
	cfg, ok := r.configs[env]
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("connection: no configuration for environment %q", env)
	}

	client, err := r.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Lost the race: keep the winner, close ours.
	if existing, ok := r.clients[env]; ok {
		_ = client.Close()
		return existing, nil
	}
	r.clients[env] = client
	return client, nil
}

// NewClient creates a standalone client for env, outside the registry
// cache. The pool and the subscriber use this for dedicated connections.
func (r *Registry) NewClient(ctx context.Context, env config.Environment) (*redis.Client, error) {
	r.mu.Lock()
	cfg, ok := r.configs[env]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("connection: no configuration for environment %q", env)
	}
	return r.dial(ctx, cfg)
}

func (r *Registry) dial(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opts, err := clientOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Connection.DialTimeout)
	defer cancel()

	start := time.Now()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		metrics.RedisOperationsTotal.WithLabelValues("connect", "error").Inc()
		return nil, fmt.Errorf("connection: failed to connect to Redis (%s): %w", cfg.Environment, err)
	}
	metrics.RedisOperationsTotal.WithLabelValues("connect", "ok").Inc()

	logging.Info(logging.ContextWithEnvironment(ctx, cfg.Environment), "Connected to Redis",
		zap.Duration("ping", time.Since(start)),
	)
	return client, nil
}

// clientOptions assembles go-redis options from the connection config.
// A URL takes precedence: its address and DB are used and Host, Port and
// DB are ignored; a non-empty Password overrides the URL's. Pool size,
// idle, retry and timeout settings apply in both cases.
func clientOptions(cfg *config.Config) (*redis.Options, error) {
	conn := cfg.Connection

	var opts *redis.Options
	if conn.URL != "" {
		parsed, err := redis.ParseURL(conn.URL)
		if err != nil {
			return nil, fmt.Errorf("connection: invalid Redis URL: %w", err)
		}
		opts = parsed
		if conn.Password != "" {
			opts.Password = conn.Password
		}
	} else {
		opts = &redis.Options{
			Addr:     conn.Addr(),
			Password: conn.Password,
			DB:       conn.DB,
		}
	}

	opts.PoolSize = conn.PoolSize
	opts.MinIdleConns = conn.MinIdleConns
	opts.MaxRetries = conn.MaxRetries
	opts.DialTimeout = conn.DialTimeout
	opts.ReadTimeout = conn.ReadTimeout
	opts.WriteTimeout = conn.WriteTimeout
	return opts, nil
}

// HealthStatus pings the environment's client and reports round-trip
// latency. Probe failures are swallowed into the status, never thrown.
func (r *Registry) HealthStatus(ctx context.Context, env config.Environment) HealthStatus {
	client, err := r.Client(ctx, env)
	if err != nil {
		return HealthStatus{Err: err}
	}

	start := time.Now()
	if err := client.Ping(ctx).Err(); err != nil {
		return HealthStatus{Err: err}
	}
	return HealthStatus{Healthy: true, Latency: time.Since(start)}
}

// Config returns the configuration for env, or nil if unknown.
func (r *Registry) Config(env config.Environment) *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[env]
}

// ActiveEnvironments lists the environments with a live cached client.
func (r *Registry) ActiveEnvironments() []config.Environment {
	r.mu.Lock()
	defer r.mu.Unlock()

	envs := make([]config.Environment, 0, len(r.clients))
	for env := range r.clients {
		envs = append(envs, env)
	}
	return envs
}

// CloseAll disconnects every cached client and clears the cache. Errors
// are logged and do not stop the teardown of the remaining clients.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[config.Environment]*redis.Client)
	r.mu.Unlock()

	for env, client := range clients {
		if err := client.Close(); err != nil {
			logging.Warn(ctx, "Failed to close Redis client",
				zap.String("environment", string(env)), zap.Error(err))
		}
	}
}
