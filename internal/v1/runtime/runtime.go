// Package runtime wires the messaging components together and owns
// their lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/admin"
	"github.com/pearl-OS/messaging/internal/v1/chat"
	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/events"
	"github.com/pearl-OS/messaging/internal/v1/health"
	"github.com/pearl-OS/messaging/internal/v1/heartbeat"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/pool"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/stats"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
)

// ErrNotInitialized is returned by Start before Initialize.
var ErrNotInitialized = errors.New("runtime: start requires initialize")

// Runtime owns the registry, pool, publisher, subscriber, and the four
// domain services for one environment.
type Runtime struct {
	mu sync.Mutex

	cfg      *config.Config
	registry *connection.Registry
	pool     *pool.Pool
	pub      *publisher.Publisher
	sub      *subscriber.Subscriber
	monitor  *health.Monitor
	stats    *stats.Registry

	adminSvc     *admin.Service
	chatSvc      *chat.Service
	heartbeatSvc *heartbeat.Service
	eventsSvc    *events.Service

	initialized bool
	started     bool
}

// New returns an empty runtime; call Initialize before Start.
func New() *Runtime {
	return &Runtime{}
}

// Initialize validates the configuration and constructs the wiring that
// needs no live Redis. Calling it twice replaces the configuration only
// while stopped.
func (r *Runtime) Initialize(cfg *config.Config) error {
	if cfg == nil {
		loaded, err := config.Load(config.Development)
		if err != nil {
			return err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.New("runtime: cannot initialize while started")
	}

	r.cfg = cfg
	r.registry = connection.NewRegistry(map[config.Environment]*config.Config{cfg.Environment: cfg})
	r.pool = pool.New(r.registry, cfg.Connection.PoolSize)
	r.stats = stats.NewRegistry()
	r.pub = publisher.New(cfg.Environment, r.registry, r.pool, cfg.PubSub, r.stats)
	r.monitor = health.NewMonitor(r.registry, r.pool, cfg.Health)
	r.initialized = true
	return nil
}

// Start connects the subscriber, wires the domain services, and starts
// the health probes. Idempotent; fails before Initialize.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return ErrNotInitialized
	}
	if r.started {
		return nil
	}

	sub, err := subscriber.New(ctx, r.cfg.Environment, r.registry, r.cfg.PubSub, r.stats)
	if err != nil {
		return fmt.Errorf("runtime: subscriber: %w", err)
	}
	r.sub = sub

	r.adminSvc = admin.New(r.pub, r.sub, processIdentity())
	r.chatSvc = chat.New(r.pub, r.sub, chat.Config{
		MaxMessageLength: r.cfg.PubSub.MaxChatLength,
	})
	r.heartbeatSvc = heartbeat.New(r.pub, r.sub, heartbeat.Config{
		ProcessID: processIdentity(),
	})
	r.eventsSvc = events.New(r.pub, r.sub)

	r.monitor.StartProbes([]config.Environment{r.cfg.Environment})
	r.started = true

	logging.Info(ctx, "Messaging runtime started",
		zap.String("environment", string(r.cfg.Environment)))
	return nil
}

// Stop tears everything down in dependency order. Idempotent; every
// failure is logged and the teardown continues.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	if r.heartbeatSvc != nil {
		r.heartbeatSvc.Destroy()
	}
	if r.chatSvc != nil {
		r.chatSvc.Destroy()
	}
	if r.adminSvc != nil {
		r.adminSvc.Destroy()
	}
	if r.eventsSvc != nil {
		r.eventsSvc.Destroy()
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}
	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.registry != nil {
		r.registry.CloseAll(ctx)
	}

	r.started = false
	logging.Info(ctx, "Messaging runtime stopped")
	return nil
}

// UpdateConfig applies a mutation to a copy of the configuration,
// validates it, and swaps it in. Components pick the new settings up on
// the next Start.
func (r *Runtime) UpdateConfig(apply func(*config.Config)) error {
	if apply == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return ErrNotInitialized
	}

	next := *r.cfg
	apply(&next)
	if err := next.Validate(); err != nil {
		return err
	}
	r.cfg = &next
	return nil
}

// Config returns the active configuration.
func (r *Runtime) Config() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Started reports whether the runtime is running.
func (r *Runtime) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Publisher returns the shared publisher.
func (r *Runtime) Publisher() *publisher.Publisher { return r.pub }

// Subscriber returns the shared subscriber; nil before Start.
func (r *Runtime) Subscriber() *subscriber.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub
}

// Admin returns the admin service; nil before Start.
func (r *Runtime) Admin() *admin.Service { return r.adminSvc }

// Chat returns the chat service; nil before Start.
func (r *Runtime) Chat() *chat.Service { return r.chatSvc }

// Heartbeat returns the heartbeat service; nil before Start.
func (r *Runtime) Heartbeat() *heartbeat.Service { return r.heartbeatSvc }

// Events returns the events service; nil before Start.
func (r *Runtime) Events() *events.Service { return r.eventsSvc }

// Health returns the health monitor.
func (r *Runtime) Health() *health.Monitor { return r.monitor }

// ChannelStats returns the channel activity registry.
func (r *Runtime) ChannelStats() *stats.Registry { return r.stats }

// processIdentity builds a stable per-process identity for heartbeats
// and admin attribution.
func processIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
