// Package config resolves per-environment Redis messaging settings.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies one of the supported deployment targets.
type Environment string

const (
	Development Environment = "development"
	Test        Environment = "test"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Environments lists every supported environment.
var Environments = []Environment{Development, Test, Staging, Production}

// Valid reports whether e names a known environment.
func (e Environment) Valid() bool {
	switch e {
	case Development, Test, Staging, Production:
		return true
	}
	return false
}

// ConnectionConfig describes how to reach a single Redis instance.
type ConnectionConfig struct {
	// URL takes precedence over Host/Port when set (redis:// or rediss://).
	URL      string
	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns the host:port form used by the Redis client when no URL is set.
func (c ConnectionConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetryPolicy controls backoff behavior for retried operations.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// PubSubConfig holds messaging-level settings layered on the connection.
type PubSubConfig struct {
	DefaultTTL           time.Duration
	MaxMessageSize       int
	MaxChatLength        int
	CompressionEnabled   bool
	CompressionThreshold int
	Retry                RetryPolicy
}

// HealthConfig controls the background health prober.
type HealthConfig struct {
	ProbeInterval          time.Duration
	ProbeTimeout           time.Duration
	MaxConsecutiveFailures int
}

// MetricsConfig controls in-memory operation tracking.
type MetricsConfig struct {
	Enabled        bool
	SampleInterval time.Duration
	Retention      int
}

// Config is the complete, validated configuration for one environment.
type Config struct {
	Environment Environment
	Connection  ConnectionConfig
	PubSub      PubSubConfig
	Health      HealthConfig
	Metrics     MetricsConfig
}

// Load builds the configuration for env: environment defaults layered
// with REDIS_* variable overrides, then validated. Invalid configuration
// fails here, never later.
func Load(env Environment) (*Config, error) {
	if !env.Valid() {
		return nil, fmt.Errorf("config: unknown environment %q", env)
	}

	cfg := defaults(env)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logValidatedConfig(cfg)
	return cfg, nil
}

func defaults(env Environment) *Config {
	cfg := &Config{
		Environment: env,
		Connection: ConnectionConfig{
			Host:         "localhost",
			Port:         6379,
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  10 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		PubSub: PubSubConfig{
			DefaultTTL:           time.Hour,
			MaxMessageSize:       64 * 1024,
			MaxChatLength:        2000,
			CompressionEnabled:   false,
			CompressionThreshold: 4 * 1024,
			Retry: RetryPolicy{
				MaxRetries: 3,
				BaseDelay:  100 * time.Millisecond,
				MaxDelay:   5 * time.Second,
				Multiplier: 2,
				Jitter:     true,
			},
		},
		Health: HealthConfig{
			ProbeInterval:          30 * time.Second,
			ProbeTimeout:           5 * time.Second,
			MaxConsecutiveFailures: 3,
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			SampleInterval: time.Minute,
			Retention:      1000,
		},
	}

	switch env {
	case Test:
		cfg.Connection.DB = 1
		cfg.Connection.PoolSize = 2
		cfg.Health.ProbeInterval = time.Second
		cfg.Metrics.Enabled = false
	case Staging:
		cfg.PubSub.CompressionEnabled = true
	case Production:
		cfg.Connection.PoolSize = 20
		cfg.Connection.MinIdleConns = 5
		cfg.PubSub.CompressionEnabled = true
	}

	return cfg
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Connection.URL = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Connection.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Connection.Port = port
		} else {
			slog.Warn("REDIS_PORT is not a number, ignoring", "value", v)
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Connection.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Connection.DB = db
		} else {
			slog.Warn("REDIS_DB is not a number, ignoring", "value", v)
		}
	}
	if v := os.Getenv("REDIS_POOL_SIZE"); v != "" {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Connection.PoolSize = size
		} else {
			slog.Warn("REDIS_POOL_SIZE is not a number, ignoring", "value", v)
		}
	}
}

// Validate checks the assembled configuration and returns every problem
// found, joined into a single error.
func (c *Config) Validate() error {
	var errs []string

	if !c.Environment.Valid() {
		errs = append(errs, fmt.Sprintf("unknown environment %q", c.Environment))
	}

	conn := c.Connection
	if conn.URL == "" {
		if conn.Host == "" || conn.Port == 0 {
			errs = append(errs, "either URL or host+port is required")
		} else if conn.Port < 1 || conn.Port > 65535 {
			errs = append(errs, fmt.Sprintf("port must be between 1 and 65535 (got %d)", conn.Port))
		}
	} else if !strings.HasPrefix(conn.URL, "redis://") && !strings.HasPrefix(conn.URL, "rediss://") {
		errs = append(errs, fmt.Sprintf("URL must use redis:// or rediss:// scheme (got %q)", conn.URL))
	}

	if conn.PoolSize < 1 || conn.PoolSize > 100 {
		errs = append(errs, fmt.Sprintf("pool size must be between 1 and 100 (got %d)", conn.PoolSize))
	}
	if conn.DB < 0 || conn.DB > 15 {
		errs = append(errs, fmt.Sprintf("db must be between 0 and 15 (got %d)", conn.DB))
	}

	if c.Environment == Production && conn.URL != "" && conn.Password == "" && !urlIsLocal(conn.URL) && !urlHasPassword(conn.URL) {
		errs = append(errs, "production requires a password for non-localhost Redis")
	}

	if c.PubSub.MaxMessageSize < 1 {
		errs = append(errs, "max message size must be positive")
	}
	if c.PubSub.Retry.MaxRetries < 0 {
		errs = append(errs, "retry max retries must be non-negative")
	}
	if c.PubSub.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Sprintf("retry multiplier must be >= 1 (got %g)", c.PubSub.Retry.Multiplier))
	}
	if c.Health.ProbeInterval <= 0 {
		errs = append(errs, "health probe interval must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// urlIsLocal reports whether a Redis URL points at localhost.
func urlIsLocal(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// urlHasPassword reports whether the URL carries credentials in userinfo.
func urlHasPassword(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return false
	}
	_, ok := u.User.Password()
	return ok
}

func logValidatedConfig(cfg *Config) {
	slog.Info("Messaging configuration validated",
		"environment", cfg.Environment,
		"url", redactURL(cfg.Connection.URL),
		"addr", cfg.Connection.Addr(),
		"db", cfg.Connection.DB,
		"pool_size", cfg.Connection.PoolSize,
		"compression", cfg.PubSub.CompressionEnabled,
		"password", redactSecret(cfg.Connection.Password),
	)
}

// redactSecret redacts a secret, showing only whether it is set.
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// redactURL strips userinfo from a Redis URL before logging.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
