package connection

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearl-OS/messaging/internal/v1/config"
)

func testConfig(t *testing.T, addr string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Environment: config.Test,
		Connection: config.ConnectionConfig{
			Host:         "localhost",
			Port:         6379,
			PoolSize:     2,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
	}
	if addr != "" {
		host, port, found := splitAddr(addr)
		require.True(t, found)
		cfg.Connection.Host = host
		cfg.Connection.Port = port
	}
	return cfg
}

func splitAddr(addr string) (string, int, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			port := 0
			for _, c := range addr[i+1:] {
				port = port*10 + int(c-'0')
			}
			return addr[:i], port, true
		}
	}
	return "", 0, false
}

func newTestRegistry(t *testing.T) (*Registry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	reg := NewRegistry(map[config.Environment]*config.Config{
		config.Test: testConfig(t, mr.Addr()),
	})
	return reg, mr
}

func TestClient_LazyCreateAndCache(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.CloseAll(context.Background())

	assert.Empty(t, reg.ActiveEnvironments())

	c1, err := reg.Client(context.Background(), config.Test)
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := reg.Client(context.Background(), config.Test)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	assert.Equal(t, []config.Environment{config.Test}, reg.ActiveEnvironments())
}

func TestClient_UnknownEnvironment(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.CloseAll(context.Background())

	_, err := reg.Client(context.Background(), config.Production)
	assert.Error(t, err)
}

func TestClient_ConnectFailure(t *testing.T) {
	cfg := testConfig(t, "localhost:1") // nothing listens here
	reg := NewRegistry(map[config.Environment]*config.Config{config.Test: cfg})

	_, err := reg.Client(context.Background(), config.Test)
	assert.Error(t, err)
	assert.Empty(t, reg.ActiveEnvironments())
}

func TestNewClient_Dedicated(t *testing.T) {
	reg, _ := newTestRegistry(t)
	defer reg.CloseAll(context.Background())

	c1, err := reg.NewClient(context.Background(), config.Test)
	require.NoError(t, err)
	defer func() { _ = c1.Close() }()

	c2, err := reg.NewClient(context.Background(), config.Test)
	require.NoError(t, err)
	defer func() { _ = c2.Close() }()

	assert.NotSame(t, c1, c2)
	// Dedicated clients do not populate the cache.
	assert.Empty(t, reg.ActiveEnvironments())
}

func TestHealthStatus(t *testing.T) {
	reg, mr := newTestRegistry(t)
	defer reg.CloseAll(context.Background())

	status := reg.HealthStatus(context.Background(), config.Test)
	assert.True(t, status.Healthy)
	assert.NoError(t, status.Err)
	assert.Greater(t, status.Latency, time.Duration(0))

	mr.Close()
	status = reg.HealthStatus(context.Background(), config.Test)
	assert.False(t, status.Healthy)
	assert.Error(t, status.Err)
}

func TestCloseAll(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Client(context.Background(), config.Test)
	require.NoError(t, err)

	reg.CloseAll(context.Background())
	assert.Empty(t, reg.ActiveEnvironments())
}

func TestClientOptions_URLPrecedence(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Connection.URL = "redis://user:pw@example.com:6380/2"
	cfg.Connection.Password = "override"

	opts, err := clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "example.com:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, "override", opts.Password)
	assert.Equal(t, cfg.Connection.PoolSize, opts.PoolSize)
}

func TestClientOptions_HostPort(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Connection.Host = "redis.internal"
	cfg.Connection.Port = 6380
	cfg.Connection.DB = 4

	opts, err := clientOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Equal(t, 4, opts.DB)
}
