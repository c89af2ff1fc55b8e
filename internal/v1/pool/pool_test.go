package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
)

func newTestPool(t *testing.T, cap int) (*Pool, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := &config.Config{
		Environment: config.Test,
		Connection: config.ConnectionConfig{
			Host:         mr.Host(),
			Port:         mustPort(t, mr),
			PoolSize:     2,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
	}
	registry := connection.NewRegistry(map[config.Environment]*config.Config{config.Test: cfg})

	p := New(registry, cap)
	t.Cleanup(p.Close)
	return p, mr
}

func mustPort(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port := 0
	for _, c := range mr.Port() {
		port = port*10 + int(c-'0')
	}
	return port
}

func TestGet_CreatesAndReuses(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := p.Get(ctx, config.Test)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Stats(config.Test).Total)
	assert.Equal(t, 1, p.Stats(config.Test).Active)

	p.Put(c1, config.Test, false)
	assert.Equal(t, 1, p.Stats(config.Test).Idle)

	c2, err := p.Get(ctx, config.Test)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, p.Stats(config.Test).Total)
	p.Put(c2, config.Test, false)
}

func TestGet_RespectsCap(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := p.Get(ctx, config.Test)
	require.NoError(t, err)
	c2, err := p.Get(ctx, config.Test)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stats(config.Test).Total)

	// Third borrow blocks until a return.
	got := make(chan *redis.Client, 1)
	go func() {
		c, err := p.Get(ctx, config.Test)
		if err == nil {
			got <- c
		}
	}()

	select {
	case <-got:
		t.Fatal("Get returned past the cap")
	case <-time.After(100 * time.Millisecond):
	}

	p.Put(c1, config.Test, false)

	select {
	case c := <-got:
		assert.Same(t, c1, c)
		p.Put(c, config.Test, false)
	case <-time.After(time.Second):
		t.Fatal("waiter starved after a return")
	}
	p.Put(c2, config.Test, false)

	// Total never exceeded the cap.
	assert.LessOrEqual(t, p.Stats(config.Test).Total, 2)
}

func TestGet_ContextCancelledWhileWaiting(t *testing.T) {
	p, _ := newTestPool(t, 1)

	c1, err := p.Get(context.Background(), config.Test)
	require.NoError(t, err)
	defer p.Put(c1, config.Test, false)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err = p.Get(ctx, config.Test)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPut_SurplusIsClosed(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := p.Get(ctx, config.Test)
	require.NoError(t, err)
	c2, err := p.Get(ctx, config.Test)
	require.NoError(t, err)

	p.Put(c1, config.Test, false)
	p.Put(c2, config.Test, false)

	stats := p.Stats(config.Test)
	assert.LessOrEqual(t, stats.Idle, p.Cap())
}

func TestPut_BrokenIsDiscarded(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	c1, err := p.Get(ctx, config.Test)
	require.NoError(t, err)

	p.Put(c1, config.Test, true)
	stats := p.Stats(config.Test)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Total)
}

func TestPool_ConcurrentBorrowReturn(t *testing.T) {
	p, _ := newTestPool(t, 4)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c, err := p.Get(ctx, config.Test)
				if err != nil {
					t.Error(err)
					return
				}
				_ = c.Ping(ctx).Err()
				p.Put(c, config.Test, false)
			}
		}()
	}
	wg.Wait()

	stats := p.Stats(config.Test)
	assert.LessOrEqual(t, stats.Total, 4)
	assert.LessOrEqual(t, stats.Idle, 4)
	assert.Equal(t, 0, stats.Active)
}

func TestClose(t *testing.T) {
	p, _ := newTestPool(t, 2)

	c, err := p.Get(context.Background(), config.Test)
	require.NoError(t, err)
	p.Put(c, config.Test, false)

	p.Close()
	_, err = p.Get(context.Background(), config.Test)
	assert.Error(t, err)
}
