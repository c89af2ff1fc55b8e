package admin

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/stats"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
	"github.com/pearl-OS/messaging/internal/v1/types"
)

func testService(t *testing.T) *Service {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	port := 0
	for _, c := range mr.Port() {
		port = port*10 + int(c-'0')
	}

	cfg := &config.Config{
		Environment: config.Test,
		Connection: config.ConnectionConfig{
			Host:         mr.Host(),
			Port:         port,
			PoolSize:     2,
			DialTimeout:  time.Second,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
		},
		PubSub: config.PubSubConfig{
			MaxMessageSize: 64 * 1024,
			MaxChatLength:  2000,
			Retry: config.RetryPolicy{
				MaxRetries: 1,
				BaseDelay:  time.Millisecond,
				MaxDelay:   10 * time.Millisecond,
				Multiplier: 2,
			},
		},
	}

	registry := connection.NewRegistry(map[config.Environment]*config.Config{config.Test: cfg})
	t.Cleanup(func() { registry.CloseAll(context.Background()) })

	statsReg := stats.NewRegistry()
	pub := publisher.New(config.Test, registry, nil, cfg.PubSub, statsReg)
	sub, err := subscriber.New(context.Background(), config.Test, registry, cfg.PubSub, statsReg)
	require.NoError(t, err)
	t.Cleanup(sub.Close)

	svc := New(pub, sub, "ops@test")
	t.Cleanup(svc.Destroy)
	return svc
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendMessage(t *testing.T) {
	svc := testService(t)

	res := svc.SendMessage(context.Background(), "restart", map[string]any{"grace": "30s"})
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.MessageID)
}

func TestSendMessage_EmptyActionRejected(t *testing.T) {
	svc := testService(t)

	res := svc.SendMessage(context.Background(), "", nil)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)
}

func TestOnMessage_ExactDispatch(t *testing.T) {
	svc := testService(t)

	var restarts, others atomic.Int64
	require.NoError(t, svc.OnMessage("restart", func(ctx context.Context, msg *types.Message) {
		restarts.Add(1)
	}))
	require.NoError(t, svc.OnMessage("drain", func(ctx context.Context, msg *types.Message) {
		others.Add(1)
	}))
	assert.True(t, svc.Status().Listening)

	time.Sleep(50 * time.Millisecond)
	svc.SendMessage(context.Background(), "restart", nil)

	waitFor(t, func() bool { return restarts.Load() == 1 }, "restart handler should fire")
	assert.Equal(t, int64(0), others.Load())
}

func TestDispatch_ExactThenWildcardThenDefault(t *testing.T) {
	svc := testService(t)

	var exact, wildcard, deflt atomic.Int64
	require.NoError(t, svc.OnMessage("restart", func(ctx context.Context, msg *types.Message) {
		exact.Add(1)
	}))
	require.NoError(t, svc.OnAnyMessage(func(ctx context.Context, msg *types.Message) {
		wildcard.Add(1)
	}))
	svc.SetDefaultHandler(func(ctx context.Context, msg *types.Message) {
		deflt.Add(1)
	})

	time.Sleep(50 * time.Millisecond)
	svc.SendMessage(context.Background(), "restart", nil)

	waitFor(t, func() bool {
		return exact.Load() == 1 && wildcard.Load() == 1 && deflt.Load() == 1
	}, "all three tiers fire exactly once")

	// A message with no exact handler still hits wildcard and default.
	svc.SendMessage(context.Background(), "drain", nil)
	waitFor(t, func() bool {
		return wildcard.Load() == 2 && deflt.Load() == 2
	}, "wildcard and default fire for unmatched actions")
	assert.Equal(t, int64(1), exact.Load())
}

func TestRemoveHandler_StopsListeningWhenIdle(t *testing.T) {
	svc := testService(t)

	require.NoError(t, svc.OnMessage("restart", func(ctx context.Context, msg *types.Message) {}))
	assert.True(t, svc.Status().Listening)

	svc.RemoveHandler("restart")
	assert.False(t, svc.Status().Listening)
}

func TestRemoveHandler_KeepsListeningWithWildcard(t *testing.T) {
	svc := testService(t)

	require.NoError(t, svc.OnMessage("restart", func(ctx context.Context, msg *types.Message) {}))
	require.NoError(t, svc.OnAnyMessage(func(ctx context.Context, msg *types.Message) {}))

	svc.RemoveHandler("restart")
	assert.True(t, svc.Status().Listening)

	svc.RemoveAnyMessageHandler()
	assert.False(t, svc.Status().Listening)
}

func TestHelpers(t *testing.T) {
	svc := testService(t)

	var heard atomic.Int64
	var lastData map[string]any
	require.NoError(t, svc.OnAnyMessage(func(ctx context.Context, msg *types.Message) {
		lastData = msg.Data
		heard.Add(1)
	}))
	time.Sleep(50 * time.Millisecond)

	res := svc.SendRoomManagement(context.Background(), "close_room", "r1")
	require.True(t, res.Success)

	waitFor(t, func() bool { return heard.Load() == 1 }, "room management command heard")
	assert.Equal(t, "room", lastData["scope"])
	assert.Equal(t, "r1", lastData["roomId"])

	res = svc.SendUserManagement(context.Background(), "ban", "u9")
	require.True(t, res.Success)
	res = svc.SendServerControl(context.Background(), "drain")
	require.True(t, res.Success)

	waitFor(t, func() bool { return heard.Load() == 3 }, "all commands heard")
}

func TestDestroy(t *testing.T) {
	svc := testService(t)

	require.NoError(t, svc.OnMessage("restart", func(ctx context.Context, msg *types.Message) {}))
	svc.Destroy()

	status := svc.Status()
	assert.False(t, status.Listening)
	assert.Equal(t, 0, status.Handlers)
}
