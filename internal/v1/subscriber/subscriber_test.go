package subscriber

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pearl-OS/messaging/internal/v1/codec"
	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/stats"
	"github.com/pearl-OS/messaging/internal/v1/types"
)

func testSetup(t *testing.T) (*Subscriber, *connection.Registry, *miniredis.Miniredis) {
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
		PubSub: config.PubSubConfig{MaxMessageSize: 64 * 1024, MaxChatLength: 2000},
	}

	registry := connection.NewRegistry(map[config.Environment]*config.Config{config.Test: cfg})
	t.Cleanup(func() { registry.CloseAll(context.Background()) })

	sub, err := New(context.Background(), config.Test, registry, cfg.PubSub, stats.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return sub, registry, mr
}

func publishEnvelope(t *testing.T, registry *connection.Registry, channel string, msg *types.Message) {
	t.Helper()
	// Give the subscription time to become active server-side.
	time.Sleep(50 * time.Millisecond)
	client, err := registry.Client(context.Background(), config.Test)
	require.NoError(t, err)

	payload, err := codec.Marshal(msg, codec.Options{})
	require.NoError(t, err)
	require.NoError(t, client.Publish(context.Background(), channel, payload).Err())
}

func chatMsg(room string) *types.Message {
	return &types.Message{
		ID:        "m-" + room,
		Type:      types.TypeChat,
		Timestamp: time.Now().UTC().Format(types.TimestampLayout),
		RoomID:    room,
		UserID:    "u1",
		Content:   "hi",
	}
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

func TestSubscribe_ExactMatch(t *testing.T) {
	s, registry, _ := testSetup(t)

	var got atomic.Int64
	sub, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		got.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)
	assert.True(t, sub.Active())

	// Frame on the subscribed channel arrives; a sibling channel does not.
	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))
	publishEnvelope(t, registry, "chat:room:r2", chatMsg("r2"))

	waitFor(t, func() bool { return got.Load() == 1 }, "expected exactly one dispatch")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), got.Load())
	assert.Equal(t, int64(1), sub.MessageCount())
}

func TestSubscribe_PatternMatch(t *testing.T) {
	s, registry, _ := testSetup(t)

	var got atomic.Int64
	sub, err := s.Subscribe("chat:room:*", func(ctx context.Context, msg *types.Message) error {
		got.Add(1)
		return nil
	}, Options{Pattern: true})
	require.NoError(t, err)
	require.True(t, sub.IsPattern)

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))
	publishEnvelope(t, registry, "chat:room:r2", chatMsg("r2"))
	publishEnvelope(t, registry, "events:whatever", chatMsg("r3"))

	waitFor(t, func() bool { return got.Load() == 2 }, "expected two pattern dispatches")
}

func TestSubscribe_PatternAndExactCoexist(t *testing.T) {
	s, registry, _ := testSetup(t)

	var exact, pattern atomic.Int64
	_, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		exact.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)

	_, err = s.Subscribe("chat:room:*", func(ctx context.Context, msg *types.Message) error {
		pattern.Add(1)
		return nil
	}, Options{Pattern: true})
	require.NoError(t, err)

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))

	waitFor(t, func() bool { return exact.Load() == 1 && pattern.Load() == 1 },
		"both subscriptions receive their own copy")
}

func TestDispatch_HandlerRetryThenDeadLetter(t *testing.T) {
	s, registry, _ := testSetup(t)
	ctx := context.Background()

	// Watch the dead-letter channel.
	dlqClient, err := registry.NewClient(ctx, config.Test)
	require.NoError(t, err)
	defer func() { _ = dlqClient.Close() }()
	dlq := dlqClient.Subscribe(ctx, "dlq")
	defer func() { _ = dlq.Close() }()
	_, err = dlq.Receive(ctx)
	require.NoError(t, err)

	var calls atomic.Int64
	_, err = s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		calls.Add(1)
		return errors.New("handler exploded")
	}, Options{
		MaxRetries:        1,
		RetryDelay:        20 * time.Millisecond,
		DeadLetterChannel: "dlq",
	})
	require.NoError(t, err)

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))

	frame, err := dlq.ReceiveMessage(ctx)
	require.NoError(t, err)

	var dl types.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(frame.Payload), &dl))
	assert.Equal(t, "chat:room:r1", dl.OriginalChannel)
	assert.Contains(t, dl.FailureReason, "handler exploded")
	assert.NotEmpty(t, dl.OriginalMessage)
	assert.NotEmpty(t, dl.Timestamp)

	// maxRetries=1 means exactly two invocations, then one dead letter.
	assert.Equal(t, int64(2), calls.Load())

	// No second dead letter shows up.
	recvCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = dlq.ReceiveMessage(recvCtx)
	assert.Error(t, err)
}

func TestDispatch_MalformedPayloadDeadLetter(t *testing.T) {
	s, registry, _ := testSetup(t)
	ctx := context.Background()

	dlqClient, err := registry.NewClient(ctx, config.Test)
	require.NoError(t, err)
	defer func() { _ = dlqClient.Close() }()
	dlq := dlqClient.Subscribe(ctx, "dlq")
	defer func() { _ = dlq.Close() }()
	_, err = dlq.Receive(ctx)
	require.NoError(t, err)

	var calls atomic.Int64
	sub, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		calls.Add(1)
		return nil
	}, Options{Validate: true, DeadLetterChannel: "dlq"})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	client, err := registry.Client(ctx, config.Test)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, "chat:room:r1", "not json at all").Err())

	frame, err := dlq.ReceiveMessage(ctx)
	require.NoError(t, err)

	var dl types.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(frame.Payload), &dl))
	assert.Equal(t, "not json at all", dl.OriginalMessage)
	assert.Contains(t, dl.FailureReason, "deserialize")

	assert.Equal(t, int64(0), calls.Load())
	assert.Equal(t, int64(1), sub.ErrorCount())
}

func TestDispatch_ValidationFailureDeadLetter(t *testing.T) {
	s, registry, _ := testSetup(t)
	ctx := context.Background()

	dlqClient, err := registry.NewClient(ctx, config.Test)
	require.NoError(t, err)
	defer func() { _ = dlqClient.Close() }()
	dlq := dlqClient.Subscribe(ctx, "dlq")
	defer func() { _ = dlq.Close() }()
	_, err = dlq.Receive(ctx)
	require.NoError(t, err)

	var calls atomic.Int64
	_, err = s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		calls.Add(1)
		return nil
	}, Options{Validate: true, DeadLetterChannel: "dlq"})
	require.NoError(t, err)

	bad := chatMsg("r1")
	bad.Content = "" // fails chat validation
	publishEnvelope(t, registry, "chat:room:r1", bad)

	frame, err := dlq.ReceiveMessage(ctx)
	require.NoError(t, err)
	var dl types.DeadLetter
	require.NoError(t, json.Unmarshal([]byte(frame.Payload), &dl))
	assert.Contains(t, dl.FailureReason, "validate")
	assert.Equal(t, int64(0), calls.Load())
}

func TestDispatch_PanicIsContained(t *testing.T) {
	s, registry, _ := testSetup(t)

	var calls atomic.Int64
	sub, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		calls.Add(1)
		panic("boom")
	}, Options{MaxRetries: 0, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, err)

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))

	waitFor(t, func() bool { return sub.ErrorCount() == 1 }, "panic should be recorded as an error")
	assert.Equal(t, int64(1), calls.Load())

	// The worker survives and keeps dispatching.
	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))
	waitFor(t, func() bool { return calls.Load() == 2 }, "worker should survive a panic")
}

func TestUnsubscribe(t *testing.T) {
	s, registry, _ := testSetup(t)

	var got atomic.Int64
	sub, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		got.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Unsubscribe(sub))
	assert.Equal(t, StateClosed, sub.State())
	assert.Nil(t, s.GetSubscription(sub.ID))

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int64(0), got.Load())
}

func TestUnsubscribe_KeepsSiblingAlive(t *testing.T) {
	s, registry, _ := testSetup(t)

	var a, b atomic.Int64
	subA, err := s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		a.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)

	_, err = s.Subscribe("chat:room:r1", func(ctx context.Context, msg *types.Message) error {
		b.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)

	require.NoError(t, s.Unsubscribe(subA))

	publishEnvelope(t, registry, "chat:room:r1", chatMsg("r1"))
	waitFor(t, func() bool { return b.Load() == 1 }, "sibling subscription should still receive")
	assert.Equal(t, int64(0), a.Load())
}

func TestSubscribeMultiple(t *testing.T) {
	s, registry, _ := testSetup(t)

	var got atomic.Int64
	subs, err := s.SubscribeMultiple([]string{"a", "b", "c"}, func(ctx context.Context, msg *types.Message) error {
		got.Add(1)
		return nil
	}, Options{})
	require.NoError(t, err)
	require.Len(t, subs, 3)

	publishEnvelope(t, registry, "b", chatMsg("r1"))
	waitFor(t, func() bool { return got.Load() == 1 }, "multi-subscribe should deliver")
}

func TestStats(t *testing.T) {
	s, registry, _ := testSetup(t)

	_, err := s.Subscribe("a", func(ctx context.Context, msg *types.Message) error { return nil }, Options{})
	require.NoError(t, err)
	_, err = s.Subscribe("b", func(ctx context.Context, msg *types.Message) error { return errors.New("nope") }, Options{})
	require.NoError(t, err)

	publishEnvelope(t, registry, "a", chatMsg("r1"))
	publishEnvelope(t, registry, "b", chatMsg("r2"))

	waitFor(t, func() bool {
		st := s.Stats()
		return st.TotalMessages == 1 && st.TotalErrors == 1
	}, "stats should reflect dispatch outcomes")

	st := s.Stats()
	assert.Equal(t, 2, st.Subscriptions)
	assert.Equal(t, 2, st.Active)
}

func TestClose_Idempotent(t *testing.T) {
	s, _, _ := testSetup(t)

	_, err := s.Subscribe("a", func(ctx context.Context, msg *types.Message) error { return nil }, Options{})
	require.NoError(t, err)

	s.Close()
	s.Close() // second close is a no-op

	_, err = s.Subscribe("b", func(ctx context.Context, msg *types.Message) error { return nil }, Options{})
	assert.Error(t, err)
}
