// Package subscriber owns a dedicated Redis client in subscription mode
// and dispatches inbound frames to registered handlers.
//
// Each subscription gets its own worker goroutine fed by a bounded
// queue: handlers for different subscriptions run independently, while
// retries for one subscription stay serialized and in order.
package subscriber

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/codec"
	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/stats"
	"github.com/pearl-OS/messaging/internal/v1/types"
	"github.com/pearl-OS/messaging/internal/v1/validation"
)

// Handler processes one dispatched message.
type Handler func(ctx context.Context, msg *types.Message) error

// Options controls one subscription.
type Options struct {
	Pattern           bool
	AutoReconnect     bool
	MaxRetries        int
	RetryDelay        time.Duration
	Validate          bool
	DeadLetterChannel string
}

// DefaultRetryDelay spaces handler retries when none is configured.
const DefaultRetryDelay = 100 * time.Millisecond

// queueSize bounds the per-subscription frame queue. A full queue drops
// the frame rather than stalling dispatch for every other subscription.
const queueSize = 256

// State tracks the subscription lifecycle. Only closed is terminal.
type State string

const (
	StateCreating State = "creating"
	StateActive   State = "active"
	StateBroken   State = "broken"
	StateClosed   State = "closed"
)

type frame struct {
	channel string
	payload string
}

// Subscription is one live association of a channel or pattern with a
// handler. Owned exclusively by the subscriber.
type Subscription struct {
	ID        string
	Channel   string // original channel or pattern, used to unsubscribe
	IsPattern bool
	CreatedAt time.Time

	handler Handler
	opts    Options
	queue   chan frame

	mu           sync.Mutex
	state        State
	messageCount int64
	errorCount   int64
	lastActivity time.Time
}

// Active reports whether the subscription is currently receiving.
func (s *Subscription) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateActive
}

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// MessageCount returns the number of successfully handled messages.
func (s *Subscription) MessageCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// ErrorCount returns the number of failures recorded for this subscription.
func (s *Subscription) ErrorCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorCount
}

// LastActivity returns the time of the most recent handled message.
func (s *Subscription) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Subscription) recordSuccess() {
	s.mu.Lock()
	s.messageCount++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Subscription) recordError() {
	s.mu.Lock()
	s.errorCount++
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Stats summarizes the subscriber's dispatch activity.
type Stats struct {
	Subscriptions  int
	Active         int
	TotalMessages  int64
	TotalErrors    int64
	DroppedFrames  int64
	ReconnectCount int64
}

// Subscriber multiplexes any number of subscriptions over one dedicated
// Redis client. The client is used exclusively for subscription
// commands; dead-letter publishes go through a separate command client.
type Subscriber struct {
	env       config.Environment
	registry  *connection.Registry
	client    *redis.Client // subscription mode only
	cmdClient *redis.Client // dead-letter publishes
	pubsub    *redis.PubSub
	validator *validation.Validator
	stats     *stats.Registry

	maxReconnectAttempts int
	reconnectDelay       time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool

	dropped    atomic.Int64
	reconnects atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a subscriber with its dedicated client. The read loop
// starts on the first subscription.
func New(ctx context.Context, env config.Environment, registry *connection.Registry, cfg config.PubSubConfig, statsReg *stats.Registry) (*Subscriber, error) {
	client, err := registry.NewClient(ctx, env)
	if err != nil {
		return nil, err
	}
	cmdClient, err := registry.NewClient(ctx, env)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		env:                  env,
		registry:             registry,
		client:               client,
		cmdClient:            cmdClient,
		validator:            validation.New(cfg.MaxChatLength),
		stats:                statsReg,
		maxReconnectAttempts: 10,
		reconnectDelay:       time.Second,
		subs:                 make(map[string]*Subscription),
		ctx:                  runCtx,
		cancel:               cancel,
	}, nil
}

// Subscribe registers a handler for a channel (or pattern) and issues
// the Redis subscription. The returned record starts in the creating
// state and becomes active once the subscribe succeeds; with
// AutoReconnect a failed subscribe is retried after RetryDelay.
func (s *Subscriber) Subscribe(channel string, handler Handler, opts Options) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("subscriber: handler is required")
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		Channel:   channel,
		IsPattern: opts.Pattern,
		CreatedAt: time.Now(),
		handler:   handler,
		opts:      opts,
		queue:     make(chan frame, queueSize),
		state:     StateCreating,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscriber: closed")
	}
	s.ensurePubSubLocked()
	s.subs[sub.ID] = sub
	s.mu.Unlock()

	s.wg.Add(1)
	go s.worker(sub)

	if err := s.issueSubscribe(sub); err != nil {
		if !opts.AutoReconnect {
			s.removeSubscription(sub)
			return nil, err
		}
		time.AfterFunc(opts.RetryDelay, func() { s.retrySubscribe(sub, 1) })
		return sub, nil
	}

	sub.setState(StateActive)
	metrics.ActiveSubscriptions.Inc()
	if s.stats != nil {
		s.stats.Record(channel, stats.SubscriberAdded)
	}
	return sub, nil
}

// SubscribeMultiple registers the same handler and options across
// several channels, returning one subscription per channel.
func (s *Subscriber) SubscribeMultiple(channelNames []string, handler Handler, opts Options) ([]*Subscription, error) {
	subs := make([]*Subscription, 0, len(channelNames))
	for _, ch := range channelNames {
		sub, err := s.Subscribe(ch, handler, opts)
		if err != nil {
			return subs, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// ensurePubSubLocked lazily creates the PubSub and starts the read loop.
func (s *Subscriber) ensurePubSubLocked() {
	if s.pubsub != nil {
		return
	}
	s.pubsub = s.client.Subscribe(s.ctx)
	s.wg.Add(1)
	go s.readLoop(s.pubsub)
}

func (s *Subscriber) issueSubscribe(sub *Subscription) error {
	s.mu.Lock()
	ps := s.pubsub
	s.mu.Unlock()
	if ps == nil {
		return fmt.Errorf("subscriber: not connected")
	}
	if sub.IsPattern {
		return ps.PSubscribe(s.ctx, sub.Channel)
	}
	return ps.Subscribe(s.ctx, sub.Channel)
}

func (s *Subscriber) retrySubscribe(sub *Subscription, attempt int) {
	if sub.State() == StateClosed || s.ctx.Err() != nil {
		return
	}
	if err := s.issueSubscribe(sub); err != nil {
		if attempt >= s.maxReconnectAttempts {
			logging.Error(s.ctx, "Giving up on subscription after max attempts",
				zap.String("channel", sub.Channel), zap.Int("attempts", attempt))
			sub.setState(StateBroken)
			return
		}
		time.AfterFunc(sub.opts.RetryDelay, func() { s.retrySubscribe(sub, attempt+1) })
		return
	}
	sub.setState(StateActive)
	metrics.ActiveSubscriptions.Inc()
	if s.stats != nil {
		s.stats.Record(sub.Channel, stats.SubscriberAdded)
	}
}

// readLoop drains the shared PubSub and fans frames out to the matching
// subscription queues. It never blocks on a slow handler.
func (s *Subscriber) readLoop(ps *redis.PubSub) {
	defer s.wg.Done()

	ch := ps.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.onConnectionLoss()
				return
			}
			s.dispatch(msg)
		}
	}
}

// dispatch finds the subscriptions matching the frame: exact channel
// equality for plain subscriptions, pattern equality for pattern ones
// (Redis reports the original pattern on pmessage frames).
func (s *Subscriber) dispatch(msg *redis.Message) {
	// Enqueues happen under the subscriber lock so an Unsubscribe cannot
	// close a queue mid-send. Sends never block: a full queue drops the
	// frame instead of stalling every other subscription.
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range s.subs {
		if !sub.Active() {
			continue
		}
		match := false
		if sub.IsPattern {
			match = msg.Pattern != "" && sub.Channel == msg.Pattern
		} else {
			match = msg.Pattern == "" && sub.Channel == msg.Channel
		}
		if !match {
			continue
		}

		select {
		case sub.queue <- frame{channel: msg.Channel, payload: msg.Payload}:
		default:
			s.dropped.Add(1)
			sub.recordError()
			logging.Warn(s.ctx, "Subscription queue full, dropping frame",
				zap.String("channel", sub.Channel))
		}
	}
}

// worker processes one subscription's frames sequentially, so a retried
// message is never reordered past a later frame for the same
// subscription.
func (s *Subscriber) worker(sub *Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-sub.queue:
			if !ok {
				return
			}
			s.process(sub, f)
		}
	}
}

func (s *Subscriber) process(sub *Subscription, f frame) {
	// Every log line and handler call below carries the channel.
	ctx := logging.ContextWithChannel(s.ctx, f.channel)

	msg, err := codec.Unmarshal(f.payload)
	if err != nil {
		if sub.opts.Validate {
			sub.recordError()
			if s.stats != nil {
				s.stats.Record(f.channel, stats.Error)
			}
			s.deadLetter(ctx, sub, f, fmt.Sprintf("deserialize: %v", err))
		} else {
			logging.Warn(ctx, "Dropping malformed payload", zap.Error(err))
		}
		return
	}

	if sub.opts.Validate {
		if err := s.validator.Validate(msg); err != nil {
			sub.recordError()
			if s.stats != nil {
				s.stats.Record(f.channel, stats.Error)
			}
			s.deadLetter(ctx, sub, f, fmt.Sprintf("validate: %v", err))
			return
		}
	}

	// Invoke the handler, retrying in place up to MaxRetries before the
	// payload is dead-lettered.
	for attempt := 0; ; attempt++ {
		err := s.invoke(ctx, sub, msg)
		if err == nil {
			sub.recordSuccess()
			metrics.MessagesReceived.WithLabelValues(f.channel, "ok").Inc()
			if s.stats != nil {
				s.stats.Record(f.channel, stats.MessageReceived)
			}
			return
		}

		sub.recordError()
		metrics.MessagesReceived.WithLabelValues(f.channel, "handler_error").Inc()
		if s.stats != nil {
			s.stats.Record(f.channel, stats.Error)
		}

		if attempt >= sub.opts.MaxRetries {
			s.deadLetter(ctx, sub, f, fmt.Sprintf("handler: %v", err))
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case <-time.After(sub.opts.RetryDelay):
		}
	}
}

// invoke runs the handler, converting panics into errors so a bad
// handler never kills the worker.
func (s *Subscriber) invoke(ctx context.Context, sub *Subscription, msg *types.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, msg)
}

// deadLetter forwards an unprocessable payload with failure metadata.
// Dead-letter publishes are never retried; failures are logged.
func (s *Subscriber) deadLetter(ctx context.Context, sub *Subscription, f frame, reason string) {
	if sub.opts.DeadLetterChannel == "" {
		return
	}

	dl := types.DeadLetter{
		OriginalChannel: f.channel,
		OriginalMessage: f.payload,
		FailureReason:   reason,
		Timestamp:       time.Now().UTC().Format(types.TimestampLayout),
	}
	payload, err := json.Marshal(dl)
	if err != nil {
		logging.Error(ctx, "Failed to encode dead letter", zap.Error(err))
		return
	}

	if err := s.cmdClient.Publish(ctx, sub.opts.DeadLetterChannel, payload).Err(); err != nil {
		logging.Error(ctx, "Dead-letter publish failed",
			zap.String("dead_letter_channel", sub.opts.DeadLetterChannel), zap.Error(err))
		return
	}
	metrics.DeadLetters.WithLabelValues(reasonLabel(reason)).Inc()
}

func reasonLabel(reason string) string {
	for i := 0; i < len(reason); i++ {
		if reason[i] == ':' {
			return reason[:i]
		}
	}
	return "other"
}

// onConnectionLoss marks every subscription inactive and rebuilds the
// PubSub, resubscribing the ones that opted into AutoReconnect.
func (s *Subscriber) onConnectionLoss() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pubsub = nil
	var toRestore []*Subscription
	for _, sub := range s.subs {
		if sub.State() == StateActive {
			sub.setState(StateBroken)
			metrics.ActiveSubscriptions.Dec()
		}
		if sub.opts.AutoReconnect {
			toRestore = append(toRestore, sub)
		}
	}
	s.mu.Unlock()

	logging.Warn(s.ctx, "Subscriber connection lost",
		zap.Int("subscriptions", len(toRestore)))

	if len(toRestore) == 0 {
		return
	}

	for attempt := 1; attempt <= s.maxReconnectAttempts; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}

		if err := s.client.Ping(s.ctx).Err(); err != nil {
			continue
		}

		s.mu.Lock()
		s.ensurePubSubLocked()
		s.mu.Unlock()

		restored := 0
		for _, sub := range toRestore {
			if sub.State() == StateClosed {
				continue
			}
			if err := s.issueSubscribe(sub); err != nil {
				continue
			}
			sub.setState(StateActive)
			metrics.ActiveSubscriptions.Inc()
			restored++
		}
		s.reconnects.Add(1)
		logging.Info(s.ctx, "Subscriber reconnected",
			zap.Int("restored", restored), zap.Int("attempt", attempt))
		return
	}

	logging.Error(s.ctx, "Subscriber reconnect attempts exhausted",
		zap.Int("max_attempts", s.maxReconnectAttempts))
}

// Unsubscribe tears down one subscription, using the original pattern
// for pattern subscriptions so the Redis bookkeeping stays symmetric.
func (s *Subscriber) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	return s.remove(sub, true)
}

// UnsubscribeByID tears down the subscription with the given id.
func (s *Subscriber) UnsubscribeByID(id string) error {
	s.mu.Lock()
	sub := s.subs[id]
	s.mu.Unlock()
	if sub == nil {
		return fmt.Errorf("subscriber: unknown subscription %q", id)
	}
	return s.remove(sub, true)
}

// UnsubscribeAll tears down every subscription.
func (s *Subscriber) UnsubscribeAll() {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		_ = s.remove(sub, true)
	}
}

func (s *Subscriber) remove(sub *Subscription, issueRedis bool) error {
	wasActive := sub.Active()

	s.mu.Lock()
	sub.mu.Lock()
	if sub.state == StateClosed {
		sub.mu.Unlock()
		s.mu.Unlock()
		return nil
	}
	sub.state = StateClosed
	sub.mu.Unlock()
	close(sub.queue)
	delete(s.subs, sub.ID)

	// Only drop the Redis subscription when no sibling still uses the
	// same channel or pattern.
	lastUser := true
	for _, other := range s.subs {
		if other.Channel == sub.Channel && other.IsPattern == sub.IsPattern {
			lastUser = false
			break
		}
	}
	ps := s.pubsub
	s.mu.Unlock()

	var err error
	if issueRedis && lastUser && ps != nil {
		if sub.IsPattern {
			err = ps.PUnsubscribe(s.ctx, sub.Channel)
		} else {
			err = ps.Unsubscribe(s.ctx, sub.Channel)
		}
	}

	if wasActive {
		metrics.ActiveSubscriptions.Dec()
	}
	if s.stats != nil {
		s.stats.Record(sub.Channel, stats.SubscriberRemoved)
	}
	return err
}

func (s *Subscriber) removeSubscription(sub *Subscription) {
	_ = s.remove(sub, false)
}

// GetSubscription returns the subscription with the given id, or nil.
func (s *Subscriber) GetSubscription(id string) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id]
}

// ActiveSubscriptions lists the subscriptions currently receiving.
func (s *Subscriber) ActiveSubscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Active() {
			out = append(out, sub)
		}
	}
	return out
}

// Stats summarizes dispatch activity across all subscriptions.
func (s *Subscriber) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Subscriptions:  len(s.subs),
		DroppedFrames:  s.dropped.Load(),
		ReconnectCount: s.reconnects.Load(),
	}
	for _, sub := range s.subs {
		if sub.Active() {
			st.Active++
		}
		st.TotalMessages += sub.MessageCount()
		st.TotalErrors += sub.ErrorCount()
	}
	return st
}

// Close stops dispatch, tears down every subscription, and releases both
// clients. Errors are logged; shutdown always completes.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ps := s.pubsub
	s.pubsub = nil
	s.mu.Unlock()

	s.UnsubscribeAll()
	s.cancel()
	if ps != nil {
		_ = ps.Close()
	}
	s.wg.Wait()

	if err := s.client.Close(); err != nil {
		logging.Warn(context.Background(), "Failed to close subscriber client", zap.Error(err))
	}
	if err := s.cmdClient.Close(); err != nil {
		logging.Warn(context.Background(), "Failed to close subscriber command client", zap.Error(err))
	}
}
