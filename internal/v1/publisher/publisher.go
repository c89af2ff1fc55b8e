// Package publisher validates, serializes, and publishes messages to
// Redis channels, with batching and optional confirmation.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/channels"
	"github.com/pearl-OS/messaging/internal/v1/codec"
	"github.com/pearl-OS/messaging/internal/v1/config"
	"github.com/pearl-OS/messaging/internal/v1/connection"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/pool"
	"github.com/pearl-OS/messaging/internal/v1/retry"
	"github.com/pearl-OS/messaging/internal/v1/stats"
	"github.com/pearl-OS/messaging/internal/v1/types"
	"github.com/pearl-OS/messaging/internal/v1/validation"
)

// Options controls a single publish.
type Options struct {
	Validate bool
	Retry    bool
	TTL      time.Duration // side key expiry; zero disables
	Compress bool
}

// Result reports the outcome of one publish. Expected failures land in
// Err rather than being thrown; callers always receive a Result.
type Result struct {
	Success         bool
	MessageID       string
	SubscriberCount int64
	Retries         int
	Err             error
}

// ConfirmedResult augments Result for confirmation publishes.
type ConfirmedResult struct {
	Result
	Confirmed        bool
	ConfirmationTime time.Duration
}

// Publisher publishes messages over pooled Redis clients. It shares one
// pool with every producer in the process; the circuit breaker guards
// all Redis round-trips.
type Publisher struct {
	env       config.Environment
	registry  *connection.Registry
	pool      *pool.Pool
	validator *validation.Validator
	breaker   *retry.Breaker
	tracker   *metrics.Tracker
	stats     *stats.Registry

	pubsub config.PubSubConfig
}

// New wires a publisher. The pool is optional: without one, the shared
// registry client is used directly.
func New(env config.Environment, registry *connection.Registry, p *pool.Pool, cfg config.PubSubConfig, statsReg *stats.Registry) *Publisher {
	return &Publisher{
		env:       env,
		registry:  registry,
		pool:      p,
		validator: validation.New(cfg.MaxChatLength),
		breaker: retry.NewBreaker(retry.BreakerSettings{
			Name:             "publisher",
			FailureThreshold: 5,
			ResetTimeout:     15 * time.Second,
		}),
		tracker: metrics.Default(),
		stats:   statsReg,
		pubsub:  cfg,
	}
}

// acquire borrows a client from the pool when present, else returns the
// shared registry client. The release func must be called exactly once.
func (p *Publisher) acquire(ctx context.Context) (*redis.Client, func(broken bool), error) {
	if p.pool != nil {
		client, err := p.pool.Get(ctx, p.env)
		if err != nil {
			return nil, nil, err
		}
		return client, func(broken bool) { p.pool.Put(client, p.env, broken) }, nil
	}

	client, err := p.registry.Client(ctx, p.env)
	if err != nil {
		return nil, nil, err
	}
	return client, func(bool) {}, nil
}

// Publish validates, envelopes, and publishes one message. The returned
// Result carries the subscriber count Redis reported.
func (p *Publisher) Publish(ctx context.Context, channel string, msg *types.Message, opts Options) Result {
	res, _ := metrics.Timed(p.tracker, "publisher.publish", func() (Result, error) {
		r := p.publish(ctx, channel, msg, opts)
		return r, r.Err
	})
	return res
}

func (p *Publisher) publish(ctx context.Context, channel string, msg *types.Message, opts Options) Result {
	start := time.Now()
	channelType := string(channels.Parse(channel).Type)

	if err := channels.Validate(channel); err != nil {
		metrics.MessagesPublished.WithLabelValues(channelType, "invalid").Inc()
		return Result{Err: err}
	}

	env := p.prepare(msg)
	if opts.Validate {
		if err := p.validator.Validate(env); err != nil {
			metrics.MessagesPublished.WithLabelValues(channelType, "invalid").Inc()
			if p.stats != nil {
				p.stats.Record(channel, stats.Error)
			}
			return Result{MessageID: env.ID, Err: err}
		}
	}

	payload, err := codec.Marshal(env, codec.Options{
		Compress:  opts.Compress && p.pubsub.CompressionEnabled,
		Threshold: p.pubsub.CompressionThreshold,
	})
	if err != nil {
		metrics.MessagesPublished.WithLabelValues(channelType, "invalid").Inc()
		return Result{MessageID: env.ID, Err: err}
	}
	if len(payload) > p.pubsub.MaxMessageSize {
		metrics.MessagesPublished.WithLabelValues(channelType, "too_large").Inc()
		return Result{MessageID: env.ID, Err: fmt.Errorf("publisher: payload exceeds %d bytes (got %d)", p.pubsub.MaxMessageSize, len(payload))}
	}

	client, release, err := p.acquire(ctx)
	if err != nil {
		return Result{MessageID: env.ID, Err: err}
	}

	var count int64
	broken := false
	op := func(ctx context.Context) error {
		res, execErr := p.breaker.Execute(func() (any, error) {
			return client.Publish(ctx, channel, payload).Result()
		})
		if execErr != nil {
			return execErr
		}
		count = res.(int64)
		return nil
	}

	attempts := 1
	if opts.Retry {
		r := retry.Do(ctx, op, p.pubsub.Retry)
		attempts = r.Attempts
		err = r.Err
	} else {
		err = op(ctx)
	}

	if err != nil {
		broken = !errors.Is(err, retry.ErrBreakerOpen)
		release(broken)
		metrics.MessagesPublished.WithLabelValues(channelType, "error").Inc()
		if p.stats != nil {
			p.stats.Record(channel, stats.Error)
		}
		logging.Error(ctx, "Publish failed",
			zap.String("channel", channel), zap.Error(err))
		return Result{MessageID: env.ID, Retries: attempts - 1, Err: err}
	}

	if opts.TTL > 0 {
		// Side key convention: consumers may inspect it, the runtime
		// attaches no behavior to its expiry.
		key := fmt.Sprintf("ttl:%s:%s", channel, env.ID)
		if ttlErr := client.Set(ctx, key, env.ID, opts.TTL).Err(); ttlErr != nil {
			logging.Warn(ctx, "Failed to write TTL side key",
				zap.String("key", key), zap.Error(ttlErr))
		}
	}
	release(false)

	metrics.MessagesPublished.WithLabelValues(channelType, "ok").Inc()
	metrics.PublishDuration.WithLabelValues(channelType).Observe(time.Since(start).Seconds())
	if p.stats != nil {
		p.stats.Record(channel, stats.MessageSent)
	}

	return Result{
		Success:         true,
		MessageID:       env.ID,
		SubscriberCount: count,
		Retries:         attempts - 1,
	}
}

// prepare copies the message and stamps id and timestamp at publish time.
func (p *Publisher) prepare(msg *types.Message) *types.Message {
	env := &types.Message{}
	if msg != nil {
		*env = *msg
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Timestamp = time.Now().UTC().Format(types.TimestampLayout)
	return env
}

// BatchEntry pairs a channel with a message for batch publishing.
type BatchEntry struct {
	Channel string
	Message *types.Message
}

// PublishBatch publishes every entry through a single pipeline,
// preserving caller order. Best effort: a bad entry records its failure
// and does not abort the rest.
func (p *Publisher) PublishBatch(ctx context.Context, entries []BatchEntry, opts Options) []Result {
	results := make([]Result, len(entries))
	payloads := make([]string, len(entries))
	include := make([]bool, len(entries))

	for i, entry := range entries {
		env := p.prepare(entry.Message)
		results[i] = Result{MessageID: env.ID}

		if err := channels.Validate(entry.Channel); err != nil {
			results[i].Err = err
			continue
		}
		if opts.Validate {
			if err := p.validator.Validate(env); err != nil {
				results[i].Err = err
				continue
			}
		}
		payload, err := codec.Marshal(env, codec.Options{
			Compress:  opts.Compress && p.pubsub.CompressionEnabled,
			Threshold: p.pubsub.CompressionThreshold,
		})
		if err != nil {
			results[i].Err = err
			continue
		}
		payloads[i] = payload
		include[i] = true
	}

	client, release, err := p.acquire(ctx)
	if err != nil {
		for i := range results {
			if include[i] {
				results[i].Err = err
			}
		}
		return results
	}

	pipe := client.Pipeline()
	cmds := make([]*redis.IntCmd, len(entries))
	for i := range entries {
		if include[i] {
			cmds[i] = pipe.Publish(ctx, entries[i].Channel, payloads[i])
		}
	}

	// Exec returns the first command error; per-command results are
	// mapped back individually below.
	_, execErr := p.breaker.Execute(func() (any, error) {
		return pipe.Exec(ctx)
	})
	release(execErr != nil && !errors.Is(execErr, retry.ErrBreakerOpen))

	breakerOpen := errors.Is(execErr, retry.ErrBreakerOpen)
	for i := range entries {
		if !include[i] {
			continue
		}
		channelType := string(channels.Parse(entries[i].Channel).Type)
		if breakerOpen || cmds[i] == nil || cmds[i].Err() != nil {
			if breakerOpen || cmds[i] == nil {
				results[i].Err = execErr
			} else {
				results[i].Err = cmds[i].Err()
			}
			metrics.MessagesPublished.WithLabelValues(channelType, "error").Inc()
			if p.stats != nil {
				p.stats.Record(entries[i].Channel, stats.Error)
			}
			continue
		}
		results[i].Success = true
		results[i].SubscriberCount = cmds[i].Val()
		metrics.MessagesPublished.WithLabelValues(channelType, "ok").Inc()
		if p.stats != nil {
			p.stats.Record(entries[i].Channel, stats.MessageSent)
		}
	}
	return results
}

// PublishWithConfirmation publishes and then waits on confirmChannel for
// a confirmation whose messageId matches, up to timeout. A dedicated
// short-lived subscription is used and released on every exit path; one
// timer covers success, timeout, and error alike.
func (p *Publisher) PublishWithConfirmation(ctx context.Context, channel string, msg *types.Message, confirmChannel string, timeout time.Duration, opts Options) ConfirmedResult {
	if err := channels.Validate(confirmChannel); err != nil {
		return ConfirmedResult{Result: Result{Err: err}}
	}

	// Subscribe before publishing so the confirmation cannot race past us.
	confirmClient, err := p.registry.NewClient(ctx, p.env)
	if err != nil {
		return ConfirmedResult{Result: Result{Err: err}}
	}
	sub := confirmClient.Subscribe(ctx, confirmChannel)
	defer func() {
		_ = sub.Close()
		_ = confirmClient.Close()
	}()

	// Wait for the subscription to be live before the publish goes out.
	if _, err := sub.Receive(ctx); err != nil {
		return ConfirmedResult{Result: Result{Err: err}}
	}

	res := p.Publish(ctx, channel, msg, opts)
	if !res.Success {
		return ConfirmedResult{Result: res}
	}

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ConfirmedResult{Result: res}
		case <-deadline.C:
			return ConfirmedResult{Result: res}
		case frame, ok := <-ch:
			if !ok {
				return ConfirmedResult{Result: res}
			}
			conf, parseErr := codec.Unmarshal(frame.Payload)
			var messageID string
			if parseErr == nil {
				if v, ok := conf.Data["messageId"].(string); ok {
					messageID = v
				} else {
					messageID = conf.ID
				}
			} else {
				// Bare confirmations ({"messageId": "..."}) are accepted too.
				messageID = bareConfirmationID(frame.Payload)
			}
			if messageID == res.MessageID {
				return ConfirmedResult{
					Result:           res,
					Confirmed:        true,
					ConfirmationTime: time.Since(start),
				}
			}
		}
	}
}
