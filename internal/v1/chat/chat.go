// Package chat sends and receives room-scoped chat messages with
// per-user rate limiting.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/channels"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
	"github.com/pearl-OS/messaging/internal/v1/types"
	"github.com/pearl-OS/messaging/internal/v1/validation"
)

var (
	// ErrRateLimited reports a send rejected by the per-user limit.
	ErrRateLimited = errors.New("chat: rate limit exceeded")
	// ErrTooLarge reports content over the configured maximum length.
	ErrTooLarge = errors.New("chat: message exceeds maximum length")
)

// DefaultRateLimitPerMinute bounds sends per user in a tumbling
// one-minute window.
const DefaultRateLimitPerMinute = 30

// Handler processes one inbound chat message.
type Handler func(ctx context.Context, msg *types.Message)

// Config tunes the chat service.
type Config struct {
	RateLimitPerMinute int
	MaxMessageLength   int
}

// Status summarizes the service state.
type Status struct {
	JoinedRooms  []string
	Monitoring   bool
	MessagesSent int64
}

// Service is the typed facade for chat. Messages go to the room channel
// and are mirrored onto the global channel for monitoring.
type Service struct {
	pub     *publisher.Publisher
	sub     *subscriber.Subscriber
	limiter *limiter.Limiter
	maxLen  int
	tracker *metrics.Tracker

	mu        sync.Mutex
	rooms     map[string]*subscriber.Subscription
	monitor   *subscriber.Subscription
	sent      int64
	destroyed bool
}

// New wires the chat service with an in-memory per-user rate limit.
func New(pub *publisher.Publisher, sub *subscriber.Subscriber, cfg Config) *Service {
	perMinute := cfg.RateLimitPerMinute
	if perMinute <= 0 {
		perMinute = DefaultRateLimitPerMinute
	}
	maxLen := cfg.MaxMessageLength
	if maxLen <= 0 {
		maxLen = validation.DefaultMaxChatLength
	}

	rate := limiter.Rate{Period: time.Minute, Limit: int64(perMinute)}
	return &Service{
		pub:     pub,
		sub:     sub,
		limiter: limiter.New(memory.NewStore(), rate),
		maxLen:  maxLen,
		tracker: metrics.Default(),
		rooms:   make(map[string]*subscriber.Subscription),
	}
}

// SendMessage publishes one chat message to the room channel and the
// global monitoring channel. Over-limit sends fail with ErrRateLimited;
// oversized content fails with ErrTooLarge.
func (s *Service) SendMessage(ctx context.Context, roomID, userID, content string, metadata map[string]any) publisher.Result {
	res, _ := metrics.Timed(s.tracker, "chat.sendMessage", func() (publisher.Result, error) {
		if len(content) > s.maxLen {
			return publisher.Result{Err: ErrTooLarge}, ErrTooLarge
		}

		lctx, err := s.limiter.Get(ctx, userID)
		if err != nil {
			// Fail open: a broken limiter store should not silence chat.
			logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		} else if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("chat").Inc()
			return publisher.Result{Err: ErrRateLimited}, ErrRateLimited
		}

		msg := &types.Message{
			Type:     types.TypeChat,
			RoomID:   roomID,
			UserID:   userID,
			Content:  validation.SanitizeText(content),
			Metadata: metadata,
		}

		r := s.pub.Publish(ctx, channels.ChatRoomByID(roomID), msg, publisher.Options{Validate: true, Retry: true})
		if !r.Success {
			return r, r.Err
		}

		// Mirror onto the global channel; monitoring is best effort.
		msg.ID = r.MessageID
		if mres := s.pub.Publish(ctx, channels.ChatGlobal, msg, publisher.Options{}); !mres.Success {
			logging.Warn(ctx, "Failed to mirror chat to global channel", zap.Error(mres.Err))
		}

		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
		return r, nil
	})
	return res
}

// SendDirectMessage sends a chat into the deterministic direct-message
// room shared by the two users.
func (s *Service) SendDirectMessage(ctx context.Context, fromUserID, toUserID, content string) publisher.Result {
	return s.SendMessage(ctx, DirectRoomID(fromUserID, toUserID), fromUserID, content, map[string]any{
		"direct": true,
		"to":     toUserID,
	})
}

// DirectRoomID builds the canonical room id for a user pair, identical
// regardless of argument order.
func DirectRoomID(u1, u2 string) string {
	if u2 < u1 {
		u1, u2 = u2, u1
	}
	return fmt.Sprintf("dm:%s:%s", u1, u2)
}

// JoinRoom subscribes the handler to one room. Frames for other rooms
// that share the channel are filtered out by roomId.
func (s *Service) JoinRoom(roomID string, handler Handler) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("chat: service destroyed")
	}
	if _, joined := s.rooms[roomID]; joined {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.sub.Subscribe(channels.ChatRoomByID(roomID), func(ctx context.Context, msg *types.Message) error {
		if msg.Type != types.TypeChat || msg.RoomID != roomID {
			return nil
		}
		handler(ctx, msg)
		return nil
	}, subscriber.Options{Validate: true, AutoReconnect: true})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.rooms[roomID] = sub
	s.mu.Unlock()
	return nil
}

// LeaveRoom unsubscribes from one room.
func (s *Service) LeaveRoom(roomID string) error {
	s.mu.Lock()
	sub := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return s.sub.Unsubscribe(sub)
}

// MonitorAllMessages subscribes the handler to the global chat channel.
func (s *Service) MonitorAllMessages(handler Handler) error {
	s.mu.Lock()
	if s.monitor != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	sub, err := s.sub.Subscribe(channels.ChatGlobal, func(ctx context.Context, msg *types.Message) error {
		if msg.Type == types.TypeChat {
			handler(ctx, msg)
		}
		return nil
	}, subscriber.Options{Validate: true, AutoReconnect: true})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.monitor = sub
	s.mu.Unlock()
	return nil
}

// StopMonitoring drops the global subscription.
func (s *Service) StopMonitoring() error {
	s.mu.Lock()
	sub := s.monitor
	s.monitor = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	return s.sub.Unsubscribe(sub)
}

// Status reports the current service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	return Status{
		JoinedRooms:  rooms,
		Monitoring:   s.monitor != nil,
		MessagesSent: s.sent,
	}
}

// Destroy leaves every room and stops monitoring. The per-user rate-limit
// counters are kept; the limiter is not reset.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	subs := make([]*subscriber.Subscription, 0, len(s.rooms)+1)
	for _, sub := range s.rooms {
		subs = append(subs, sub)
	}
	if s.monitor != nil {
		subs = append(subs, s.monitor)
	}
	s.rooms = make(map[string]*subscriber.Subscription)
	s.monitor = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = s.sub.Unsubscribe(sub)
	}
}
