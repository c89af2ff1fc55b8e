// Package admin fans out operational commands to every subscribed
// process and dispatches inbound commands to registered handlers.
package admin

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pearl-OS/messaging/internal/v1/channels"
	"github.com/pearl-OS/messaging/internal/v1/logging"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
	"github.com/pearl-OS/messaging/internal/v1/types"
)

// Handler processes one inbound admin message.
type Handler func(ctx context.Context, msg *types.Message)

// Status summarizes the service state.
type Status struct {
	Listening     bool
	Handlers      int
	HasWildcard   bool
	HasDefault    bool
	MessagesSent  int64
	MessagesHeard int64
}

// Service is the typed facade for administrative messaging. It shares
// one publisher and one subscriber with the rest of the runtime and
// owns its handler table.
type Service struct {
	pub      *publisher.Publisher
	sub      *subscriber.Subscriber
	identity string
	channel  string
	tracker  *metrics.Tracker

	mu        sync.Mutex
	handlers  map[string]Handler // exact action -> handler
	wildcard  Handler
	deflt     Handler
	listening *subscriber.Subscription
	sent      int64
	heard     int64
	destroyed bool
}

// New wires the admin service. identity is stamped as fromAdmin on every
// outbound command.
func New(pub *publisher.Publisher, sub *subscriber.Subscriber, identity string) *Service {
	return &Service{
		pub:      pub,
		sub:      sub,
		identity: identity,
		channel:  channels.AdminBroadcast,
		tracker:  metrics.Default(),
		handlers: make(map[string]Handler),
	}
}

// SendMessage publishes an admin command with optional data.
func (s *Service) SendMessage(ctx context.Context, action string, data map[string]any) publisher.Result {
	res, _ := metrics.Timed(s.tracker, "admin.sendMessage", func() (publisher.Result, error) {
		msg := &types.Message{
			Type:      types.TypeAdmin,
			Action:    action,
			FromAdmin: s.identity,
			Data:      data,
		}
		r := s.pub.Publish(ctx, s.channel, msg, publisher.Options{Validate: true, Retry: true})
		if r.Success {
			s.mu.Lock()
			s.sent++
			s.mu.Unlock()
		}
		return r, r.Err
	})
	return res
}

// SendServerControl fans out a server lifecycle command.
func (s *Service) SendServerControl(ctx context.Context, action string) publisher.Result {
	return s.SendMessage(ctx, action, map[string]any{"scope": "server"})
}

// SendRoomManagement fans out a room management command.
func (s *Service) SendRoomManagement(ctx context.Context, action, roomID string) publisher.Result {
	return s.SendMessage(ctx, action, map[string]any{"scope": "room", "roomId": roomID})
}

// SendUserManagement fans out a user management command.
func (s *Service) SendUserManagement(ctx context.Context, action, userID string) publisher.Result {
	return s.SendMessage(ctx, action, map[string]any{"scope": "user", "userId": userID})
}

// OnMessage registers a handler for one exact action and lazily starts
// listening on the broadcast channel.
func (s *Service) OnMessage(action string, h Handler) error {
	s.mu.Lock()
	s.handlers[action] = h
	s.mu.Unlock()
	return s.ensureListening()
}

// OnAnyMessage registers the wildcard handler invoked for every command.
func (s *Service) OnAnyMessage(h Handler) error {
	s.mu.Lock()
	s.wildcard = h
	s.mu.Unlock()
	return s.ensureListening()
}

// SetDefaultHandler registers the fallback invoked after exact and
// wildcard handlers, at most once per message.
func (s *Service) SetDefaultHandler(h Handler) {
	s.mu.Lock()
	s.deflt = h
	s.mu.Unlock()
}

// RemoveHandler drops the handler for action. Removing the last handler
// stops listening.
func (s *Service) RemoveHandler(action string) {
	s.mu.Lock()
	delete(s.handlers, action)
	s.mu.Unlock()
	s.stopIfIdle()
}

// RemoveAnyMessageHandler drops the wildcard handler.
func (s *Service) RemoveAnyMessageHandler() {
	s.mu.Lock()
	s.wildcard = nil
	s.mu.Unlock()
	s.stopIfIdle()
}

func (s *Service) ensureListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.listening != nil {
		return nil
	}

	sub, err := s.sub.Subscribe(s.channel, s.dispatch, subscriber.Options{
		Validate:      true,
		AutoReconnect: true,
	})
	if err != nil {
		return err
	}
	s.listening = sub
	return nil
}

func (s *Service) stopIfIdle() {
	s.mu.Lock()
	idle := len(s.handlers) == 0 && s.wildcard == nil
	sub := s.listening
	if idle {
		s.listening = nil
	}
	s.mu.Unlock()

	if idle && sub != nil {
		if err := s.sub.Unsubscribe(sub); err != nil {
			logging.Warn(context.Background(), "Failed to stop admin listener", zap.Error(err))
		}
	}
}

// dispatch routes one inbound command: exact action handler, then
// wildcard, then default. Each runs at most once per message.
func (s *Service) dispatch(ctx context.Context, msg *types.Message) error {
	if msg.Type != types.TypeAdmin {
		return nil
	}

	s.mu.Lock()
	exact := s.handlers[msg.Action]
	wildcard := s.wildcard
	deflt := s.deflt
	s.heard++
	s.mu.Unlock()

	if exact != nil {
		exact(ctx, msg)
	}
	if wildcard != nil {
		wildcard(ctx, msg)
	}
	if deflt != nil {
		deflt(ctx, msg)
	}
	return nil
}

// Status reports the current service state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Listening:     s.listening != nil,
		Handlers:      len(s.handlers),
		HasWildcard:   s.wildcard != nil,
		HasDefault:    s.deflt != nil,
		MessagesSent:  s.sent,
		MessagesHeard: s.heard,
	}
}

// Destroy stops listening and clears the handler table.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	sub := s.listening
	s.listening = nil
	s.handlers = make(map[string]Handler)
	s.wildcard = nil
	s.deflt = nil
	s.mu.Unlock()

	if sub != nil {
		_ = s.sub.Unsubscribe(sub)
	}
}
