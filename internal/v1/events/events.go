// Package events publishes typed domain events and dispatches them to
// pattern-matched handlers.
package events

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/pearl-OS/messaging/internal/v1/channels"
	"github.com/pearl-OS/messaging/internal/v1/metrics"
	"github.com/pearl-OS/messaging/internal/v1/publisher"
	"github.com/pearl-OS/messaging/internal/v1/subscriber"
	"github.com/pearl-OS/messaging/internal/v1/types"
)

// Handler processes one inbound event.
type Handler func(ctx context.Context, msg *types.Message)

// Status summarizes the service state.
type Status struct {
	Listening  bool
	Patterns   int
	HasDefault bool
	Filters    int
	Published  int64
	Dispatched int64
}

type registration struct {
	pattern string
	handler Handler
}

// Service is the typed facade for domain events.
type Service struct {
	pub     *publisher.Publisher
	sub     *subscriber.Subscriber
	tracker *metrics.Tracker

	mu         sync.Mutex
	regs       []registration
	deflt      Handler
	filters    map[string]struct{} // allowed event types; empty = all
	listening  *subscriber.Subscription
	published  int64
	dispatched int64
	destroyed  bool
}

// New wires the events service.
func New(pub *publisher.Publisher, sub *subscriber.Subscriber) *Service {
	return &Service{
		pub:     pub,
		sub:     sub,
		tracker: metrics.Default(),
		filters: make(map[string]struct{}),
	}
}

// Matches implements the event pattern grammar:
//
//	"*"         matches every event type
//	"prefix.*"  matches event types starting with "prefix."
//	"*.suffix"  matches event types ending with ".suffix"
//	anything else is an exact match
func Matches(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		return strings.HasPrefix(eventType, strings.TrimSuffix(pattern, "*"))
	case strings.HasPrefix(pattern, "*."):
		return strings.HasSuffix(eventType, strings.TrimPrefix(pattern, "*"))
	default:
		return pattern == eventType
	}
}

// Publish emits one event on the system events channel.
func (s *Service) Publish(ctx context.Context, eventType string, data map[string]any) publisher.Result {
	res, _ := metrics.Timed(s.tracker, "events.publish", func() (publisher.Result, error) {
		msg := &types.Message{
			Type:      types.TypeEvent,
			EventType: eventType,
			Data:      data,
		}
		r := s.pub.Publish(ctx, channels.SystemEvents, msg, publisher.Options{Validate: true, Retry: true})
		if r.Success {
			s.mu.Lock()
			s.published++
			s.mu.Unlock()
		}
		return r, r.Err
	})
	return res
}

// PublishUserEvent emits "user.<verb>" with the user id attached.
func (s *Service) PublishUserEvent(ctx context.Context, verb, userID string, data map[string]any) publisher.Result {
	return s.Publish(ctx, "user."+verb, withField(data, "userId", userID))
}

// PublishRoomEvent emits "room.<verb>" with the room id attached.
func (s *Service) PublishRoomEvent(ctx context.Context, verb, roomID string, data map[string]any) publisher.Result {
	return s.Publish(ctx, "room."+verb, withField(data, "roomId", roomID))
}

// PublishSystemEvent emits "system.<verb>".
func (s *Service) PublishSystemEvent(ctx context.Context, verb string, data map[string]any) publisher.Result {
	return s.Publish(ctx, "system."+verb, data)
}

// PublishErrorEvent serializes an error (name, message, and stack when
// the error carries one) plus caller context into "system.error".
func (s *Service) PublishErrorEvent(ctx context.Context, err error, callerContext map[string]any) publisher.Result {
	data := map[string]any{
		"name":    fmt.Sprintf("%T", err),
		"message": err.Error(),
	}
	type stackTracer interface{ StackTrace() string }
	if st, ok := err.(stackTracer); ok {
		data["stack"] = st.StackTrace()
	}
	if len(callerContext) > 0 {
		data["context"] = callerContext
	}
	return s.Publish(ctx, "system.error", data)
}

func withField(data map[string]any, key, value string) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}

// OnEvent registers a handler for a pattern and lazily starts listening.
func (s *Service) OnEvent(pattern string, h Handler) error {
	s.mu.Lock()
	s.regs = append(s.regs, registration{pattern: pattern, handler: h})
	s.mu.Unlock()
	return s.ensureListening()
}

// SetDefaultHandler registers the fallback invoked at most once per
// event, after the pattern handlers.
func (s *Service) SetDefaultHandler(h Handler) error {
	s.mu.Lock()
	s.deflt = h
	s.mu.Unlock()
	return s.ensureListening()
}

// SetEventFilters restricts dispatch to the given event types. An empty
// list removes the restriction.
func (s *Service) SetEventFilters(eventTypes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = make(map[string]struct{}, len(eventTypes))
	for _, et := range eventTypes {
		s.filters[et] = struct{}{}
	}
}

// RemoveEventHandlers drops every handler for the given pattern.
// Removing the last registration stops listening.
func (s *Service) RemoveEventHandlers(pattern string) {
	s.mu.Lock()
	kept := s.regs[:0]
	for _, reg := range s.regs {
		if reg.pattern != pattern {
			kept = append(kept, reg)
		}
	}
	s.regs = kept
	idle := len(s.regs) == 0 && s.deflt == nil
	sub := s.listening
	if idle {
		s.listening = nil
	}
	s.mu.Unlock()

	if idle && sub != nil {
		_ = s.sub.Unsubscribe(sub)
	}
}

func (s *Service) ensureListening() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.listening != nil {
		return nil
	}

	sub, err := s.sub.Subscribe(channels.SystemEvents, s.dispatch, subscriber.Options{
		Validate:      true,
		AutoReconnect: true,
	})
	if err != nil {
		return err
	}
	s.listening = sub
	return nil
}

// dispatch invokes every matching handler once (deduplicated by handler
// identity), then the default handler at most once. Event filters
// short-circuit unmatched event types.
func (s *Service) dispatch(ctx context.Context, msg *types.Message) error {
	if msg.Type != types.TypeEvent {
		return nil
	}

	s.mu.Lock()
	if len(s.filters) > 0 {
		if _, ok := s.filters[msg.EventType]; !ok {
			s.mu.Unlock()
			return nil
		}
	}
	var matched []Handler
	seen := make(map[uintptr]struct{})
	for _, reg := range s.regs {
		if !Matches(reg.pattern, msg.EventType) {
			continue
		}
		key := reflect.ValueOf(reg.handler).Pointer()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		matched = append(matched, reg.handler)
	}
	deflt := s.deflt
	s.dispatched++
	s.mu.Unlock()

	for _, h := range matched {
		h(ctx, msg)
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
		Listening:  s.listening != nil,
		Patterns:   len(s.regs),
		HasDefault: s.deflt != nil,
		Filters:    len(s.filters),
		Published:  s.published,
		Dispatched: s.dispatched,
	}
}

// Destroy stops listening and clears handlers and filters.
func (s *Service) Destroy() {
	s.mu.Lock()
	s.destroyed = true
	sub := s.listening
	s.listening = nil
	s.regs = nil
	s.deflt = nil
	s.filters = make(map[string]struct{})
	s.mu.Unlock()

	if sub != nil {
		_ = s.sub.Unsubscribe(sub)
	}
}
