// Package validation performs structural checks and sanitization for
// messages before they are published or dispatched.
package validation

import (
	"fmt"
	"regexp"
	"time"

	"github.com/pearl-OS/messaging/internal/v1/types"
)

// DefaultMaxChatLength bounds chat content when the caller does not
// configure a limit.
const DefaultMaxChatLength = 2000

// Error reports a structural violation in a message. It is never
// retryable; the offending message must be fixed by the producer.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) *Error {
	return &Error{Field: field, Reason: reason}
}

// Validator checks messages against per-type rules.
type Validator struct {
	MaxChatLength int
}

// New returns a Validator with the given chat length bound, or the
// default when maxChatLength is zero.
func New(maxChatLength int) *Validator {
	if maxChatLength <= 0 {
		maxChatLength = DefaultMaxChatLength
	}
	return &Validator{MaxChatLength: maxChatLength}
}

var eventTypeRe = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9_]+)+$`)

// Validate runs the base checks and dispatches to the type-specific ones.
func (v *Validator) Validate(msg *types.Message) error {
	if msg == nil {
		return invalid("message", "is nil")
	}
	if msg.ID == "" {
		return invalid("id", "is required")
	}
	if !msg.Type.Valid() {
		return invalid("type", fmt.Sprintf("%q is not a known message type", msg.Type))
	}
	if msg.Timestamp == "" {
		return invalid("timestamp", "is required")
	}
	if msg.ParsedTimestamp().IsZero() {
		return invalid("timestamp", fmt.Sprintf("%q does not parse as a date", msg.Timestamp))
	}

	switch msg.Type {
	case types.TypeAdmin:
		return v.validateAdmin(msg)
	case types.TypeChat:
		return v.validateChat(msg)
	case types.TypeHeartbeat:
		return v.validateHeartbeat(msg)
	case types.TypeEvent:
		return v.validateEvent(msg)
	}
	return nil
}

func (v *Validator) validateAdmin(msg *types.Message) error {
	if msg.Action == "" {
		return invalid("action", "is required")
	}
	if msg.FromAdmin == "" {
		return invalid("fromAdmin", "is required")
	}
	return nil
}

func (v *Validator) validateChat(msg *types.Message) error {
	if msg.RoomID == "" {
		return invalid("roomId", "is required")
	}
	if msg.UserID == "" {
		return invalid("userId", "is required")
	}
	if msg.Content == "" {
		return invalid("content", "is required")
	}
	if len(msg.Content) > v.MaxChatLength {
		return invalid("content", fmt.Sprintf("exceeds %d characters (got %d)", v.MaxChatLength, len(msg.Content)))
	}
	return nil
}

func (v *Validator) validateHeartbeat(msg *types.Message) error {
	if msg.ProcessID == "" {
		return invalid("processId", "is required")
	}
	if msg.Status == "" {
		return invalid("status", "is required")
	}
	return nil
}

func (v *Validator) validateEvent(msg *types.Message) error {
	if msg.EventType == "" {
		return invalid("eventType", "is required")
	}
	if !eventTypeRe.MatchString(msg.EventType) {
		return invalid("eventType", fmt.Sprintf("%q is not a dotted namespace", msg.EventType))
	}
	return nil
}

var (
	scriptTagRe    = regexp.MustCompile(`(?is)<script.*?>.*?</script>`)
	angleBracketRe = regexp.MustCompile(`[<>]`)
)

// SanitizeText strips script tags and angle brackets from free text.
// Idempotent: sanitizing sanitized text is a no-op.
func SanitizeText(s string) string {
	s = scriptTagRe.ReplaceAllString(s, "")
	return angleBracketRe.ReplaceAllString(s, "")
}

// Sanitize cleans the free-text fields of a message in place and fills a
// missing timestamp. Returns the same message for chaining.
func Sanitize(msg *types.Message) *types.Message {
	if msg == nil {
		return nil
	}
	msg.Content = SanitizeText(msg.Content)
	msg.Action = SanitizeText(msg.Action)
	msg.Status = SanitizeText(msg.Status)
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(types.TimestampLayout)
	}
	return msg
}
