// Package types defines the shared message model for the messaging runtime.
package types

import (
	"time"
)

// MessageType discriminates the four domain message kinds.
type MessageType string

const (
	TypeAdmin     MessageType = "admin"
	TypeChat      MessageType = "chat"
	TypeHeartbeat MessageType = "heartbeat"
	TypeEvent     MessageType = "event"
)

// Valid reports whether t names a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeAdmin, TypeChat, TypeHeartbeat, TypeEvent:
		return true
	}
	return false
}

// TimestampLayout is the wire format for message timestamps.
const TimestampLayout = time.RFC3339Nano

// EnvelopeVersion is stamped on every serialized message. Parsers must
// accept unknown optional fields so the envelope can roll forward.
const EnvelopeVersion = "1"

// Message is the wire envelope shared by every domain message. A single
// flat struct carries the union of per-type fields; validation enforces
// which ones are required for each type.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Timestamp string      `json:"timestamp"`

	// Envelope fields added by the serializer.
	SerializedAt string `json:"serializedAt,omitempty"`
	Version      string `json:"version,omitempty"`

	// Admin fields.
	Action    string `json:"action,omitempty"`
	FromAdmin string `json:"fromAdmin,omitempty"`

	// Chat fields.
	RoomID  string `json:"roomId,omitempty"`
	UserID  string `json:"userId,omitempty"`
	Content string `json:"content,omitempty"`

	// Heartbeat fields.
	ProcessID string `json:"processId,omitempty"`
	Status    string `json:"status,omitempty"`

	// Event fields.
	EventType string `json:"eventType,omitempty"`

	Data     map[string]any `json:"data,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ParsedTimestamp returns the message timestamp as a time.Time, or the
// zero time if it does not parse.
func (m *Message) ParsedTimestamp() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, m.Timestamp); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// DeadLetter is the envelope forwarded to a dead-letter channel when a
// payload cannot be processed.
type DeadLetter struct {
	OriginalChannel string `json:"originalChannel"`
	OriginalMessage string `json:"originalMessage"`
	FailureReason   string `json:"failureReason"`
	Timestamp       string `json:"timestamp"`
}

// ProcessStatus tracks the liveness of one peer process, maintained by
// the heartbeat listener.
type ProcessStatus struct {
	ProcessID string         `json:"processId"`
	Status    string         `json:"status"`
	LastSeen  time.Time      `json:"lastSeen"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Confirmation is published on a confirmation channel to acknowledge a
// message by id.
type Confirmation struct {
	MessageID string `json:"messageId"`
}
