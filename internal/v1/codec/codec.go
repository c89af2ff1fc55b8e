// Package codec serializes messages into the wire envelope and back.
//
// The wire format is a single UTF-8 JSON object. When compression is
// negotiated and the payload exceeds the threshold, the JSON is gzipped,
// base64-encoded, and prefixed with the "gzip:" marker; the subscriber
// mirrors the transformation.
package codec

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pearl-OS/messaging/internal/v1/types"
)

const compressionMarker = "gzip:"

// DefaultCompressionThreshold is the payload size, in bytes, above which
// compression kicks in when enabled.
const DefaultCompressionThreshold = 4 * 1024

var (
	// ErrMalformedEnvelope reports a payload that is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("codec: payload is not a valid envelope")
	// ErrMissingFields reports an envelope without type or timestamp.
	ErrMissingFields = errors.New("codec: envelope missing required fields")
)

// Options controls serialization behavior.
type Options struct {
	Compress  bool
	Threshold int // bytes; DefaultCompressionThreshold when zero
}

// Marshal stamps the envelope fields and encodes the message. The input
// is not mutated.
func Marshal(msg *types.Message, opts Options) (string, error) {
	env := *msg
	env.SerializedAt = time.Now().UTC().Format(types.TimestampLayout)
	env.Version = types.EnvelopeVersion

	data, err := json.Marshal(&env)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultCompressionThreshold
	}

	if opts.Compress && len(data) > threshold {
		return compress(data)
	}
	return string(data), nil
}

// Unmarshal decodes a wire payload into an envelope. It fails with
// ErrMalformedEnvelope when the payload does not parse, and with
// ErrMissingFields when type or timestamp is absent. Unknown fields are
// tolerated so newer envelope versions keep flowing.
func Unmarshal(payload string) (*types.Message, error) {
	data, err := maybeDecompress(payload)
	if err != nil {
		return nil, err
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if msg.Type == "" || msg.Timestamp == "" {
		return nil, ErrMissingFields
	}
	return &msg, nil
}

// UnmarshalSafe decodes a wire payload, returning the raw payload string
// instead of an error when it does not parse. Debugging paths use this to
// inspect poison messages without losing them.
func UnmarshalSafe(payload string) (*types.Message, string) {
	msg, err := Unmarshal(payload)
	if err != nil {
		return nil, payload
	}
	return msg, ""
}

func compress(data []byte) (string, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return "", fmt.Errorf("codec: compress: %w", err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("codec: compress: %w", err)
	}
	return compressionMarker + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func maybeDecompress(payload string) ([]byte, error) {
	if !strings.HasPrefix(payload, compressionMarker) {
		return []byte(payload), nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(payload, compressionMarker))
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrMalformedEnvelope, err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip: %v", ErrMalformedEnvelope, err)
	}
	defer func() { _ = gz.Close() }()

	data, err := io.ReadAll(gz)
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip: %v", ErrMalformedEnvelope, err)
	}
	return data, nil
}
