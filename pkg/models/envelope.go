package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageEnvelope is the transport-neutral carrier handed to publishers.
// MessageID is stable across publish retries so downstreams can dedupe;
// delivery is at-least-once.
type MessageEnvelope struct {
	MessageID   string            `json:"message_id"`
	Timestamp   time.Time         `json:"timestamp"`
	ContentType string            `json:"content_type"`
	Headers     map[string]string `json:"headers,omitempty"`
	Payload     []byte            `json:"payload"`
}

// NewEnvelope wraps a payload in a fresh envelope with a minted message id.
func NewEnvelope(contentType string, payload []byte) *MessageEnvelope {
	if contentType == "" {
		contentType = "application/json"
	}
	return &MessageEnvelope{
		MessageID:   uuid.New().String(),
		Timestamp:   time.Now(),
		ContentType: contentType,
		Payload:     payload,
	}
}

// EnvelopeForResponse marshals a DGResponse into an envelope, carrying the
// request id as a header for consumer-side dedup and Kafka keying.
func EnvelopeForResponse(resp *DGResponse) (*MessageEnvelope, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshaling response %s: %w", resp.RequestID, err)
	}
	env := NewEnvelope("application/json", data)
	env.Headers = map[string]string{"request_id": resp.RequestID}
	return env, nil
}
