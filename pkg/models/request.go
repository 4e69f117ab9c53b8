// Package models defines the wire-level and in-memory data model shared by
// the engine, transports, and API layers.
package models

import (
	"encoding/json"
	"time"
)

// SourceChannel identifies the ingress transport a request arrived on.
type SourceChannel string

// Ingress channels.
const (
	SourceHTTP      SourceChannel = "HTTP"
	SourceWebSocket SourceChannel = "WebSocket"
	SourceKafka     SourceChannel = "Kafka"
	SourceActiveMQ  SourceChannel = "ActiveMQ"
	SourceRabbitMQ  SourceChannel = "RabbitMQ"
)

// ChannelType identifies an egress channel for responses and streaming updates.
type ChannelType string

// Egress channels.
const (
	ChannelWebSocket ChannelType = "WebSocket"
	ChannelKafka     ChannelType = "Kafka"
	ChannelActiveMQ  ChannelType = "ActiveMQ"
	ChannelRabbitMQ  ChannelType = "RabbitMQ"
)

// DGRequest is the typed request envelope accepted from every ingress surface.
//
// RequestID may be caller-assigned; ingress layers assign one when absent.
// ResolvedUserID is stamped by the engine after API-key resolution and is
// never trusted from the wire.
type DGRequest struct {
	RequestID      string            `json:"request_id"`
	RequestType    string            `json:"request_type"`
	APIKey         string            `json:"api_key,omitempty"`
	Payload        map[string]any    `json:"payload,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	SourceChannel  SourceChannel     `json:"source_channel,omitempty"`
	ResolvedUserID string            `json:"resolved_user_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at,omitzero"`
}

// SetHeader stores a header value, allocating the map on first use.
// Ingress layers use it to preserve unmapped inbound fields.
func (r *DGRequest) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(map[string]string)
	}
	r.Headers[key] = value
}

// requestWireKeys are the mapped DGRequest fields. Anything else on an
// inbound request is preserved as a header rather than dropped.
var requestWireKeys = map[string]struct{}{
	"request_id":       {},
	"request_type":     {},
	"api_key":          {},
	"payload":          {},
	"headers":          {},
	"source_channel":   {},
	"resolved_user_id": {},
	"created_at":       {},
}

// DecodeRequest unmarshals an inbound request, tolerating unknown fields:
// unmapped keys are folded into Headers. Non-string values keep their JSON
// encoding. Keys already present as headers are not overwritten.
func DecodeRequest(data []byte) (*DGRequest, error) {
	var req DGRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	for key, val := range raw {
		if _, mapped := requestWireKeys[key]; mapped {
			continue
		}
		if _, exists := req.Headers[key]; exists {
			continue
		}
		var s string
		if err := json.Unmarshal(val, &s); err != nil {
			s = string(val)
		}
		req.SetHeader(key, s)
	}
	return &req, nil
}
