package models

import (
	"time"
)

// HandlerConfig binds a (user, request_type) pair to a handler implementation.
// The pair is unique within a registry snapshot.
type HandlerConfig struct {
	HandlerClass            string            `json:"handler_class" yaml:"handler_class"`
	RequestType             string            `json:"request_type" yaml:"request_type"`
	OwnerUserID             string            `json:"owner_user_id" yaml:"owner_user_id"`
	TTLMinutes              int               `json:"ttl_minutes" yaml:"ttl_minutes"`
	Streaming               bool              `json:"streaming" yaml:"streaming"`
	DefaultResponseChannels []ChannelType     `json:"default_response_channels,omitempty" yaml:"default_response_channels"`
	Options                 map[string]any    `json:"options,omitempty" yaml:"options"`
}

// TTL returns the configured time-to-live as a duration.
func (c *HandlerConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// HandlerStateValue is the lifecycle state of a single handler invocation.
type HandlerStateValue string

// Invocation states. DONE, ERROR, TIMED_OUT, and CANCELLED are terminal.
const (
	HandlerQueued    HandlerStateValue = "QUEUED"
	HandlerRunning   HandlerStateValue = "RUNNING"
	HandlerDone      HandlerStateValue = "DONE"
	HandlerError     HandlerStateValue = "ERROR"
	HandlerTimedOut  HandlerStateValue = "TIMED_OUT"
	HandlerCancelled HandlerStateValue = "CANCELLED"
)

// Terminal reports whether the state is final.
func (v HandlerStateValue) Terminal() bool {
	switch v {
	case HandlerDone, HandlerError, HandlerTimedOut, HandlerCancelled:
		return true
	}
	return false
}

// HandlerState records one handler invocation for the recent-activity view.
// It is created at admission and mutated only by its owning actor.
type HandlerState struct {
	HandlerID     string            `json:"handler_id"`
	RequestID     string            `json:"request_id"`
	RequestType   string            `json:"request_type"`
	UserID        string            `json:"user_id"`
	HandlerClass  string            `json:"handler_class"`
	SourceChannel SourceChannel     `json:"source_channel"`
	State         HandlerStateValue `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	EndedAt       time.Time         `json:"ended_at,omitzero"`
}
