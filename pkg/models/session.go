package models

import (
	"time"
)

// SessionStatus is the lifecycle status of a streaming session.
type SessionStatus string

// Session statuses. STOPPED and FAILED are terminal.
const (
	SessionStarting SessionStatus = "STARTING"
	SessionActive   SessionStatus = "ACTIVE"
	SessionPaused   SessionStatus = "PAUSED"
	SessionStopping SessionStatus = "STOPPING"
	SessionStopped  SessionStatus = "STOPPED"
	SessionFailed   SessionStatus = "FAILED"
)

// Terminal reports whether the session status is final.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionFailed
}

// StreamingSession tracks one long-lived producer emitting updates under a
// single session_id. While the status is STARTING, ACTIVE, or PAUSED there is
// exactly one producer and one mailbox for the session.
type StreamingSession struct {
	SessionID        string        `json:"session_id"`
	HandlerID        string        `json:"handler_id"`
	RequestID        string        `json:"request_id"`
	UserID           string        `json:"user_id"`
	HandlerType      string        `json:"handler_type"`
	Status           SessionStatus `json:"status"`
	TTLMinutes       int           `json:"ttl_minutes"`
	StartedAt        time.Time     `json:"started_at"`
	LastUpdateAt     time.Time     `json:"last_update_at"`
	ResponseChannels []ChannelType `json:"response_channels"`
	UpdateCount      int64         `json:"update_count"`
}

// TTL returns the session time-to-live as a duration.
func (s *StreamingSession) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// Expired reports whether the session idle time exceeds its TTL at now.
func (s *StreamingSession) Expired(now time.Time) bool {
	return now.Sub(s.LastUpdateAt) > s.TTL()
}
