package models

import (
	"time"
)

// ResponseStatus is the lifecycle status carried by a DGResponse.
type ResponseStatus string

// Response statuses. SUCCESS, ERROR, TIMEOUT, and STREAMING_COMPLETE are
// terminal: they end the lifecycle of their request_id.
const (
	StatusSuccess           ResponseStatus = "SUCCESS"
	StatusError             ResponseStatus = "ERROR"
	StatusTimeout           ResponseStatus = "TIMEOUT"
	StatusStreamingStarted  ResponseStatus = "STREAMING_STARTED"
	StatusStreamingUpdate   ResponseStatus = "STREAMING_UPDATE"
	StatusStreamingComplete ResponseStatus = "STREAMING_COMPLETE"
)

// Terminal reports whether the status ends the request lifecycle.
func (s ResponseStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusTimeout, StatusStreamingComplete:
		return true
	}
	return false
}

// StopReason explains why a streaming session ended.
type StopReason string

// Stop reasons carried on the final STREAMING_COMPLETE response.
const (
	StopCompleted StopReason = "COMPLETED"
	StopCancelled StopReason = "CANCELLED"
	StopTimedOut  StopReason = "TIMED_OUT"
	StopFailed    StopReason = "FAILED"
)

// DGResponse is the response envelope returned to callers on every egress
// surface. Streaming handlers emit multiple responses per request_id; exactly
// one of them is terminal.
type DGResponse struct {
	RequestID    string         `json:"request_id"`
	Status       ResponseStatus `json:"status"`
	Payload      map[string]any `json:"payload,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	EmittedAt    time.Time      `json:"emitted_at"`
}

// NewErrorResponse builds a terminal ERROR response for a request.
// The message must be caller-readable and free of internal detail.
func NewErrorResponse(requestID, message string) *DGResponse {
	return &DGResponse{
		RequestID:    requestID,
		Status:       StatusError,
		ErrorMessage: message,
		EmittedAt:    time.Now(),
	}
}

// NewSuccessResponse builds a terminal SUCCESS response carrying a payload.
func NewSuccessResponse(requestID string, payload map[string]any) *DGResponse {
	return &DGResponse{
		RequestID: requestID,
		Status:    StatusSuccess,
		Payload:   payload,
		EmittedAt: time.Now(),
	}
}
