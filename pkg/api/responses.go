package api

import (
	"github.com/codeready-toolchain/dgate/pkg/models"
)

// HealthCheck is one component's health entry.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// ActivityResponse is returned by GET /api/activity.
type ActivityResponse struct {
	Count    int                   `json:"count"`
	Handlers []models.HandlerState `json:"handlers"`
}

// SessionListResponse is returned by GET /api/sessions.
type SessionListResponse struct {
	Count    int                       `json:"count"`
	Sessions []models.StreamingSession `json:"sessions"`
}

// SessionActionResponse acknowledges a session admin action.
type SessionActionResponse struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ReloadResponse is returned by POST /api/reload.
type ReloadResponse struct {
	Message      string   `json:"message"`
	RequestTypes []string `json:"request_types"`
}
