package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/engine"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/streaming"
)

// fakeDispatcher completes every submitted request immediately with a canned
// response, or echoes the payload back when none is set.
type fakeDispatcher struct {
	response  *models.DGResponse
	reloadErr error
	submitted []*models.DGRequest
}

func (f *fakeDispatcher) Submit(req *models.DGRequest) *actor.ResultSink {
	f.submitted = append(f.submitted, req)
	sink := actor.NewResultSink(req.RequestID, time.Time{})
	if f.response != nil {
		resp := *f.response
		resp.RequestID = req.RequestID
		sink.Complete(&resp)
	} else {
		sink.Complete(models.NewSuccessResponse(req.RequestID, req.Payload))
	}
	return sink
}

func (f *fakeDispatcher) ReloadConfigs() error { return f.reloadErr }

type fakeSessionAdmin struct {
	sessions map[string]models.StreamingSession
	stopped  []string
	paused   []string
	resumed  []string
}

func (f *fakeSessionAdmin) List() []models.StreamingSession {
	out := make([]models.StreamingSession, 0, len(f.sessions))
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out
}

func (f *fakeSessionAdmin) Get(id string) (*models.StreamingSession, bool) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, false
	}
	return &s, true
}

func (f *fakeSessionAdmin) StopSession(id string, _ models.StopReason) error {
	if _, ok := f.sessions[id]; !ok {
		return streaming.ErrSessionNotFound
	}
	f.stopped = append(f.stopped, id)
	return nil
}

func (f *fakeSessionAdmin) PauseSession(id string) error {
	if _, ok := f.sessions[id]; !ok {
		return streaming.ErrSessionNotFound
	}
	f.paused = append(f.paused, id)
	return nil
}

func (f *fakeSessionAdmin) ResumeSession(id string) error {
	if _, ok := f.sessions[id]; !ok {
		return streaming.ErrSessionNotFound
	}
	f.resumed = append(f.resumed, id)
	return nil
}

func (f *fakeSessionAdmin) Count() int { return len(f.sessions) }

type staticChecker bool

func (s staticChecker) IsConnected() bool { return bool(s) }

func testServer(t *testing.T, d Dispatcher, sessions SessionAdmin, transports map[string]ConnectionChecker) *Server {
	t.Helper()
	cfg := &config.Config{
		HTTP: &config.HTTPConfig{Port: 8080, WSWriteTimeout: time.Second},
		Actor: &config.ActorConfig{
			MinPoolSize: 1, MaxPoolSize: 2, MailboxCapacity: 4,
			HandlerTimeoutSeconds: 60,
			CancelGracePeriod:     100 * time.Millisecond,
			DrainTimeout:          time.Second,
		},
	}
	sup := actor.NewSupervisor(cfg.Actor)
	sup.Start(context.Background())
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	ring := engine.NewRing(100, time.Hour)
	connManager := NewConnectionManager(d, time.Second)
	return NewServer(cfg, d, sessions, ring, nil, sup, transports, nil, connManager)
}

func doJSON(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestSubmitHandlerSuccess(t *testing.T) {
	d := &fakeDispatcher{}
	s := testServer(t, d, nil, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/submit",
		`{"request_id":"r1","request_type":"echo","api_key":"k","payload":{"msg":"hi"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp models.DGResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, models.StatusSuccess, resp.Status)
	assert.Equal(t, "hi", resp.Payload["msg"])

	require.Len(t, d.submitted, 1)
	assert.Equal(t, models.SourceHTTP, d.submitted[0].SourceChannel)
}

func TestSubmitHandlerPreservesUnknownFields(t *testing.T) {
	d := &fakeDispatcher{}
	s := testServer(t, d, nil, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/submit",
		`{"request_type":"echo","api_key":"k","trace_id":"t-1","priority":7,"headers":{"tenant":"acme"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, d.submitted, 1)
	req := d.submitted[0]
	assert.Equal(t, "t-1", req.Headers["trace_id"])
	assert.Equal(t, "7", req.Headers["priority"], "non-string fields keep their JSON encoding")
	assert.Equal(t, "acme", req.Headers["tenant"], "declared headers survive untouched")
}

func TestSubmitHandlerValidation(t *testing.T) {
	s := testServer(t, &fakeDispatcher{}, nil, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/submit", `{"payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/submit", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		response *models.DGResponse
		want     int
	}{
		{"invalid key", models.NewErrorResponse("", "Invalid or disabled API key"), http.StatusUnauthorized},
		{"no handler", models.NewErrorResponse("", "No handler for request_type=x"), http.StatusNotFound},
		{"backpressure", models.NewErrorResponse("", "backpressure: server at capacity"), http.StatusTooManyRequests},
		{"shutting down", models.NewErrorResponse("", "server shutting down"), http.StatusServiceUnavailable},
		{"handler failure", models.NewErrorResponse("", "handler execution failed"), http.StatusInternalServerError},
		{"timeout", &models.DGResponse{Status: models.StatusTimeout, ErrorMessage: "handler TTL elapsed"}, http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t, &fakeDispatcher{response: tt.response}, nil, nil)
			rec := doJSON(t, s, http.MethodPost, "/api/submit", `{"request_type":"echo"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestHealthHandler(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := testServer(t, &fakeDispatcher{}, nil, map[string]ConnectionChecker{
			"kafka": staticChecker(true),
		})
		rec := doJSON(t, s, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "healthy", resp.Status)
		assert.Equal(t, "healthy", resp.Checks["supervisor"].Status)
		assert.Equal(t, "healthy", resp.Checks["kafka"].Status)
	})

	t.Run("degraded when a transport is down", func(t *testing.T) {
		s := testServer(t, &fakeDispatcher{}, nil, map[string]ConnectionChecker{
			"kafka": staticChecker(false),
		})
		rec := doJSON(t, s, http.MethodGet, "/api/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		var resp HealthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
	})
}

func TestActivityHandler(t *testing.T) {
	s := testServer(t, &fakeDispatcher{}, nil, nil)
	s.ring.Add(&models.HandlerState{
		HandlerID: "hdl-1", RequestID: "r1", State: models.HandlerDone,
		StartedAt: time.Now(),
	})

	rec := doJSON(t, s, http.MethodGet, "/api/activity", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp ActivityResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Handlers, 1)
	assert.Equal(t, "hdl-1", resp.Handlers[0].HandlerID)
}

func TestReloadHandler(t *testing.T) {
	d := &fakeDispatcher{}
	s := testServer(t, d, nil, nil)

	rec := doJSON(t, s, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	d.reloadErr = assert.AnError
	rec = doJSON(t, s, http.MethodPost, "/api/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestSessionHandlers(t *testing.T) {
	sessions := &fakeSessionAdmin{sessions: map[string]models.StreamingSession{
		"ses-1": {SessionID: "ses-1", RequestID: "r1", Status: models.SessionActive},
	}}
	s := testServer(t, &fakeDispatcher{}, sessions, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var list SessionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/ses-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/sessions/ses-1/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"ses-1"}, sessions.stopped)

	rec = doJSON(t, s, http.MethodPost, "/api/sessions/ses-1/pause", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, s, http.MethodPost, "/api/sessions/ses-1/resume", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/sessions/nope/stop", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionHandlersWithStreamingDisabled(t *testing.T) {
	s := testServer(t, &fakeDispatcher{}, nil, nil)

	rec := doJSON(t, s, http.MethodGet, "/api/sessions", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/sessions/ses-1/stop", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	s := testServer(t, &fakeDispatcher{}, nil, nil)
	rec := doJSON(t, s, http.MethodGet, "/api/health", "")
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
