// Package engine implements the execution engine: admission, routing,
// lifecycle tracking, and the recent-state ring.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/handler"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/registry"
	"github.com/codeready-toolchain/dgate/pkg/users"
)

// Recent-state ring bounds.
const (
	ringCapacity = 1000
	ringMaxAge   = time.Hour
)

// Stable caller-facing error messages. They never leak internals.
const (
	msgInvalidAPIKey = "Invalid or disabled API key"
	msgBackpressure  = "backpressure: server at capacity"
)

// SessionStarter admits a streaming producer into a session. Implemented by
// the streaming manager; nil disables streaming.
type SessionStarter interface {
	StartSession(inv *handler.Invocation, handlerID string, producer handler.StreamProducer) (*models.StreamingSession, error)
}

// Engine dispatches admitted requests to handler actors. One engine exists
// per process; it owns the recent-state ring.
type Engine struct {
	cfg        *config.Config
	users      *users.Service
	registry   *registry.Registry
	resolver   *handler.Resolver
	supervisor *actor.Supervisor
	sessions   SessionStarter
	metrics    *metrics.Metrics
	ring       *Ring
}

// New creates an engine. sessions may be nil when streaming is disabled.
func New(
	cfg *config.Config,
	userSvc *users.Service,
	reg *registry.Registry,
	resolver *handler.Resolver,
	supervisor *actor.Supervisor,
	sessions SessionStarter,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		cfg:        cfg,
		users:      userSvc,
		registry:   reg,
		resolver:   resolver,
		supervisor: supervisor,
		sessions:   sessions,
		metrics:    m,
		ring:       NewRing(ringCapacity, ringMaxAge),
	}
}

// Ring exposes the recent-state ring for the operator API.
func (e *Engine) Ring() *Ring { return e.ring }

// Submit admits a request and returns its result sink without blocking on
// handler execution. Every admitted request eventually completes its sink
// within the binding's TTL plus the cancel grace period.
func (e *Engine) Submit(req *models.DGRequest) *actor.ResultSink {
	now := time.Now()
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}

	// 1. Authenticate.
	userID := e.users.ResolveUserFromAPIKey(req.APIKey)
	if userID == "" {
		slog.Warn("Rejected request with invalid API key",
			"request_id", req.RequestID, "request_type", req.RequestType)
		return completedSink(req.RequestID, models.NewErrorResponse(req.RequestID, msgInvalidAPIKey))
	}

	// 2. Stamp the resolved user.
	req.ResolvedUserID = userID

	// 3. Route.
	binding := e.registry.FindHandler(userID, req.RequestType)
	if binding == nil {
		return completedSink(req.RequestID, models.NewErrorResponse(req.RequestID,
			fmt.Sprintf("No handler for request_type=%s", req.RequestType)))
	}

	// 4. Record admission.
	handlerID := "hdl-" + shortUUID(12)
	state := &models.HandlerState{
		HandlerID:     handlerID,
		RequestID:     req.RequestID,
		RequestType:   req.RequestType,
		UserID:        userID,
		HandlerClass:  binding.HandlerClass,
		SourceChannel: req.SourceChannel,
		State:         models.HandlerQueued,
		StartedAt:     now,
	}
	e.ring.Add(state)

	// 5. Admission metrics.
	e.metrics.RequestsStarted.WithLabelValues(req.RequestType, userID, string(req.SourceChannel)).Inc()
	if req.Payload != nil {
		if raw, err := json.Marshal(req.Payload); err == nil {
			e.metrics.PayloadBytes.Observe(float64(len(raw)))
		}
	}

	ttl := binding.TTL()
	if ttl <= 0 {
		ttl = e.cfg.Actor.DefaultTTL()
	}
	deadline := now.Add(ttl)
	sink := actor.NewResultSink(req.RequestID, deadline)

	h, err := e.resolver.Resolve(binding)
	if err != nil {
		slog.Error("Handler resolution failed",
			"request_id", req.RequestID, "handler_class", binding.HandlerClass, "error", err)
		e.ring.Transition(handlerID, models.HandlerError)
		sink.Complete(models.NewErrorResponse(req.RequestID,
			fmt.Sprintf("No handler implementation for class %s", binding.HandlerClass)))
		e.observeCompletion(req, now, sink.Response())
		return sink
	}

	inv := &handler.Invocation{Request: req, Config: binding}
	task := &actor.Task{
		HandlerID:  handlerID,
		Invocation: inv,
		Handler:    h,
		Sink:       sink,
		Transition: func(s models.HandlerStateValue) { e.ring.Transition(handlerID, s) },
	}
	if binding.Streaming && e.sessions != nil {
		task.OnStream = func(p handler.StreamProducer) (*models.DGResponse, error) {
			sess, err := e.sessions.StartSession(inv, handlerID, p)
			if err != nil {
				return nil, err
			}
			return &models.DGResponse{
				RequestID: req.RequestID,
				Status:    models.StatusStreamingStarted,
				Payload:   map[string]any{"session_id": sess.SessionID},
				EmittedAt: time.Now(),
			}, nil
		}
	}

	// 6. Hand off to the supervisor.
	if err := e.supervisor.Submit(task); err != nil {
		e.ring.Transition(handlerID, models.HandlerError)
		msg := msgBackpressure
		if errors.Is(err, actor.ErrShuttingDown) {
			msg = "server shutting down"
		}
		sink.Complete(models.NewErrorResponse(req.RequestID, msg))
		e.observeCompletion(req, now, sink.Response())
		return sink
	}

	// 7. The TTL on the sink is authoritative: if it elapses first, the
	// sink completes with TIMEOUT and the supervisor is told to cancel
	// the worker, whether or not the actor acknowledges.
	timer := time.AfterFunc(time.Until(deadline), func() {
		timedOut := sink.Complete(&models.DGResponse{
			RequestID:    req.RequestID,
			Status:       models.StatusTimeout,
			ErrorMessage: "handler TTL elapsed",
			EmittedAt:    time.Now(),
		})
		if timedOut {
			e.ring.Transition(handlerID, models.HandlerTimedOut)
			e.supervisor.Cancel(handlerID)
		}
	})

	// 8. Completion metrics.
	go func() {
		<-sink.Done()
		timer.Stop()
		e.observeCompletion(req, now, sink.Response())
	}()

	return sink
}

// ReloadConfigs atomically reloads the handler registry and user data.
// In-flight invocations keep the snapshot they were admitted with.
func (e *Engine) ReloadConfigs() error {
	if err := e.registry.Reload(); err != nil {
		return fmt.Errorf("reloading handler registry: %w", err)
	}
	if err := e.users.Reload(); err != nil {
		return fmt.Errorf("reloading users: %w", err)
	}
	return nil
}

// Shutdown drains the supervisor within the configured deadline.
func (e *Engine) Shutdown(ctx context.Context) {
	drainCtx, cancel := context.WithTimeout(ctx, e.cfg.Actor.DrainTimeout)
	defer cancel()
	e.supervisor.Shutdown(drainCtx)
}

// observeCompletion emits the per-request terminal metrics.
func (e *Engine) observeCompletion(req *models.DGRequest, start time.Time, resp *models.DGResponse) {
	if resp == nil {
		return
	}
	e.metrics.DurationMs.WithLabelValues(req.RequestType).
		Observe(float64(time.Since(start).Milliseconds()))
	switch resp.Status {
	case models.StatusTimeout:
		e.metrics.RequestsTimeout.WithLabelValues(req.RequestType, req.ResolvedUserID).Inc()
	case models.StatusError:
		e.metrics.RequestsError.WithLabelValues(req.RequestType, req.ResolvedUserID).Inc()
	default:
		e.metrics.RequestsSuccess.WithLabelValues(req.RequestType, req.ResolvedUserID).Inc()
	}
}

// completedSink builds a sink that is already fulfilled.
func completedSink(requestID string, resp *models.DGResponse) *actor.ResultSink {
	sink := actor.NewResultSink(requestID, time.Time{})
	sink.Complete(resp)
	return sink
}

// shortUUID returns the first n hex characters of a fresh UUID.
func shortUUID(n int) string {
	s := strings.ReplaceAll(uuid.New().String(), "-", "")
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}
