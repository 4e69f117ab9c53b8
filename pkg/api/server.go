// Package api serves the HTTP and WebSocket ingress surfaces and the
// operator endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dgate/pkg/actor"
	"github.com/codeready-toolchain/dgate/pkg/config"
	"github.com/codeready-toolchain/dgate/pkg/engine"
	"github.com/codeready-toolchain/dgate/pkg/metrics"
	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/registry"
	"github.com/codeready-toolchain/dgate/pkg/version"
)

// Dispatcher admits requests into the execution engine. Implemented by
// engine.Engine.
type Dispatcher interface {
	Submit(req *models.DGRequest) *actor.ResultSink
	ReloadConfigs() error
}

// SessionAdmin exposes the streaming manager's admin surface. Implemented by
// streaming.Manager; nil when streaming is disabled.
type SessionAdmin interface {
	List() []models.StreamingSession
	Get(sessionID string) (*models.StreamingSession, bool)
	StopSession(sessionID string, reason models.StopReason) error
	PauseSession(sessionID string) error
	ResumeSession(sessionID string) error
	Count() int
}

// ConnectionChecker reports a transport's link state for the health endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// Server is the dgate HTTP server.
type Server struct {
	cfg         *config.Config
	dispatcher  Dispatcher
	sessions    SessionAdmin
	ring        *engine.Ring
	registry    *registry.Registry
	supervisor  *actor.Supervisor
	transports  map[string]ConnectionChecker
	connManager *ConnectionManager

	echo       *echo.Echo
	httpServer *http.Server
}

// NewServer wires the server and registers all routes.
func NewServer(
	cfg *config.Config,
	dispatcher Dispatcher,
	sessions SessionAdmin,
	ring *engine.Ring,
	reg *registry.Registry,
	supervisor *actor.Supervisor,
	transports map[string]ConnectionChecker,
	m *metrics.Metrics,
	connManager *ConnectionManager,
) *Server {
	s := &Server{
		cfg:         cfg,
		dispatcher:  dispatcher,
		sessions:    sessions,
		ring:        ring,
		registry:    reg,
		supervisor:  supervisor,
		transports:  transports,
		connManager: connManager,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/api/submit", s.submitHandler)
	e.GET("/ws", s.wsHandler)
	e.GET("/api/health", s.healthHandler)
	e.GET("/api/activity", s.activityHandler)
	e.POST("/api/reload", s.reloadHandler)

	e.GET("/api/sessions", s.listSessionsHandler)
	e.GET("/api/sessions/:id", s.getSessionHandler)
	e.POST("/api/sessions/:id/stop", s.stopSessionHandler)
	e.POST("/api/sessions/:id/pause", s.pauseSessionHandler)
	e.POST("/api/sessions/:id/resume", s.resumeSessionHandler)

	if m != nil {
		e.GET("/metrics", echo.WrapHandler(m.Handler()))
	}

	s.echo = e
	return s
}

// Start serves HTTP on addr, blocking until the listener closes.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight HTTP requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /api/health. Unauthenticated and safe: it only
// reports dgate's own components.
func (s *Server) healthHandler(c *echo.Context) error {
	checks := make(map[string]HealthCheck)
	status := "healthy"

	if s.supervisor != nil {
		if s.supervisor.Accepting() {
			checks["supervisor"] = HealthCheck{Status: "healthy"}
		} else {
			status = "unhealthy"
			checks["supervisor"] = HealthCheck{Status: "unhealthy", Message: "not accepting work"}
		}
	}

	for name, t := range s.transports {
		if t.IsConnected() {
			checks[name] = HealthCheck{Status: "healthy"}
		} else {
			if status == "healthy" {
				status = "degraded"
			}
			checks[name] = HealthCheck{Status: "degraded", Message: "disconnected"}
		}
	}

	httpStatus := http.StatusOK
	if status == "unhealthy" {
		httpStatus = http.StatusServiceUnavailable
	}
	return c.JSON(httpStatus, &HealthResponse{Status: status, Version: version.Full(), Checks: checks})
}

// activityHandler handles GET /api/activity: the recent-state ring, newest
// first.
func (s *Server) activityHandler(c *echo.Context) error {
	handlers := s.ring.Snapshot()
	return c.JSON(http.StatusOK, &ActivityResponse{
		Count:    len(handlers),
		Handlers: handlers,
	})
}

// reloadHandler handles POST /api/reload: swaps in fresh registry and user
// snapshots. In-flight invocations keep their admitted snapshots.
func (s *Server) reloadHandler(c *echo.Context) error {
	if err := s.dispatcher.ReloadConfigs(); err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	resp := &ReloadResponse{Message: "configuration reloaded"}
	if s.registry != nil {
		resp.RequestTypes = s.registry.AllRequestTypes()
	}
	return c.JSON(http.StatusOK, resp)
}
