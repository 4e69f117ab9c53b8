package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// listSessionsHandler handles GET /api/sessions.
func (s *Server) listSessionsHandler(c *echo.Context) error {
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusConflict, "streaming is disabled")
	}
	sessions := s.sessions.List()
	return c.JSON(http.StatusOK, &SessionListResponse{
		Count:    len(sessions),
		Sessions: sessions,
	})
}

// getSessionHandler handles GET /api/sessions/:id.
func (s *Server) getSessionHandler(c *echo.Context) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusConflict, "streaming is disabled")
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess)
}

// stopSessionHandler handles POST /api/sessions/:id/stop.
func (s *Server) stopSessionHandler(c *echo.Context) error {
	return s.sessionAction(c, "stop requested", func(id string) error {
		return s.sessions.StopSession(id, models.StopCancelled)
	})
}

// pauseSessionHandler handles POST /api/sessions/:id/pause.
func (s *Server) pauseSessionHandler(c *echo.Context) error {
	return s.sessionAction(c, "pause requested", func(id string) error {
		return s.sessions.PauseSession(id)
	})
}

// resumeSessionHandler handles POST /api/sessions/:id/resume.
func (s *Server) resumeSessionHandler(c *echo.Context) error {
	return s.sessionAction(c, "resume requested", func(id string) error {
		return s.sessions.ResumeSession(id)
	})
}

func (s *Server) sessionAction(c *echo.Context, message string, action func(id string) error) error {
	sessionID := c.Param("id")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if s.sessions == nil {
		return echo.NewHTTPError(http.StatusConflict, "streaming is disabled")
	}
	if err := action(sessionID); err != nil {
		return mapSessionError(err)
	}
	return c.JSON(http.StatusOK, &SessionActionResponse{
		SessionID: sessionID,
		Message:   message,
	})
}
