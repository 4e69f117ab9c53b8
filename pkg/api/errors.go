package api

import (
	"errors"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dgate/pkg/models"
	"github.com/codeready-toolchain/dgate/pkg/streaming"
)

// httpStatusFor maps a dispatch response onto an HTTP status code. The
// response body is always the DGResponse itself; only the status code varies.
func httpStatusFor(resp *models.DGResponse) int {
	switch resp.Status {
	case models.StatusTimeout:
		return http.StatusGatewayTimeout
	case models.StatusError:
		switch {
		case strings.Contains(resp.ErrorMessage, "Invalid or disabled API key"):
			return http.StatusUnauthorized
		case strings.Contains(resp.ErrorMessage, "No handler"):
			return http.StatusNotFound
		case strings.Contains(resp.ErrorMessage, "backpressure"):
			return http.StatusTooManyRequests
		case strings.Contains(resp.ErrorMessage, "shutting down"):
			return http.StatusServiceUnavailable
		default:
			return http.StatusInternalServerError
		}
	default:
		return http.StatusOK
	}
}

// mapSessionError maps session manager errors to HTTP error responses.
func mapSessionError(err error) *echo.HTTPError {
	if errors.Is(err, streaming.ErrSessionNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	if errors.Is(err, streaming.ErrTooManySessions) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many concurrent sessions")
	}
	if errors.Is(err, streaming.ErrStreamingDisabled) {
		return echo.NewHTTPError(http.StatusConflict, "streaming is disabled")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
