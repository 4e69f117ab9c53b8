package api

import (
	"io"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/dgate/pkg/models"
)

// submitHandler handles POST /api/submit: one DGRequest in, one DGResponse
// out. Streaming requests answer with STREAMING_STARTED; updates flow over
// the response channels, not this HTTP response. Unknown body fields are
// preserved as request headers.
func (s *Server) submitHandler(c *echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req, err := models.DecodeRequest(body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.RequestType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "request_type is required")
	}
	req.SourceChannel = models.SourceHTTP

	sink := s.dispatcher.Submit(req)
	resp, err := sink.Await(c.Request().Context())
	if err != nil {
		// The client went away; the invocation keeps running to its TTL.
		return err
	}
	return c.JSON(httpStatusFor(resp), resp)
}
