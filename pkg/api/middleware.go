package api

import (
	echo "github.com/labstack/echo/v5"
)

// securityHeaders sets the hardening headers for dgate's JSON and WebSocket
// surface. Responses are never cacheable documents.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Cache-Control", "no-store")
			return next(c)
		}
	}
}
