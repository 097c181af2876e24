// Package handler implements the HTTP endpoints of the relay.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/telemetry"
)

// StatusHandler serves the root, favicon and status endpoints. None of them
// touch the connection counters beyond reading them.
type StatusHandler struct {
	counters *telemetry.Counters
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(counters *telemetry.Counters) *StatusHandler {
	return &StatusHandler{counters: counters}
}

// Root answers GET /.
func (h *StatusHandler) Root(c echo.Context) error {
	return c.String(http.StatusOK, "Not found")
}

// Favicon answers GET /favicon.ico with an empty body.
func (h *StatusHandler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Status returns the connection counters and uptime.
func (h *StatusHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, h.counters.Snapshot())
}
