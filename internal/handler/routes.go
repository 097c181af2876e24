package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, relay *RelayHandler, status *StatusHandler, m *metrics.Metrics) {
	e.GET("/", status.Root)
	e.GET("/favicon.ico", status.Favicon)
	e.GET("/status", status.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.GET("/*", relay.Handle)
}
