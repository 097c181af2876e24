package handler

import (
	"io"
	"log/slog"
	"testing"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/client"
	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/middleware"
	"camo-proxy-go/internal/secret"
	"camo-proxy-go/internal/service"
	"camo-proxy-go/internal/signature"
	"camo-proxy-go/internal/telemetry"
)

var testKey = []byte("0x24FEEDFACEDEADBEEFCAFE")

type testEnv struct {
	e        *echo.Echo
	counters *telemetry.Counters
	metrics  *metrics.Metrics
}

func testConfig() *config.Config {
	return &config.Config{
		Camo: config.CamoConfig{
			Key:       string(testKey),
			Name:      "Camo",
			UserAgent: "Camo Asset Proxy / 1.0",
		},
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:       5,
			MaxRedirects:         3,
			ContentLengthLimit:   5242880,
			IdleConnections:      10,
			AllowPrivateNetworks: true,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// newTestEnv builds the same middleware and route stack the relay binary runs.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := testConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	counters := telemetry.New()

	c := client.NewUpstreamClient(cfg, logger, m)
	svc := service.NewRelayService(c, cfg, logger, m)

	e := echo.New()
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.SecurityHeaders(cfg.Camo.Name))
	e.Use(middleware.MetricsMiddleware(m))
	e.Use(middleware.MethodGuard())

	RegisterRoutes(e, cfg,
		NewRelayHandler(svc, secret.Static(testKey), counters, m, logger),
		NewStatusHandler(counters),
		m,
	)
	return &testEnv{e: e, counters: counters, metrics: m}
}

func signedPath(t *testing.T, rawURL string) string {
	t.Helper()
	s, err := signature.Encode(rawURL, testKey)
	if err != nil {
		t.Fatalf("Encode(%q): %v", rawURL, err)
	}
	return s.Path()
}
