// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for request and hop latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Metrics holds all Prometheus metric collectors for the relay.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  prometheus.Histogram
	UpstreamResponses *prometheus.CounterVec

	Rejections        *prometheus.CounterVec
	RedirectsFollowed prometheus.Counter
	RelayedBytes      prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "camo_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "camo_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "camo_upstream_hop_duration_seconds",
			Help:    "Time to upstream response headers per hop, in seconds.",
			Buckets: defaultBuckets,
		}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_upstream_responses_total",
			Help: "Total upstream hop responses by status code.",
		}, []string{"status_code"}),

		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "camo_rejections_total",
			Help: "Relay requests answered with 404, by reason.",
		}, []string{"reason"}),

		RedirectsFollowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_redirects_followed_total",
			Help: "Upstream redirects followed.",
		}),

		RelayedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "camo_relayed_bytes_total",
			Help: "Image bytes streamed to clients.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.Rejections,
		m.RedirectsFollowed,
		m.RelayedBytes,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownRoutes lists the fixed routes reported by name.
var knownRoutes = []string{"/", "/favicon.ico", "/status", "/metrics"}

// NormalizePath returns a bounded route label for Prometheus metrics. Every
// signed path collapses to "relay".
func NormalizePath(path string) string {
	for _, route := range knownRoutes {
		if path == route {
			return route
		}
	}
	if strings.Count(strings.TrimPrefix(path, "/"), "/") >= 1 {
		return "relay"
	}
	return "other"
}
