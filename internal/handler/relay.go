package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/middleware"
	"camo-proxy-go/internal/model"
	"camo-proxy-go/internal/secret"
	"camo-proxy-go/internal/service"
	"camo-proxy-go/internal/signature"
	"camo-proxy-go/internal/telemetry"
)

var (
	// ErrSelfRequest rejects a request whose Via chain already contains this relay.
	ErrSelfRequest = errors.New("self request prohibited")

	// ErrChecksumMismatch rejects a digest that does not match the decoded URL.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// rejection maps an error class to a metric label and the body sent to the
// client. When detail is set the error text itself is the body.
type rejection struct {
	err     error
	reason  string
	message string
	detail  bool
}

// rejections is checked in order; the first errors.Is match wins.
var rejections = []rejection{
	{err: ErrSelfRequest, reason: "self_request", message: "Self request prohibited"},
	{err: signature.ErrMalformed, reason: "malformed", message: "Not Found"},
	{err: ErrChecksumMismatch, reason: "checksum_mismatch", message: "Checksum mismatch"},
	{err: service.ErrContentLengthExceeded, reason: "content_length_exceeded", message: "Content-Length exceeded"},
	{err: service.ErrNoContentType, reason: "no_content_type", message: "No content-type returned"},
	{err: service.ErrNonImageContentType, reason: "non_image_content_type", detail: true},
	{err: service.ErrMaxRedirects, reason: "max_redirects", message: "Exceeded max depth"},
	{err: service.ErrNoLocation, reason: "no_location", message: "Redirect with no location"},
	{err: service.ErrUnknownProtocol, reason: "unknown_protocol", message: "Unknown protocol"},
	{err: service.ErrUnresolvedHost, reason: "unresolved_host", message: "Unresolved host"},
	{err: service.ErrHostDenied, reason: "host_denied", message: "Host denied"},
	{err: service.ErrPrivateAddress, reason: "private_address", message: "Private address prohibited"},
	{err: service.ErrSocketTimeout, reason: "socket_timeout", message: "Socket timeout"},
	{err: context.Canceled, reason: "client_closed", message: "Client closed request"},
	{err: service.ErrUpstreamRequest, reason: "upstream_error", message: "Client request error"},
}

var unknownRejection = rejection{reason: "unknown", message: "Not Found"}

func classify(err error) rejection {
	for _, r := range rejections {
		if errors.Is(err, r.err) {
			return r
		}
	}
	return unknownRejection
}

// transportReasons are logged at warn; every other rejection is a normal
// outcome for a public relay and logged at info.
var transportReasons = map[string]bool{
	"socket_timeout": true,
	"upstream_error": true,
	"unknown":        true,
}

// RelayHandler verifies signed paths and streams the origin image back.
type RelayHandler struct {
	service  *service.RelayService
	keys     *secret.KeySource
	counters *telemetry.Counters
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewRelayHandler creates a RelayHandler. The metrics parameter is optional.
func NewRelayHandler(
	svc *service.RelayService,
	keys *secret.KeySource,
	counters *telemetry.Counters,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RelayHandler {
	return &RelayHandler{
		service:  svc,
		keys:     keys,
		counters: counters,
		metrics:  m,
		logger:   logger.With("component", "relay_handler"),
	}
}

// Handle serves GET /{digest}/{encodedURL}.
func (h *RelayHandler) Handle(c echo.Context) error {
	end := h.counters.Begin()
	defer end()

	req := c.Request()
	req.Header.Del("Cookie")
	outbound := h.service.OutboundHeader(req.Header)

	digest, encoded := signature.ParsePath(req.URL.Path)

	if h.service.IsSelfRequest(req.Header) {
		return h.reject(c, ErrSelfRequest)
	}

	rawURL, err := signature.Decode(encoded)
	if err != nil {
		return h.reject(c, err)
	}

	key := h.keys.Key()
	if !signature.Verify(digest, rawURL, key) {
		return h.reject(c, fmt.Errorf("%w %s:%s", ErrChecksumMismatch, signature.Sign(rawURL, key), digest))
	}

	target, err := service.ParseTarget(rawURL)
	if err != nil {
		return h.reject(c, err)
	}

	h.logger.Debug("relaying", "url", target.Redacted(), "request_id", c.Response().Header().Get(echo.HeaderXRequestID))

	resp, err := h.service.Relay(req.Context(), &model.RelayRequest{
		Target: target,
		Header: outbound,
	})
	if err != nil {
		return h.reject(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if resp.Kind != model.HopSuccess {
		return nil
	}

	// The status line is already on the wire, so a failed copy can only be
	// logged; the client sees a truncated body.
	n, err := io.Copy(c.Response(), resp.Body)
	if h.metrics != nil {
		h.metrics.RelayedBytes.Add(float64(n))
	}
	if err != nil {
		if req.Context().Err() != nil {
			h.logger.Info("client closed during stream", "bytes", n, "path", req.URL.Path)
		} else {
			h.logger.Error("streaming response body", "err", err, "bytes", n, "path", req.URL.Path)
		}
	}
	return nil
}

// reject answers 404 with the no-cache header set. The security headers are
// already on the response.
func (h *RelayHandler) reject(c echo.Context, err error) error {
	r := classify(err)
	c.Set(middleware.ContextKeyReason, r.reason)
	if h.metrics != nil {
		h.metrics.Rejections.WithLabelValues(r.reason).Inc()
	}

	level := slog.LevelInfo
	if transportReasons[r.reason] {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "relay rejected",
		"reason", r.reason,
		"err", err,
		"path", c.Request().URL.Path,
	)

	message := r.message
	if r.detail {
		message = err.Error()
	}

	header := c.Response().Header()
	header.Set("Cache-Control", "no-cache, no-store, private, must-revalidate")
	header.Set("Expires", "0")
	return c.String(http.StatusNotFound, message)
}
