// Package service implements the redirect-following fetch that backs every
// relayed image.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ryanuber/go-glob"

	"camo-proxy-go/internal/client"
	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/content"
	"camo-proxy-go/internal/metrics"
	"camo-proxy-go/internal/model"
)

// Rejections produced while fetching. Each is wrapped with per-request detail;
// match with errors.Is.
var (
	ErrContentLengthExceeded = content.ErrLengthExceeded
	ErrNoContentType         = content.ErrNoContentType
	ErrNonImageContentType   = content.ErrNonImage
	ErrPrivateAddress        = client.ErrPrivateAddress

	ErrMaxRedirects    = errors.New("exceeded max depth")
	ErrNoLocation      = errors.New("redirect with no location")
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrUnresolvedHost  = errors.New("unresolved host")
	ErrHostDenied      = errors.New("host denied")
	ErrSocketTimeout   = errors.New("socket timeout")
	ErrUpstreamRequest = errors.New("client request error")
)

const defaultCacheControl = "public, max-age=31536000"

// passthroughHeaders are copied from the terminal upstream response when present.
var passthroughHeaders = []string{
	"Etag",
	"Expires",
	"Last-Modified",
	"Content-Encoding",
}

// RelayService walks a redirect chain one hop at a time and returns the
// terminal response for streaming.
type RelayService struct {
	client       *client.UpstreamClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	classifier   content.Classifier
	name         string
	userAgent    string
	denyHosts    []string
	maxRedirects int
	hopTimeout   time.Duration
}

// NewRelayService creates a RelayService. The metrics parameter is optional.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:       c,
		logger:       logger.With("component", "relay_service"),
		metrics:      m,
		classifier:   content.Classifier{LengthLimit: cfg.Upstream.ContentLengthLimit},
		name:         cfg.Camo.Name,
		userAgent:    cfg.Camo.UserAgent,
		denyHosts:    cfg.Upstream.DenyHosts,
		maxRedirects: cfg.Upstream.MaxRedirects,
		hopTimeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
	}
}

// ParseTarget parses a decoded origin URL.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnresolvedHost, err)
	}
	return u, nil
}

// OutboundHeader builds the header set sent to every hop from the inbound
// request headers. Cookies and anything else not listed here are dropped.
func (s *RelayService) OutboundHeader(in http.Header) http.Header {
	h := make(http.Header)
	accept := in.Get("Accept")
	if accept == "" {
		accept = "image/*"
	}
	h.Set("Accept", accept)
	if ae := in.Get("Accept-Encoding"); ae != "" {
		h.Set("Accept-Encoding", ae)
	}
	h.Set("User-Agent", s.userAgent)
	h.Set("Via", s.userAgent)
	model.ApplyOutboundSecurityHeaders(h)
	return h
}

// IsSelfRequest reports whether the inbound Via chain already contains this
// relay.
func (s *RelayService) IsSelfRequest(in http.Header) bool {
	for _, via := range in.Values("Via") {
		if strings.Contains(via, s.userAgent) {
			return true
		}
	}
	return false
}

// Relay fetches req.Target, following up to the configured number of
// redirects. Hops are strictly sequential and each is torn down before the
// next starts. Canceling ctx aborts the current hop. On success the caller
// must close the returned body.
func (s *RelayService) Relay(ctx context.Context, req *model.RelayRequest) (*model.RelayResponse, error) {
	target := req.Target
	remaining := s.maxRedirects

	for hops := 1; ; hops++ {
		if err := s.checkTarget(target); err != nil {
			return nil, err
		}

		s.logger.Debug("fetching", "hop", hops, "url", target.Redacted())

		resp, body, err := s.fetch(ctx, target, req.Header)
		if err != nil {
			return nil, err
		}

		if err := s.classifier.CheckLength(resp.ContentLength); err != nil {
			_ = body.Close()
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther, http.StatusTemporaryRedirect:
			_ = body.Close()
			if remaining <= 0 {
				return nil, fmt.Errorf("%w: %d redirects", ErrMaxRedirects, s.maxRedirects)
			}
			location := resp.Header.Get("Location")
			if location == "" {
				return nil, ErrNoLocation
			}
			next, err := target.Parse(location)
			if err != nil {
				return nil, fmt.Errorf("%w: bad location: %v", ErrUnresolvedHost, err)
			}
			if s.metrics != nil {
				s.metrics.RedirectsFollowed.Inc()
			}
			s.logger.Debug("hop", "kind", model.HopRedirect, "status", resp.StatusCode, "remaining", remaining)
			remaining--
			target = next

		case http.StatusNotModified:
			_ = body.Close()
			return &model.RelayResponse{
				Kind:       model.HopNotModified,
				StatusCode: resp.StatusCode,
				Header:     s.responseHeader(resp),
				Body:       http.NoBody,
				Hops:       hops,
			}, nil

		default:
			if err := s.classifier.CheckType(resp.Header.Get("Content-Type")); err != nil {
				_ = body.Close()
				return nil, err
			}
			return &model.RelayResponse{
				Kind:       model.HopSuccess,
				StatusCode: resp.StatusCode,
				Header:     s.responseHeader(resp),
				Body:       body,
				Hops:       hops,
			}, nil
		}
	}
}

func (s *RelayService) checkTarget(target *url.URL) error {
	if target.Host == "" {
		return fmt.Errorf("%w %q", ErrUnresolvedHost, target.Redacted())
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return fmt.Errorf("%w %q", ErrUnknownProtocol, target.Scheme)
	}
	host := strings.ToLower(target.Hostname())
	for _, pattern := range s.denyHosts {
		if glob.Glob(strings.ToLower(pattern), host) {
			return fmt.Errorf("%w: %s", ErrHostDenied, host)
		}
	}
	return nil
}

// fetch performs one hop. The returned body tears the hop down when closed
// and aborts it if no bytes arrive within the hop timeout.
func (s *RelayService) fetch(ctx context.Context, target *url.URL, header http.Header) (*http.Response, io.ReadCloser, error) {
	hopCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(s.hopTimeout, func() { cancel(ErrSocketTimeout) })

	resp, err := s.client.Get(hopCtx, target.String(), header)
	if err != nil {
		err = s.classifyTransportError(ctx, hopCtx, target, err)
		timer.Stop()
		cancel(nil)
		return nil, nil, err
	}

	timer.Reset(s.hopTimeout)
	return resp, &idleBody{
		ReadCloser: resp.Body,
		ctx:        hopCtx,
		cancel:     cancel,
		timer:      timer,
		idle:       s.hopTimeout,
	}, nil
}

func (s *RelayService) classifyTransportError(ctx, hopCtx context.Context, target *url.URL, err error) error {
	host := target.Hostname()
	if errors.Is(context.Cause(hopCtx), ErrSocketTimeout) {
		return fmt.Errorf("%w: %s", ErrSocketTimeout, host)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("upstream request aborted: %w", ctx.Err())
	}
	if errors.Is(err, ErrPrivateAddress) {
		return err
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w %s: %v", ErrUnresolvedHost, host, dnsErr)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamRequest, err)
}

func (s *RelayService) responseHeader(upstream *http.Response) http.Header {
	h := make(http.Header)
	model.ApplySecurityHeaders(h)
	h.Set("Camo-Host", s.name)

	cacheControl := upstream.Header.Get("Cache-Control")
	if cacheControl == "" {
		cacheControl = defaultCacheControl
	}
	h.Set("Cache-Control", cacheControl)

	if ct := upstream.Header.Get("Content-Type"); ct != "" {
		h.Set("Content-Type", ct)
	}
	for _, key := range passthroughHeaders {
		if vals := upstream.Header.Values(key); len(vals) > 0 {
			h[key] = vals
		}
	}
	if len(upstream.TransferEncoding) > 0 {
		h.Set("Transfer-Encoding", strings.Join(upstream.TransferEncoding, ", "))
	}
	if upstream.ContentLength > 0 {
		h.Set("Content-Length", strconv.FormatInt(upstream.ContentLength, 10))
	}
	return h
}

// idleBody resets the hop timer on every read and ends the hop on Close.
type idleBody struct {
	io.ReadCloser
	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	idle   time.Duration
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	if err != nil && err != io.EOF && errors.Is(context.Cause(b.ctx), ErrSocketTimeout) {
		err = ErrSocketTimeout
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.ReadCloser.Close()
	b.cancel(nil)
	return err
}
