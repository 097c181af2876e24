// Package client provides the upstream HTTP client used to fetch origin images.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"syscall"
	"time"

	aia "github.com/fcjr/aia-transport-go"

	"camo-proxy-go/internal/config"
	"camo-proxy-go/internal/metrics"
)

// ErrPrivateAddress is returned when an origin resolves to a loopback,
// link-local, private or otherwise internal address.
var ErrPrivateAddress = errors.New("private address prohibited")

// privateNetworks are refused unless upstream.allow_private_networks is set.
var privateNetworks = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("ff00::/8"),
}

// UpstreamClient performs single upstream round trips. It never follows
// redirects and never decompresses bodies; both are left to the caller.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling. HTTPS
// origins that omit intermediate certificates are completed through the
// certificates' AIA URLs. The metrics parameter is optional; pass nil to
// disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	logger = logger.With("component", "upstream_client")

	transport, err := aia.NewTransport()
	if err != nil {
		logger.Warn("AIA transport unavailable; using default TLS verification", "err", err)
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	dialer := &net.Dialer{
		Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if !cfg.Upstream.AllowPrivateNetworks {
		dialer.Control = refusePrivate
	}

	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	transport.MaxIdleConns = cfg.Upstream.IdleConnections
	transport.MaxIdleConnsPerHost = cfg.Upstream.IdleConnections
	transport.IdleConnTimeout = 90 * time.Second
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.DisableCompression = true

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger,
		metrics: m,
	}
}

// Get issues one GET for target with the given headers. The Host header is
// taken from target. The context bounds the whole exchange including the
// body; cancel it to abort the hop. The caller must close the response body.
func (c *UpstreamClient) Get(ctx context.Context, target string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = header.Clone()

	c.logger.Debug("upstream request", "host", req.URL.Host)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller
	if c.metrics != nil {
		c.metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, nil
}

// refusePrivate is a net.Dialer Control hook run after DNS resolution, so it
// sees the address actually being dialed.
func refusePrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, address)
	}
	if IsPrivate(addr) {
		return fmt.Errorf("%w: %s", ErrPrivateAddress, addr)
	}
	return nil
}

// IsPrivate reports whether addr belongs to a network the relay refuses to dial.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range privateNetworks {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
