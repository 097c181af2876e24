package handler

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"camo-proxy-go/internal/service"
	"camo-proxy-go/internal/signature"
)

var jpegBytes = []byte("\xff\xd8\xff\xe0fake-jpeg")

func TestRelayHandler_EndToEnd(t *testing.T) {
	var gotCookie, gotVia string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		gotVia = r.Header.Get("Via")
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBytes)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, signedPath(t, upstream.URL+"/x.jpg"), http.NoBody)
	req.Header.Set("Cookie", "session=secret")
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusOK, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), jpegBytes) {
		t.Errorf("body = %q, want %q", rec.Body.Bytes(), jpegBytes)
	}

	want := map[string]string{
		"Content-Type":              "image/jpeg",
		"Camo-Host":                 "Camo",
		"X-Powered-By":              "Camo",
		"X-Frame-Options":           "deny",
		"Content-Security-Policy":   "default-src 'none'; img-src data:; style-src 'unsafe-inline'",
		"X-Content-Type-Options":    "nosniff",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-XSS-Protection":          "1; mode=block",
		"Cache-Control":             "public, max-age=31536000",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}

	if gotCookie != "" {
		t.Errorf("upstream saw Cookie %q", gotCookie)
	}
	if gotVia != "Camo Asset Proxy / 1.0" {
		t.Errorf("upstream Via = %q", gotVia)
	}

	snap := env.counters.Snapshot()
	if snap.Total != 1 || snap.Active != 0 {
		t.Errorf("counters = total %d active %d, want 1 and 0", snap.Total, snap.Active)
	}
	if got := testutil.ToFloat64(env.metrics.RelayedBytes); got != float64(len(jpegBytes)) {
		t.Errorf("relayed bytes = %v, want %d", got, len(jpegBytes))
	}
}

func TestRelayHandler_FlippedDigest(t *testing.T) {
	hits := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBytes)
	}))
	defer upstream.Close()

	path := signedPath(t, upstream.URL+"/x.jpg")
	flip := "0"
	if path[1] == '0' {
		flip = "1"
	}
	path = "/" + flip + path[2:]

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	assertRejected(t, rec)
	if hits != 0 {
		t.Errorf("upstream hit %d times, want 0", hits)
	}
	if got := testutil.ToFloat64(env.metrics.Rejections.WithLabelValues("checksum_mismatch")); got != 1 {
		t.Errorf("checksum_mismatch rejections = %v, want 1", got)
	}
	if snap := env.counters.Snapshot(); snap.Total != 1 || snap.Active != 0 {
		t.Errorf("counters = %+v, want total 1 active 0", snap)
	}
}

func TestRelayHandler_UppercaseDigestRejected(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(jpegBytes)
	}))
	defer upstream.Close()

	rawURL := upstream.URL + "/x.jpg"
	path := "/" + strings.ToUpper(signature.Sign(rawURL, testKey)) + "/" + hex.EncodeToString([]byte(rawURL))

	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))

	assertRejected(t, rec)
}

func TestRelayHandler_Rejections(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		case "/loop":
			w.Header().Set("Location", "/loop")
			w.WriteHeader(http.StatusFound)
		default:
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write(jpegBytes)
		}
	}))
	defer upstream.Close()

	tests := []struct {
		name       string
		path       string
		via        string
		wantReason string
	}{
		{"malformed hex", "/abcdef/zz", "", "malformed"},
		{"odd length hex", "/abcdef/abc", "", "malformed"},
		{"missing url segment", "/abcdef", "", "malformed"},
		{"self request", signedPath(t, upstream.URL+"/x.jpg"), "1.1 Camo Asset Proxy / 1.0", "self_request"},
		{"non-image", signedPath(t, upstream.URL+"/page"), "", "non_image_content_type"},
		{"redirect loop", signedPath(t, upstream.URL+"/loop"), "", "max_redirects"},
		{"unknown scheme", signedPath(t, "ftp://example.com/x.jpg"), "", "unknown_protocol"},
		{"no host", signedPath(t, "not a url"), "", "unresolved_host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			if tt.via != "" {
				req.Header.Set("Via", tt.via)
			}
			rec := httptest.NewRecorder()
			env.e.ServeHTTP(rec, req)

			assertRejected(t, rec)
			if got := testutil.ToFloat64(env.metrics.Rejections.WithLabelValues(tt.wantReason)); got != 1 {
				t.Errorf("rejections{reason=%q} = %v, want 1", tt.wantReason, got)
			}
			if snap := env.counters.Snapshot(); snap.Active != 0 {
				t.Errorf("active = %d after rejection, want 0", snap.Active)
			}
		})
	}
}

func TestRelayHandler_NotModified(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != "" {
			t.Errorf("conditional header forwarded upstream")
		}
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusNotModified)
	}))
	defer upstream.Close()

	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, signedPath(t, upstream.URL+"/x.jpg"), http.NoBody)
	req.Header.Set("If-None-Match", `"v1"`)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotModified)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("body = %q, want empty", rec.Body.String())
	}
	if rec.Header().Get("Etag") != `"v1"` {
		t.Errorf("Etag = %q, want %q", rec.Header().Get("Etag"), `"v1"`)
	}
}

func TestRelayHandler_NonGET(t *testing.T) {
	env := newTestEnv(t)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/abc/def", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "Method not allowed" {
		t.Errorf("body = %q, want %q", rec.Body.String(), "Method not allowed")
	}
	if snap := env.counters.Snapshot(); snap.Total != 0 {
		t.Errorf("total = %d after non-GET, want 0", snap.Total)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err        error
		wantReason string
	}{
		{fmt.Errorf("%w: 6000000 > 5242880", service.ErrContentLengthExceeded), "content_length_exceeded"},
		{service.ErrNoContentType, "no_content_type"},
		{fmt.Errorf("%w: example.com", service.ErrSocketTimeout), "socket_timeout"},
		{fmt.Errorf("%w: 10.0.0.1", service.ErrPrivateAddress), "private_address"},
		{fmt.Errorf("%w: dial tcp: refused", service.ErrUpstreamRequest), "upstream_error"},
		{fmt.Errorf("%w abc:def", ErrChecksumMismatch), "checksum_mismatch"},
		{errors.New("something else"), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.wantReason, func(t *testing.T) {
			if got := classify(tt.err).reason; got != tt.wantReason {
				t.Errorf("classify(%v) = %q, want %q", tt.err, got, tt.wantReason)
			}
		})
	}
}

func assertRejected(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d (body %q)", rec.Code, http.StatusNotFound, rec.Body.String())
	}
	want := map[string]string{
		"Cache-Control":           "no-cache, no-store, private, must-revalidate",
		"Expires":                 "0",
		"X-Frame-Options":         "deny",
		"X-Content-Type-Options":  "nosniff",
		"Content-Security-Policy": "default-src 'none'; img-src data:; style-src 'unsafe-inline'",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}
