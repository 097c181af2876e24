package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders_AddsHeaders(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("Camo"))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	want := map[string]string{
		"X-Frame-Options":           "deny",
		"Content-Security-Policy":   "default-src 'none'; img-src data:; style-src 'unsafe-inline'",
		"X-Content-Type-Options":    "nosniff",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
		"X-XSS-Protection":          "1; mode=block",
		"X-Powered-By":              "Camo",
	}
	for k, v := range want {
		if got := rec.Header().Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
}

func TestSecurityHeaders_PresentOnStreamedResponse(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("Camo"))
	e.GET("/stream", func(c echo.Context) error {
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write([]byte("chunk"))
		return err
	})

	req := httptest.NewRequest(http.MethodGet, "/stream", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if v := rec.Header().Get("X-Frame-Options"); v != "deny" {
		t.Errorf("X-Frame-Options = %q, want %q", v, "deny")
	}
}

func TestSecurityHeaders_PresentOnErrors(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("Camo"))

	req := httptest.NewRequest(http.MethodGet, "/missing", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	if v := rec.Header().Get("X-Content-Type-Options"); v != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", v, "nosniff")
	}
}

func TestSecurityHeaders_StripsHopByHop(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders("Camo"))

	var gotConnection, gotProxyAuth string
	e.GET("/test", func(c echo.Context) error {
		gotConnection = c.Request().Header.Get("Connection")
		gotProxyAuth = c.Request().Header.Get("Proxy-Authorization")
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Proxy-Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if gotConnection != "" {
		t.Errorf("Connection header should be stripped, got %q", gotConnection)
	}
	if gotProxyAuth != "" {
		t.Errorf("Proxy-Authorization header should be stripped, got %q", gotProxyAuth)
	}
}

func TestMethodGuard(t *testing.T) {
	tests := []struct {
		method   string
		wantBody string
	}{
		{http.MethodGet, "handled"},
		{http.MethodPost, "Method not allowed"},
		{http.MethodPut, "Method not allowed"},
		{http.MethodDelete, "Method not allowed"},
		{http.MethodHead, "Method not allowed"},
		{"PURGE", "Method not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			e := echo.New()
			e.Use(SecurityHeaders("Camo"))
			e.Use(MethodGuard())
			e.Any("/*", func(c echo.Context) error {
				return c.String(http.StatusOK, "handled")
			})

			req := httptest.NewRequest(tt.method, "/abc/def", http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
			if tt.method != http.MethodHead && rec.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
			if v := rec.Header().Get("X-Frame-Options"); v != "deny" {
				t.Errorf("X-Frame-Options = %q, want %q", v, "deny")
			}
		})
	}
}
