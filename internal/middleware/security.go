package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"camo-proxy-go/internal/model"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that applies the security header
// policy and X-Powered-By to every response, and strips hop-by-hop headers
// from requests. Headers are set before the handler runs because relayed
// bodies are streamed and the header block is committed on first write.
func SecurityHeaders(poweredBy string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}

			header := c.Response().Header()
			model.ApplySecurityHeaders(header)
			header.Set("X-Powered-By", poweredBy)

			return next(c)
		}
	}
}

// MethodGuard answers every non-GET request with 200 "Method not allowed".
// Existing clients depend on the 200.
func MethodGuard() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet {
				return c.String(http.StatusOK, "Method not allowed")
			}
			return next(c)
		}
	}
}
