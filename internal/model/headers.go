package model

import "net/http"

// Security header values sent on every response.
const (
	ContentSecurityPolicy   = "default-src 'none'; img-src data:; style-src 'unsafe-inline'"
	StrictTransportSecurity = "max-age=31536000; includeSubDomains"
	ContentTypeOptions      = "nosniff"
	FrameOptions            = "deny"
	XSSProtection           = "1; mode=block"
)

// ApplySecurityHeaders sets the full security header policy on h.
func ApplySecurityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", ContentSecurityPolicy)
	h.Set("Strict-Transport-Security", StrictTransportSecurity)
	h.Set("X-Content-Type-Options", ContentTypeOptions)
	h.Set("X-Frame-Options", FrameOptions)
	h.Set("X-XSS-Protection", XSSProtection)
}

// ApplyOutboundSecurityHeaders sets the subset of the policy that is sent to
// origins. HSTS is response-only.
func ApplyOutboundSecurityHeaders(h http.Header) {
	h.Set("Content-Security-Policy", ContentSecurityPolicy)
	h.Set("X-Content-Type-Options", ContentTypeOptions)
	h.Set("X-Frame-Options", FrameOptions)
	h.Set("X-XSS-Protection", XSSProtection)
}
