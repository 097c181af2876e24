// Package model defines shared types for the relay.
package model

import (
	"io"
	"net/http"
	"net/url"
)

// HopKind classifies one upstream response.
type HopKind int

const (
	// HopSuccess is any non-redirect, non-304 response that passed the
	// content checks; its body is relayed.
	HopSuccess HopKind = iota
	// HopRedirect is a 301, 302, 303 or 307 response with a Location.
	HopRedirect
	// HopNotModified is a 304 response; no body is relayed.
	HopNotModified
)

func (k HopKind) String() string {
	switch k {
	case HopSuccess:
		return "success"
	case HopRedirect:
		return "redirect"
	case HopNotModified:
		return "not_modified"
	default:
		return "unknown"
	}
}

// RelayRequest is a verified client request to fetch one origin URL.
type RelayRequest struct {
	Target *url.URL
	Header http.Header // outbound header set, shared by every hop
}

// RelayResponse is the terminal upstream response to be streamed back.
// Body is http.NoBody for HopNotModified.
type RelayResponse struct {
	Kind       HopKind
	StatusCode int
	Header     http.Header // assembled client-facing headers
	Body       io.ReadCloser
	Hops       int
}
