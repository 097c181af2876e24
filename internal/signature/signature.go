// Package signature binds origin URLs to the relay's shared key.
//
// A signed path has the form /{digest}/{hexURL}, where hexURL is the
// lowercase hex encoding of the origin URL's UTF-8 bytes and digest is the
// lowercase hex HMAC-SHA1 of the same bytes.
package signature

import (
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is the wire format shared with existing signers
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmptyURL is returned by Encode when there is nothing to sign.
	ErrEmptyURL = errors.New("signature: empty url")

	// ErrHTTPSOrigin is returned by Encode for https: origins, which are
	// never signed.
	ErrHTTPSOrigin = errors.New("signature: https origins are not signed")

	// ErrMalformed is returned by Decode for anything that is not a
	// non-empty, even-length, lowercase hex encoding of UTF-8 text.
	ErrMalformed = errors.New("signature: malformed encoded url")
)

var hexPattern = regexp.MustCompile(`^[0-9a-f]+$`)

// Signed is the client-visible pair produced by Encode.
type Signed struct {
	Digest     string
	EncodedURL string
}

// Path returns the request path for s.
func (s Signed) Path() string {
	return "/" + s.Digest + "/" + s.EncodedURL
}

// URL returns the full relay URL for s under base. A trailing slash on base
// is ignored.
func (s Signed) URL(base string) string {
	return strings.TrimRight(base, "/") + s.Path()
}

// Encode signs rawURL with key.
func Encode(rawURL string, key []byte) (Signed, error) {
	if rawURL == "" {
		return Signed{}, ErrEmptyURL
	}
	if strings.HasPrefix(rawURL, "https:") {
		return Signed{}, ErrHTTPSOrigin
	}
	return Signed{
		Digest:     Sign(rawURL, key),
		EncodedURL: hex.EncodeToString([]byte(rawURL)),
	}, nil
}

// Decode returns the plaintext URL carried by encoded.
func Decode(encoded string) (string, error) {
	if len(encoded)%2 != 0 || !hexPattern.MatchString(encoded) {
		return "", fmt.Errorf("%w: %q", ErrMalformed, truncate(encoded))
	}
	b, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("%w: not utf-8", ErrMalformed)
	}
	return string(b), nil
}

// Sign returns the lowercase hex HMAC-SHA1 of rawURL under key.
func Sign(rawURL string, key []byte) string {
	mac := hmac.New(sha1.New, key)
	mac.Write([]byte(rawURL))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether digest is exactly the signature of rawURL under key.
// The comparison is case-sensitive and constant-time.
func Verify(digest, rawURL string, key []byte) bool {
	return hmac.Equal([]byte(digest), []byte(Sign(rawURL, key)))
}

// ParsePath splits a request path into its digest and encoded URL segments.
// Anything after a third slash is ignored.
func ParsePath(path string) (digest, encoded string) {
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 3)
	digest = parts[0]
	if len(parts) > 1 {
		encoded = parts[1]
	}
	return digest, encoded
}

func truncate(s string) string {
	const limit = 32
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
