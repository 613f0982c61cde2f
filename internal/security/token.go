package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

const streamTokenBytes = 32

// NewStreamToken returns a fresh per-call media-stream token: 32 random
// bytes, URL-safe base64 so it can ride in a query parameter.
func NewStreamToken() (string, error) {
	buf := make([]byte, streamTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("security: token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// TokenEqual compares two tokens in constant time. A length mismatch is a
// mismatch, not an error; cost must not depend on where the first
// differing byte sits.
func TokenEqual(a, b string) bool {
	if len(a) != len(b) {
		// Still burn a comparison so length probes learn nothing extra.
		subtle.ConstantTimeCompare([]byte(a), []byte(a))
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
