package security

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Provider webhook authentication. The provider signs
// "<timestamp>|<raw body>" with an Ed25519 key and sends the signature and
// timestamp as headers; we verify against the configured public key.
//
// Contract:
// - Signature failures and stale timestamps reject before any state mutation.
// - No configured key means the operator opted out; callers must log a
//   warning and proceed rather than silently bypassing.

const replayWindow = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("security: missing signature or timestamp header")
	ErrStaleTimestamp   = errors.New("security: webhook timestamp outside replay window")
	ErrBadSignature     = errors.New("security: webhook signature verification failed")
)

// Verifier checks provider webhook signatures.
type Verifier struct {
	pubKey ed25519.PublicKey
	clock  func() time.Time
}

// NewVerifier builds a Verifier from a base64-encoded Ed25519 public key.
// An empty key yields a disabled verifier (Enabled() == false).
func NewVerifier(pubKeyBase64 string) (*Verifier, error) {
	v := &Verifier{clock: time.Now}
	if pubKeyBase64 == "" {
		return v, nil
	}
	raw, err := base64.StdEncoding.DecodeString(pubKeyBase64)
	if err != nil {
		return nil, fmt.Errorf("security: decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("security: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	v.pubKey = ed25519.PublicKey(raw)
	return v, nil
}

// Enabled reports whether a public key is configured.
func (v *Verifier) Enabled() bool { return v.pubKey != nil }

// Verify authenticates a webhook delivery. timestamp is the raw header value
// (unix seconds), signatureBase64 the raw signature header, body the exact
// request body bytes.
func (v *Verifier) Verify(timestamp, signatureBase64 string, body []byte) error {
	if !v.Enabled() {
		return nil
	}
	if timestamp == "" || signatureBase64 == "" {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrMissingSignature, timestamp)
	}
	age := v.clock().Sub(time.Unix(ts, 0))
	if age > replayWindow || age < -replayWindow {
		return ErrStaleTimestamp
	}

	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return fmt.Errorf("%w: signature not base64", ErrBadSignature)
	}

	msg := make([]byte, 0, len(timestamp)+1+len(body))
	msg = append(msg, timestamp...)
	msg = append(msg, '|')
	msg = append(msg, body...)

	if !ed25519.Verify(v.pubKey, msg, sig) {
		return ErrBadSignature
	}
	return nil
}
