// Package signing produces and checks HMAC-SHA256 signatures for outbound
// webhooks and inbound commands, and encrypts endpoint secrets at rest.
package signing

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "X-HarborRelay-Signature" // sha256=<hex>
	TimestampHeader = "X-HarborRelay-Timestamp" // unix seconds

	signaturePrefix  = "sha256="
	DefaultTolerance = 5 * time.Minute
	secretPrefix     = "whsec_"
)

var (
	ErrMissingSignature = errors.New("missing signature or timestamp")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrReplayDetected   = errors.New("timestamp outside tolerance window")
	ErrSignatureInvalid = errors.New("signature mismatch")
)

// Sign returns "sha256=<hex>" over timestamp + "." + body.
func Sign(secret string, timestamp int64, body []byte) string {
	return signaturePrefix + hex.EncodeToString(mac(secret, strconv.FormatInt(timestamp, 10), body))
}

func mac(secret, ts string, body []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(ts))
	h.Write([]byte{'.'})
	h.Write(body)
	return h.Sum(nil)
}

// Signer stamps outbound requests.
type Signer struct {
	Now func() time.Time
}

func NewSigner() *Signer {
	return &Signer{Now: time.Now}
}

// Headers returns the signature and timestamp header values for body.
func (s *Signer) Headers(secret string, body []byte) (signature, timestamp string) {
	ts := s.Now().Unix()
	return Sign(secret, ts, body), strconv.FormatInt(ts, 10)
}

// Verifier checks signatures produced by Sign within a freshness window.
type Verifier struct {
	Tolerance time.Duration
	Now       func() time.Time
}

func NewVerifier(tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Verifier{Tolerance: tolerance, Now: time.Now}
}

// Verify checks the timestamp window first, then the MAC in constant time.
func (v *Verifier) Verify(secret, timestamp string, body []byte, signature string) error {
	if signature == "" || timestamp == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidTimestamp, timestamp)
	}

	skew := v.Now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.Tolerance {
		return fmt.Errorf("%w: skew %s", ErrReplayDetected, skew.Truncate(time.Second))
	}

	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix))
	if err != nil {
		return ErrSignatureInvalid
	}
	if !hmac.Equal(got, mac(secret, strings.TrimSpace(timestamp), body)) {
		return ErrSignatureInvalid
	}
	return nil
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}
