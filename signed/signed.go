package signed

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

// DefaultMaxAge is the default validity window for envelope signatures.
// Envelopes older (or more in the future) than this are rejected. The window
// is intentionally short; it bounds replay, not the business-level token
// timeouts.
const DefaultMaxAge = 5 * time.Second

// ErrInvalidSignature is returned for every envelope verification failure:
// bad MAC, malformed or stale timestamp, or truncated envelope. The single
// error value prevents callers from leaking which part of validation failed.
var ErrInvalidSignature = errors.New("invalid signature")

// HKDF info strings for domain separation of derived keys
const (
	envelopeKeyInfo    = "ssokit/envelope/v1"
	accessTokenKeyInfo = "ssokit/access-token/v1"
)

// Envelope is the wire format for signed consumer/server traffic. The
// signature covers the public key, the timestamp, and the payload bytes
// exactly as transmitted.
type Envelope struct {
	PublicKey string          `json:"public_key,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// deriveKey derives a 32-byte signing key from a consumer private key using
// HKDF-SHA256 with the given domain-separation info string.
func deriveKey(secret, info string) []byte {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		// HKDF over SHA-256 cannot fail to produce 32 bytes
		panic(fmt.Sprintf("hkdf expand failed: %v", err))
	}
	return key
}

// computeMAC computes the envelope MAC over publicKey, timestamp and payload.
// A newline separator is safe: none of the fields may contain raw newlines
// (the public key and timestamp are base64url/RFC 3339, the payload is
// compact JSON).
func computeMAC(key []byte, publicKey, timestamp string, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(publicKey))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write(payload)
	return mac.Sum(nil)
}

// Sign serializes the payload and wraps it in a signed envelope attributed to
// publicKey. Pass an empty publicKey for response envelopes, where the
// consumer identity is already established by the request.
func Sign(secret, publicKey string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	mac := computeMAC(deriveKey(secret, envelopeKeyInfo), publicKey, timestamp, data)

	return &Envelope{
		PublicKey: publicKey,
		Timestamp: timestamp,
		Payload:   data,
		Signature: base64.RawURLEncoding.EncodeToString(mac),
	}, nil
}

// Verify checks the envelope signature against the secret and enforces the
// signature age window. All failures surface as ErrInvalidSignature.
func Verify(secret string, env *Envelope, maxAge time.Duration) error {
	if env == nil || env.Signature == "" || len(env.Payload) == 0 {
		return ErrInvalidSignature
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}

	ts, err := time.Parse(time.RFC3339Nano, env.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrInvalidSignature)
	}

	// Reject both stale and future-dated envelopes. The window is symmetric
	// so modest clock drift in either direction is tolerated but replay is
	// still bounded.
	age := time.Since(ts)
	if age > maxAge || age < -maxAge {
		return fmt.Errorf("%w: stale timestamp", ErrInvalidSignature)
	}

	got, err := base64.RawURLEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", ErrInvalidSignature)
	}

	want := computeMAC(deriveKey(secret, envelopeKeyInfo), env.PublicKey, env.Timestamp, env.Payload)

	// Constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrInvalidSignature
	}

	return nil
}

// DecodePayload unmarshals the envelope payload into v. Verify must have
// succeeded first; DecodePayload performs no authentication.
func DecodePayload(env *Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}
	return nil
}
