package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// ============================================================
// Encryption
// ============================================================

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return key
}

func TestEncryptorRoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("private-key-material")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if strings.Contains(ciphertext, "private-key-material") {
		t.Fatal("ciphertext contains plaintext")
	}

	plaintext, err := enc.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plaintext != "private-key-material" {
		t.Errorf("round trip mismatch: got %q", plaintext)
	}
}

func TestEncryptorNondeterministic(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	a, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestEncryptorRejectsShortKey(t *testing.T) {
	if _, err := NewEncryptor(make([]byte, 16)); err == nil {
		t.Fatal("expected error for 16-byte key")
	}
}

func TestEncryptorRejectsTamperedCiphertext(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	ciphertext, err := enc.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	raw, _ := base64.StdEncoding.DecodeString(ciphertext)
	raw[len(raw)-1] ^= 0x01
	if _, err := enc.Decrypt(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected error for tampered ciphertext")
	}
}

func TestKeyFromBase64(t *testing.T) {
	key := testKey(t)
	decoded, err := KeyFromBase64(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatalf("KeyFromBase64: %v", err)
	}
	if len(decoded) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(decoded))
	}

	if _, err := KeyFromBase64("not-base64!!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString(key[:8])); err == nil {
		t.Fatal("expected error for short key")
	}
}

// ============================================================
// Security headers
// ============================================================

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://sso.example.com")

	for header, want := range map[string]string{
		"X-Frame-Options":        "DENY",
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s: got %q want %q", header, got, want)
		}
	}
	if !strings.Contains(rec.Header().Get("Cache-Control"), "no-store") {
		t.Error("Cache-Control missing no-store")
	}
	if rec.Header().Get("Strict-Transport-Security") != "" {
		t.Error("HSTS set for plain-HTTP server URL")
	}
}

func TestSetSecurityHeadersHTTPS(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://sso.example.com")

	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("HSTS not set for HTTPS server URL")
	}
}

// ============================================================
// Client IP extraction
// ============================================================

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		xRealIP           string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:4321",
			want:       "203.0.113.7",
		},
		{
			name:       "proxy headers ignored when not trusted",
			remoteAddr: "10.0.0.1:4321",
			xff:        "203.0.113.7",
			want:       "10.0.0.1",
		},
		{
			name:              "single trusted proxy",
			remoteAddr:        "10.0.0.1:4321",
			xff:               "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
		{
			name:              "two trusted proxies skip appended hop",
			remoteAddr:        "10.0.0.1:4321",
			xff:               "203.0.113.7, 198.51.100.1",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.7",
		},
		{
			name:              "x-real-ip fallback",
			remoteAddr:        "10.0.0.1:4321",
			xRealIP:           "203.0.113.7",
			trustProxy:        true,
			trustedProxyCount: 1,
			want:              "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}
			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP: got %q want %q", got, tt.want)
			}
		})
	}
}

// ============================================================
// Rate limiting
// ============================================================

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(1, 3, slog.Default())
	defer rl.Stop()

	for i := range 3 {
		if !rl.Allow("192.0.2.1") {
			t.Fatalf("request %d within burst was blocked", i)
		}
	}
	if rl.Allow("192.0.2.1") {
		t.Fatal("request over burst was allowed")
	}

	// Other identifiers have independent budgets
	if !rl.Allow("192.0.2.2") {
		t.Fatal("unrelated identifier was blocked")
	}
}

func TestRateLimiterEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(1, 1, 4, slog.Default())
	defer rl.Stop()

	for i := range 10 {
		rl.Allow(string(rune('a' + i)))
	}
	if got := rl.ActiveLimiters(); got > 4 {
		t.Fatalf("limiter map exceeded cap: %d entries", got)
	}
}

// ============================================================
// Request IDs
// ============================================================

func TestRequestIDRoundTrip(t *testing.T) {
	id := GenerateRequestID()
	if id == "" || id == GenerateRequestID() {
		t.Fatal("request IDs must be non-empty and unique")
	}

	ctx := WithRequestID(context.Background(), id)
	if got := GetRequestID(ctx); got != id {
		t.Errorf("GetRequestID: got %q want %q", got, id)
	}
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("expected empty request ID on bare context, got %q", got)
	}
}

func TestRequestIDFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "upstream-id-42")
	if got := RequestIDFromRequest(r); got != "upstream-id-42" {
		t.Errorf("expected upstream ID to be honored, got %q", got)
	}

	// Injection attempts are replaced with a generated ID
	r.Header.Set(RequestIDHeader, "bad\r\nheader")
	if got := RequestIDFromRequest(r); got == "bad\r\nheader" || got == "" {
		t.Errorf("malformed upstream ID was not replaced: %q", got)
	}
}

// ============================================================
// Expiry helpers
// ============================================================

func TestIsExpired(t *testing.T) {
	if IsExpired(time.Now().Add(time.Minute)) {
		t.Error("future deadline reported expired")
	}
	if !IsExpired(time.Now().Add(-time.Minute)) {
		t.Error("past deadline reported live")
	}
}

func TestIsExpiredWithGracePeriod(t *testing.T) {
	deadline := time.Now().Add(-30 * time.Second)
	if IsExpiredWithGracePeriod(deadline, time.Minute) {
		t.Error("deadline within grace period reported expired")
	}
	if !IsExpiredWithGracePeriod(deadline, time.Second) {
		t.Error("deadline past grace period reported live")
	}
}
