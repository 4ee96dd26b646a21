package sso

import (
	"log/slog"
	"time"

	"github.com/ssokit/ssokit/internal/util"
	"github.com/ssokit/ssokit/signed"
)

// Default business expiry windows. TokenTimeout bounds the gap between
// request-token issuance and completed authorization (the browser may pause
// indefinitely on the login page inside this window); TokenVerifyTimeout
// bounds how long a bound access token remains verifiable after its last
// touch.
const (
	DefaultTokenTimeout       = 5 * time.Minute
	DefaultTokenVerifyTimeout = 10 * time.Minute
)

// Config holds the SSO server configuration
type Config struct {
	// ServerURL is the server's public base URL, used for security headers
	ServerURL string

	// LoginURL is the host application's login entry point. The authorize
	// flow redirects anonymous browsers there with a `next` parameter that
	// re-enters the flow after authentication. May be a path or an
	// absolute URL.
	LoginURL string

	// TokenTimeout is how long an unauthorized request token stays usable
	// after its last touch. Default: 5 minutes.
	TokenTimeout time.Duration

	// TokenVerifyTimeout is how long a bound access token stays verifiable
	// after its last touch. Typically longer than TokenTimeout.
	// Default: 10 minutes.
	TokenVerifyTimeout time.Duration

	// SignatureMaxAge is the clock-skew window for handshake signatures.
	// This is independent of the business expiry windows above.
	// Default: 5 seconds.
	SignatureMaxAge time.Duration

	// RateLimit configures per-IP rate limiting on the browser-facing
	// authorize endpoint
	RateLimit RateLimitConfig

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers.
	// WARNING: Only enable if behind a trusted reverse proxy.
	// Default: false.
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this
	// server. Used with TrustProxy to extract the client IP from
	// X-Forwarded-For. Default: 1.
	TrustedProxyCount int

	// EnableAuditLogging enables security audit logging of token
	// operations and rejections (sensitive values hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses slog.Default() if not
	// provided)
	Logger *slog.Logger
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.TokenTimeout == 0 {
		config.TokenTimeout = DefaultTokenTimeout
	}
	if config.TokenVerifyTimeout == 0 {
		config.TokenVerifyTimeout = DefaultTokenVerifyTimeout
	}
	if config.SignatureMaxAge == 0 {
		config.SignatureMaxAge = signed.DefaultMaxAge
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.LoginURL == "" {
		config.LoginURL = "/login/"
	}

	config.ServerURL = util.NormalizeURL(config.ServerURL)

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IP extraction",
			"risk", "IP spoofing if the proxy chain is misconfigured",
			"trusted_proxy_count", config.TrustedProxyCount)
	}

	return config
}
