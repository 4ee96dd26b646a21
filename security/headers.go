package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders sets defensive headers on SSO endpoint responses.
func SetSecurityHeaders(w http.ResponseWriter, serverURL string) {
	// Prevent clickjacking of the authorize endpoint
	w.Header().Set("X-Frame-Options", "DENY")

	// Prevent MIME type sniffing
	w.Header().Set("X-Content-Type-Options", "nosniff")

	// Strict policy: SSO endpoints serve no active content
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")

	// Don't leak token-bearing URLs through the Referer header
	w.Header().Set("Referrer-Policy", "no-referrer")

	// Enforce HTTPS only if the server itself is served over HTTPS
	if parsed, err := url.Parse(serverURL); err == nil && parsed.Scheme == "https" {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// Responses carry tokens and profile data; never cache them
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
