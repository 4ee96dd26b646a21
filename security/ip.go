package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the real client IP address from the request.
// Supports X-Forwarded-For and X-Real-IP headers when behind a proxy.
//
// SECURITY CONSIDERATIONS:
// - Only enable trustProxy when behind a trusted reverse proxy
// - X-Forwarded-For format: "client, proxy1, proxy2, ..."
// - trustedProxyCount specifies how many proxies to trust from the right,
//   which prevents X-Forwarded-For spoofing in multi-proxy setups
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := extractIPFromXRealIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF parses the X-Forwarded-For header and extracts the client
// IP. The rightmost entries are the trusted proxies we control; the client IP
// sits at len(ips) - trustedProxyCount - 1.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if len(ips) == 0 {
		return ""
	}

	clientIndex := calculateClientIPIndex(len(ips), trustedProxyCount)
	clientIP := strings.TrimSpace(ips[clientIndex])

	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

// calculateClientIPIndex determines the index of the client IP in the
// X-Forwarded-For list. If trustedProxyCount is 0, assumes 1 trusted proxy.
// If there are not enough entries, falls back to the leftmost IP.
func calculateClientIPIndex(count, trustedProxyCount int) int {
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	index := count - trustedProxyCount - 1
	if index < 0 {
		return 0
	}
	return index
}

func extractIPFromXRealIP(realIP string) string {
	realIP = strings.TrimSpace(realIP)
	if realIP == "" {
		return ""
	}
	if net.ParseIP(realIP) != nil {
		return realIP
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	// RemoteAddr without a port (some test servers)
	return remoteAddr
}
