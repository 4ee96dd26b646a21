package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to
	// signature timestamp checks. It prevents false rejections due to minor
	// time differences between consumer and server hosts; 5 seconds handles
	// typical NTP drift without meaningfully extending the replay window.
	//
	// The business-level token windows (token timeout, verify timeout) are
	// checked without grace - this constant is for handshake signatures only.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a deadline has passed with the default clock skew
// grace period applied.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether a deadline has passed with a custom
// grace period. A zero deadline never expires.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}
