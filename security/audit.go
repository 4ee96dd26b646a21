package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type        string
	UserID      string
	ConsumerKey string
	IPAddress   string
	Details     map[string]any
	Timestamp   time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"consumer", event.ConsumerKey,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogTokenIssued logs when a request token is issued to a consumer
func (a *Auditor) LogTokenIssued(consumerKey, redirectTo string) {
	a.LogEvent(Event{
		Type:        "request_token_issued",
		ConsumerKey: consumerKey,
		Details: map[string]any{
			"redirect_to": redirectTo,
		},
	})
}

// LogTokenAuthorized logs a successful authorization (token bound to a user)
func (a *Auditor) LogTokenAuthorized(userID, consumerKey, ipAddress string) {
	a.LogEvent(Event{
		Type:        "token_authorized",
		UserID:      userID,
		ConsumerKey: consumerKey,
		IPAddress:   ipAddress,
	})
}

// LogTokenVerified logs a successful access-token verification
func (a *Auditor) LogTokenVerified(userID, consumerKey string) {
	a.LogEvent(Event{
		Type:        "token_verified",
		UserID:      userID,
		ConsumerKey: consumerKey,
	})
}

// LogLogout logs a consumer-initiated logout and its cascade
func (a *Auditor) LogLogout(userID, consumerKey string, tokensDeleted int) {
	a.LogEvent(Event{
		Type:        "logout",
		UserID:      userID,
		ConsumerKey: consumerKey,
		Details: map[string]any{
			"tokens_deleted": tokensDeleted,
		},
	})
}

// LogAuthFailure logs an authentication or authorization failure
func (a *Auditor) LogAuthFailure(userID, consumerKey, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:        "auth_failure",
		UserID:      userID,
		ConsumerKey: consumerKey,
		IPAddress:   ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogSignatureFailure logs a rejected signed envelope. The reason is logged
// for operators; the caller's response stays uniform.
func (a *Auditor) LogSignatureFailure(publicKey, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:        "signature_failure",
		ConsumerKey: publicKey,
		IPAddress:   ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
	})
}

// LogConsumerRegistered logs when a new consumer is provisioned
func (a *Auditor) LogConsumerRegistered(publicKey, name string) {
	a.LogEvent(Event{
		Type:        "consumer_registered",
		ConsumerKey: publicKey,
		Details: map[string]any{
			"name": name,
		},
	})
}

// hashForLogging produces a short SHA-256 digest of an identifier so audit
// lines can be correlated without recording the identifier itself.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
