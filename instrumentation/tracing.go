package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never log actual sensitive values (request tokens, access
// tokens, consumer private keys) in traces or metrics. Only log metadata such
// as consumer public keys, expiry windows, and validation results.
const (
	// SSO flow attributes - SAFE to use for metadata only
	AttrConsumerKey = "sso.consumer_key" // Consumer public key (non-secret)
	AttrUserID      = "sso.user_id"      // User identifier (non-secret)
	AttrRedirectTo  = "sso.redirect_to"  // Post-authorization redirect target
	AttrTokenBound  = "sso.token.bound"  //nolint:gosec // Whether the token is bound to a user (boolean)
	AttrError       = "sso.error"        // Error code

	// RESERVED - DO NOT USE: reserved for potential future metadata use only.
	// NEVER set these attributes to actual credential values.
	AttrRequestToken = "sso.request_token" //nolint:gosec // RESERVED - use "token_present" instead
	AttrAccessToken  = "sso.access_token"  //nolint:gosec // RESERVED - use "token_present" instead

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common SSO flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, consumerKey, userID string) {
	if consumerKey != "" {
		SetSpanAttributes(span, attribute.String(AttrConsumerKey, consumerKey))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe)
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span (nil-safe)
//
// PRIVACY NOTE: Client IP addresses may be considered Personally Identifiable
// Information (PII). Before calling this function, check if IP logging is
// enabled using instrumentation.ShouldLogClientIPs().
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
