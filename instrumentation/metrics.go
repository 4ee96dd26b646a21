package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the SSO library
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Token Lifecycle Metrics
	TokenIssued        metric.Int64Counter
	TokenAuthorized    metric.Int64Counter
	TokenVerified      metric.Int64Counter
	LogoutsTotal       metric.Int64Counter
	ConsumerRegistered metric.Int64Counter

	// Security Metrics
	SignatureFailed   metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageSizeTokens        metric.Int64ObservableGauge
	StorageSizeConsumers     metric.Int64ObservableGauge

	// Audit Metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption Metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	// HTTP Layer Metrics
	var err error
	m.HTTPRequestsTotal, err = inst.httpMeter.Int64Counter(
		"sso.http.requests.total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.requests.total counter: %w", err)
	}

	m.HTTPRequestDuration, err = inst.httpMeter.Float64Histogram(
		"sso.http.request.duration",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http.request.duration histogram: %w", err)
	}

	// Token Lifecycle Metrics
	m.TokenIssued, err = inst.serverMeter.Int64Counter(
		"sso.token.issued",
		metric.WithDescription("Number of request tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.issued counter: %w", err)
	}

	m.TokenAuthorized, err = inst.serverMeter.Int64Counter(
		"sso.token.authorized",
		metric.WithDescription("Number of request tokens bound to an authenticated user"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.authorized counter: %w", err)
	}

	m.TokenVerified, err = inst.serverMeter.Int64Counter(
		"sso.token.verified",
		metric.WithDescription("Number of access tokens verified"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.verified counter: %w", err)
	}

	m.LogoutsTotal, err = inst.serverMeter.Int64Counter(
		"sso.logout",
		metric.WithDescription("Number of logout cascades completed"),
		metric.WithUnit("{logout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create logout counter: %w", err)
	}

	m.ConsumerRegistered, err = inst.serverMeter.Int64Counter(
		"sso.consumer.registered",
		metric.WithDescription("Number of consumers registered"),
		metric.WithUnit("{consumer}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer.registered counter: %w", err)
	}

	// Security Metrics
	m.SignatureFailed, err = inst.securityMeter.Int64Counter(
		"sso.signature.failed",
		metric.WithDescription("Number of request signature verification failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signature.failed counter: %w", err)
	}

	m.RateLimitExceeded, err = inst.securityMeter.Int64Counter(
		"sso.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	// Storage Metrics
	m.StorageOperationTotal, err = inst.storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = inst.storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageSizeTokens, err = inst.storageMeter.Int64ObservableGauge(
		"storage.size.tokens",
		metric.WithDescription("Number of live tokens held by the store"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.tokens gauge: %w", err)
	}

	m.StorageSizeConsumers, err = inst.storageMeter.Int64ObservableGauge(
		"storage.size.consumers",
		metric.WithDescription("Number of registered consumers held by the store"),
		metric.WithUnit("{consumer}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.size.consumers gauge: %w", err)
	}

	// Audit Metrics
	m.AuditEventsTotal, err = inst.securityMeter.Int64Counter(
		"sso.audit.events.total",
		metric.WithDescription("Total number of audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	// Encryption Metrics
	m.EncryptionOperationsTotal, err = inst.securityMeter.Int64Counter(
		"sso.encryption.operations.total",
		metric.WithDescription("Total number of encryption/decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = inst.securityMeter.Float64Histogram(
		"sso.encryption.duration",
		metric.WithDescription("Encryption/decryption operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	}

	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordTokenIssued records a request token issuance
func (m *Metrics) RecordTokenIssued(ctx context.Context, consumerKey string) {
	m.TokenIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", consumerKey),
	))
}

// RecordTokenAuthorized records a request token being bound to a user
func (m *Metrics) RecordTokenAuthorized(ctx context.Context, consumerKey string) {
	m.TokenAuthorized.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", consumerKey),
	))
}

// RecordTokenVerified records an access token verification
func (m *Metrics) RecordTokenVerified(ctx context.Context, consumerKey string, success bool) {
	m.TokenVerified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", consumerKey),
		attribute.Bool("success", success),
	))
}

// RecordLogout records a completed logout cascade
func (m *Metrics) RecordLogout(ctx context.Context, consumerKey string, tokensDeleted int) {
	m.LogoutsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("consumer", consumerKey),
		attribute.Int("tokens_deleted", tokensDeleted),
	))
}

// RecordConsumerRegistered records a consumer registration
func (m *Metrics) RecordConsumerRegistered(ctx context.Context) {
	m.ConsumerRegistered.Add(ctx, 1)
}

// RecordSignatureFailure records a request signature verification failure
func (m *Metrics) RecordSignatureFailure(ctx context.Context, reason string) {
	m.SignatureFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
