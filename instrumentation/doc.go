// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the ssokit library.
//
// This package enables observability across all library layers through:
// - Metrics: Counters, histograms, and gauges for monitoring SSO operations
// - Traces: Distributed tracing for request flows across components
//
// # Quick Start
//
// Enable basic instrumentation:
//
//	import "github.com/ssokit/ssokit/instrumentation"
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "my-sso-service",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	// Pass to server and storage
//	server.SetInstrumentation(inst)
//	store.SetInstrumentation(inst)
//
// # Available Metrics
//
// HTTP Layer:
//   - sso.http.requests.total{method, endpoint, status} - Total HTTP requests
//   - sso.http.request.duration{endpoint} - Request duration in milliseconds
//
// Token Lifecycle:
//   - sso.token.issued{consumer} - Request tokens issued
//   - sso.token.authorized{consumer} - Request tokens bound to users
//   - sso.token.verified{consumer} - Access tokens verified
//   - sso.logout{consumer} - Logout cascades completed
//   - sso.consumer.registered - Consumers registered
//
// Security:
//   - sso.signature.failed{reason} - Signature verification failures
//   - sso.rate_limit.exceeded{limiter_type} - Rate limit violations
//   - sso.audit.events.total{event_type} - Audit events emitted
//
// Storage:
//   - storage.operation.total{operation, result} - Storage operations
//   - storage.operation.duration{operation} - Operation duration in milliseconds
//   - storage.size.tokens - Live tokens held by the store
//   - storage.size.consumers - Registered consumers held by the store
//
// When Enabled is false, no-op providers are used and the overhead is
// negligible. Exporter wiring (Prometheus, OTLP) is left to the host
// application through the Resource and provider accessors.
package instrumentation
