package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ssokit/ssokit/security"
	"github.com/ssokit/ssokit/signed"
	"github.com/ssokit/ssokit/storage"
)

// maxRequestBodySize caps signed request bodies. Envelopes are small; a
// larger body is never legitimate.
const maxRequestBodySize = 64 * 1024

// Handler exposes the SSO server over HTTP: three signed server-to-server
// endpoints (request-token, verify, logout) and one browser-facing endpoint
// (authorize).
type Handler struct {
	server *Server
	logger *slog.Logger
	tracer trace.Tracer
}

// NewHandler creates an HTTP handler for the server
func NewHandler(server *Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		server: server,
		logger: logger,
	}
	if server.Instrumentation != nil {
		h.tracer = server.Instrumentation.Tracer("http")
	}
	return h
}

// RegisterRoutes registers the SSO endpoints on the given mux under prefix
// (e.g. "/server"). An empty prefix mounts them at the root.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, prefix string) {
	prefix = strings.TrimRight(prefix, "/")
	mux.HandleFunc(prefix+"/request-token", h.ServeRequestToken)
	mux.HandleFunc(prefix+"/authorize", h.ServeAuthorize)
	mux.HandleFunc(prefix+"/verify", h.ServeVerify)
	mux.HandleFunc(prefix+"/logout", h.ServeLogout)
}

// ============================================================
// Signed server-to-server endpoints
// ============================================================

// ServeRequestToken handles POST /request-token. The consumer backend sends
// a signed payload naming its redirect target and receives a signed request
// token.
func (h *Handler) ServeRequestToken(w http.ResponseWriter, r *http.Request) {
	h.handleSigned(w, r, "request-token",
		func(ctx context.Context, consumer *storage.Consumer, payload json.RawMessage) (any, error) {
			var req RequestTokenRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, ErrMalformedRequest("invalid payload")
			}
			token, err := h.server.IssueRequestToken(ctx, consumer, req.RedirectTo)
			if err != nil {
				return nil, err
			}
			return &RequestTokenResponse{RequestToken: token.RequestToken}, nil
		})
}

// ServeVerify handles POST /verify. The consumer backend presents the signed
// access token it received via the browser redirect and gets back the bound
// user's profile.
func (h *Handler) ServeVerify(w http.ResponseWriter, r *http.Request) {
	h.handleSigned(w, r, "verify",
		func(ctx context.Context, consumer *storage.Consumer, payload json.RawMessage) (any, error) {
			var req VerifyRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, ErrMalformedRequest("invalid payload")
			}
			if req.AccessToken == "" {
				return nil, ErrMalformedRequest("access_token is required")
			}
			return h.server.Verify(ctx, consumer, req.AccessToken, req.ExtraData)
		})
}

// ServeLogout handles POST /logout. Tears down the session behind the access
// token; every other consumer's token on that session dies with it.
func (h *Handler) ServeLogout(w http.ResponseWriter, r *http.Request) {
	h.handleSigned(w, r, "logout",
		func(ctx context.Context, consumer *storage.Consumer, payload json.RawMessage) (any, error) {
			var req LogoutRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, ErrMalformedRequest("invalid payload")
			}
			if req.AccessToken == "" {
				return nil, ErrMalformedRequest("access_token is required")
			}
			if err := h.server.Logout(ctx, consumer, req.AccessToken); err != nil {
				return nil, err
			}
			return &LogoutResponse{Status: "ok"}, nil
		})
}

// handleSigned runs the shared signed-endpoint chain: decode the envelope,
// resolve the consumer, verify the signature, invoke the operation, and sign
// the response with the same consumer secret.
//
// SECURITY: every pre-verification failure (unknown public key, bad MAC,
// stale timestamp, malformed envelope) produces the identical response, so
// the endpoint cannot be used to enumerate registered consumers.
func (h *Handler) handleSigned(w http.ResponseWriter, r *http.Request,
	endpoint string, invoke func(ctx context.Context, consumer *storage.Consumer, payload json.RawMessage) (any, error)) {

	start := time.Now()
	status := http.StatusOK

	ctx := security.WithRequestID(r.Context(), security.RequestIDFromRequest(r))
	ctx, span := h.startSpan(ctx, endpoint)
	defer span.End()

	defer func() {
		h.recordRequest(ctx, r.Method, endpoint, status, start)
	}()

	config := h.server.Config()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodPost)
		h.writeError(w, NewProtocolError(ErrorCodeInvalidRequest, "method not allowed", status))
		return
	}

	clientIP := security.GetClientIP(r, config.TrustProxy, config.TrustedProxyCount)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		status = http.StatusBadRequest
		h.writeError(w, ErrMalformedRequest("failed to read request body"))
		return
	}

	var env signed.Envelope
	if err := json.Unmarshal(body, &env); err != nil || env.PublicKey == "" {
		status = h.signatureFailure(ctx, w, env.PublicKey, clientIP, "malformed envelope")
		return
	}

	consumer, err := h.server.GetConsumer(ctx, env.PublicKey)
	if err != nil {
		status = h.signatureFailure(ctx, w, env.PublicKey, clientIP, "unknown consumer")
		return
	}

	if err := signed.Verify(consumer.PrivateKey, &env, config.SignatureMaxAge); err != nil {
		status = h.signatureFailure(ctx, w, env.PublicKey, clientIP, "signature mismatch")
		return
	}

	result, err := invoke(ctx, consumer, env.Payload)
	if err != nil {
		status = h.errorStatus(err)
		h.logger.Debug("Signed request rejected",
			"endpoint", endpoint,
			"consumer", consumer.PublicKey,
			"error", err)
		h.writeError(w, err)
		return
	}

	response, err := signed.Sign(consumer.PrivateKey, "", result)
	if err != nil {
		status = http.StatusInternalServerError
		h.logger.Error("Failed to sign response", "endpoint", endpoint, "error", err)
		h.writeError(w, ErrServerError("failed to sign response"))
		return
	}

	h.writeJSON(w, http.StatusOK, response)
}

// signatureFailure writes the uniform signature rejection and records the
// real reason out of band (audit log and metrics only)
func (h *Handler) signatureFailure(ctx context.Context, w http.ResponseWriter, publicKey, clientIP, reason string) int {
	h.server.Auditor().LogSignatureFailure(publicKey, clientIP, reason)
	if h.server.Instrumentation != nil {
		h.server.Instrumentation.Metrics().RecordSignatureFailure(ctx, reason)
	}
	protoErr := ErrSignatureInvalid()
	h.writeError(w, protoErr)
	return protoErr.Status
}

// ============================================================
// Browser-facing authorize endpoint
// ============================================================

// ServeAuthorize handles GET /authorize?token=..., the only endpoint a
// browser touches. Anonymous users are bounced to the login URL and
// re-enter here with the same token after authenticating; authenticated
// users have the token bound to them and are redirected back to the
// consumer with a signed access token.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	status := http.StatusFound

	ctx := security.WithRequestID(r.Context(), security.RequestIDFromRequest(r))
	ctx, span := h.startSpan(ctx, "authorize")
	defer span.End()

	defer func() {
		h.recordRequest(ctx, r.Method, "authorize", status, start)
	}()

	config := h.server.Config()
	security.SetSecurityHeaders(w, config.ServerURL)

	if r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", status)
		return
	}

	clientIP := security.GetClientIP(r, config.TrustProxy, config.TrustedProxyCount)

	if limiter := h.server.RateLimiter(); limiter != nil && !limiter.Allow(clientIP) {
		status = http.StatusTooManyRequests
		h.server.Auditor().LogRateLimitExceeded(clientIP)
		if h.server.Instrumentation != nil {
			h.server.Instrumentation.Metrics().RecordRateLimitExceeded(ctx, "authorize")
		}
		http.Error(w, "rate limit exceeded", status)
		return
	}

	requestToken := r.URL.Query().Get("token")
	if requestToken == "" {
		status = http.StatusBadRequest
		http.Error(w, "Token missing", status)
		return
	}

	token, err := h.server.CheckRequestToken(ctx, requestToken)
	if err != nil {
		status = h.errorStatus(err)
		h.writeBrowserError(w, err, status)
		return
	}

	user, sessionID, ok := h.server.authn.UserFromRequest(r)
	if !ok {
		// Not logged in yet: send the browser to the login page with a
		// next parameter that re-enters this flow with the same token.
		http.Redirect(w, r, loginRedirectURL(config.LoginURL, r.URL.RequestURI()), http.StatusFound)
		return
	}

	redirect, err := h.server.GrantAccess(ctx, token, user, sessionID, clientIP)
	if err != nil {
		status = h.errorStatus(err)
		h.writeBrowserError(w, err, status)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// loginRedirectURL builds the login URL with a next parameter pointing back
// at the authorize endpoint
func loginRedirectURL(loginURL, next string) string {
	separator := "?"
	if strings.Contains(loginURL, "?") {
		separator = "&"
	}
	return loginURL + separator + "next=" + url.QueryEscape(next)
}

// ============================================================
// Response helpers
// ============================================================

// errorStatus maps an operation error to its HTTP status
func (h *Handler) errorStatus(err error) int {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr.Status
	}
	return http.StatusInternalServerError
}

// writeError writes a structured JSON error response for server-to-server
// callers
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		h.logger.Error("Unhandled operation error", "error", err)
		protoErr = ErrServerError("internal server error")
	}

	security.SetSecurityHeaders(w, h.server.Config().ServerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(protoErr.Status)

	response := map[string]string{
		"error":             protoErr.Code,
		"error_description": protoErr.Description,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to write error response", "error", err)
	}
}

// writeBrowserError writes a plain-text error for browser-facing failures.
// Browsers get the human-readable description, not the protocol code.
func (h *Handler) writeBrowserError(w http.ResponseWriter, err error, status int) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		http.Error(w, protoErr.Description, status)
		return
	}
	h.logger.Error("Unhandled authorize error", "error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// writeJSON writes a JSON response with security headers
func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	security.SetSecurityHeaders(w, h.server.Config().ServerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write response", "error", err)
	}
}

func (h *Handler) recordRequest(ctx context.Context, method, endpoint string, status int, start time.Time) {
	if h.server.Instrumentation == nil {
		return
	}
	durationMs := float64(time.Since(start).Milliseconds())
	h.server.Instrumentation.Metrics().RecordHTTPRequest(ctx, method, endpoint, status, durationMs)
}

func (h *Handler) startSpan(ctx context.Context, endpoint string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, fmt.Sprintf("http.%s", endpoint))
}
