package sso

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"go.opentelemetry.io/otel/trace"

	"github.com/ssokit/ssokit/instrumentation"
	"github.com/ssokit/ssokit/internal/util"
	"github.com/ssokit/ssokit/security"
	"github.com/ssokit/ssokit/signed"
	"github.com/ssokit/ssokit/storage"
)

// tokenIDLogLength is how many characters of a token we include in log
// output. Enough to correlate, not enough to replay.
const tokenIDLogLength = 8

// encryptionSetter is implemented by stores that support encryption at rest
type encryptionSetter interface {
	SetEncryptor(encryptor *security.Encryptor)
}

// instrumentationSetter is implemented by stores that emit telemetry
type instrumentationSetter interface {
	SetInstrumentation(inst *instrumentation.Instrumentation)
}

// Server implements the provider side of the token-relay protocol. It owns
// the token lifecycle and delegates authentication, session teardown, and
// user lookup to host-application collaborators.
type Server struct {
	consumers storage.ConsumerStore
	tokens    storage.TokenStore

	authn     Authenticator
	sessions  SessionDestroyer
	directory Directory
	policy    AccessPolicy

	config *Config
	logger *slog.Logger

	auditor     *security.Auditor
	rateLimiter *security.RateLimiter

	// Instrumentation is optional; nil-safe throughout
	Instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// NewServer creates an SSO server backed by the given stores and
// collaborators. config may be nil for secure defaults; logger may be nil to
// use slog.Default().
func NewServer(consumers storage.ConsumerStore, tokens storage.TokenStore,
	authn Authenticator, sessions SessionDestroyer, directory Directory,
	config *Config, logger *slog.Logger) (*Server, error) {

	if consumers == nil || tokens == nil {
		return nil, errors.New("consumer and token stores are required")
	}
	if authn == nil {
		return nil, errors.New("authenticator is required")
	}
	if directory == nil {
		return nil, errors.New("user directory is required")
	}

	if logger == nil {
		logger = slog.Default()
	}
	if config == nil {
		config = &Config{}
	}
	config = applySecureDefaults(config, logger)

	s := &Server{
		consumers: consumers,
		tokens:    tokens,
		authn:     authn,
		sessions:  sessions,
		directory: directory,
		policy:    DefaultPolicy{},
		config:    config,
		logger:    logger,
		auditor:   security.NewAuditor(logger, config.EnableAuditLogging),
	}

	if config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
	}

	return s, nil
}

// Config returns the server's effective configuration
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server's logger
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Auditor returns the server's security auditor
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// RateLimiter returns the per-IP rate limiter, or nil if disabled
func (s *Server) RateLimiter() *security.RateLimiter {
	return s.rateLimiter
}

// SetPolicy replaces the access policy. The default grants every
// authenticated user access to every consumer.
func (s *Server) SetPolicy(policy AccessPolicy) {
	if policy != nil {
		s.policy = policy
	}
}

// SetEncryptor enables encryption at rest on any backing store that
// supports it
func (s *Server) SetEncryptor(encryptor *security.Encryptor) {
	if setter, ok := s.consumers.(encryptionSetter); ok {
		setter.SetEncryptor(encryptor)
	}
	// Consumer and token stores are usually the same object; guard against
	// double wiring is unnecessary since SetEncryptor is idempotent.
	if setter, ok := s.tokens.(encryptionSetter); ok {
		setter.SetEncryptor(encryptor)
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server and
// forwards it to any backing store that supports it
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.Instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
	}
	if setter, ok := s.consumers.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
	if setter, ok := s.tokens.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// Close releases server resources (rate limiter goroutines)
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
}

// ============================================================
// Consumer management
// ============================================================

// RegisterConsumer provisions a new consumer with freshly generated
// credentials and returns it. The private key is only available at
// registration time; it is shared out of band with the consumer
// application.
func (s *Server) RegisterConsumer(ctx context.Context, name string) (*storage.Consumer, error) {
	if name == "" {
		return nil, errors.New("consumer name is required")
	}

	consumer := storage.NewConsumer(name)
	if err := s.consumers.SaveConsumer(ctx, consumer); err != nil {
		return nil, fmt.Errorf("failed to save consumer: %w", err)
	}

	s.auditor.LogConsumerRegistered(consumer.PublicKey, name)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordConsumerRegistered(ctx)
	}
	s.logger.Info("Consumer registered",
		"name", name,
		"public_key", consumer.PublicKey)

	return consumer, nil
}

// GetConsumer looks up a consumer by public key
func (s *Server) GetConsumer(ctx context.Context, publicKey string) (*storage.Consumer, error) {
	return s.consumers.GetConsumer(ctx, publicKey)
}

// ============================================================
// Token lifecycle
// ============================================================

// IssueRequestToken creates a fresh, unbound token for the consumer and
// records the post-authorization redirect target
func (s *Server) IssueRequestToken(ctx context.Context, consumer *storage.Consumer, redirectTo string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "IssueRequestToken")
	defer span.End()

	if redirectTo == "" {
		return nil, ErrMalformedRequest("redirect_to is required")
	}

	token := storage.NewToken(consumer.PublicKey, redirectTo)
	if err := s.tokens.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to create token: %w", err)
	}

	s.auditor.LogTokenIssued(consumer.PublicKey, redirectTo)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenIssued(ctx, consumer.PublicKey)
	}
	s.logger.Debug("Request token issued",
		"consumer", consumer.PublicKey,
		"token", util.SafeTruncate(token.RequestToken, tokenIDLogLength))

	return token, nil
}

// CheckRequestToken resolves a request token presented by a browser and
// refreshes its age in the same step. An expired token is deleted and
// reported as timed out; re-presenting it afterwards reports not found.
func (s *Server) CheckRequestToken(ctx context.Context, requestToken string) (*storage.Token, error) {
	ctx, span := s.startSpan(ctx, "CheckRequestToken")
	defer span.End()

	if requestToken == "" {
		return nil, ErrTokenNotFound()
	}

	if _, err := s.tokens.GetByRequestToken(ctx, requestToken); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenNotFound()
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	// SECURITY: check-and-refresh is a single atomic store operation, so a
	// token can never be observed live and then used after passing its
	// deadline in between.
	token, err := s.tokens.TouchOrExpire(ctx, requestToken, s.config.TokenTimeout)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrTokenTimedOut()
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, ErrTokenNotFound()
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	return token, nil
}

// GrantAccess binds an authenticated user and their session to the token,
// signs the access token, and returns the consumer redirect URL carrying it.
// A token can be bound exactly once.
func (s *Server) GrantAccess(ctx context.Context, token *storage.Token, user *User, sessionID, clientIP string) (string, error) {
	ctx, span := s.startSpan(ctx, "GrantAccess")
	defer span.End()

	if !s.policy.HasAccess(ctx, user, token.ConsumerKey) {
		s.auditor.LogAuthFailure(user.ID, token.ConsumerKey, clientIP, "access denied by policy")
		return "", ErrAccessDenied()
	}

	consumer, err := s.consumers.GetConsumer(ctx, token.ConsumerKey)
	if err != nil {
		return "", fmt.Errorf("failed to look up consumer: %w", err)
	}

	if _, err := s.tokens.Bind(ctx, token.RequestToken, user.ID, sessionID); err != nil {
		if errors.Is(err, storage.ErrTokenBound) {
			s.auditor.LogAuthFailure(user.ID, token.ConsumerKey, clientIP, "token already authorized")
			return "", ErrTokenAlreadyAuthorized()
		}
		if errors.Is(err, storage.ErrTokenNotFound) {
			return "", ErrTokenNotFound()
		}
		return "", fmt.Errorf("failed to bind token: %w", err)
	}

	signedToken, err := signed.SignAccessToken(consumer.PrivateKey, token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	redirect, err := buildAccessRedirect(token.RedirectTo, signedToken)
	if err != nil {
		return "", ErrMalformedRequest("invalid redirect_to")
	}

	s.auditor.LogTokenAuthorized(user.ID, token.ConsumerKey, clientIP)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenAuthorized(ctx, token.ConsumerKey)
		instrumentation.AddFlowAttributes(span, token.ConsumerKey, user.ID)
	}
	s.logger.Info("Token authorized",
		"consumer", token.ConsumerKey,
		"user_id", user.ID,
		"token", util.SafeTruncate(token.RequestToken, tokenIDLogLength))

	return redirect, nil
}

// Verify resolves a signed access token presented by a consumer backend and
// returns the bound user's profile. The token's verification window is
// refreshed atomically; an expired token is deleted.
func (s *Server) Verify(ctx context.Context, consumer *storage.Consumer, signedToken string, extraData json.RawMessage) (*UserData, error) {
	ctx, span := s.startSpan(ctx, "Verify")
	defer span.End()

	token, err := s.resolveAccessToken(ctx, consumer, signedToken)
	if err != nil {
		if s.Instrumentation != nil {
			s.Instrumentation.Metrics().RecordTokenVerified(ctx, consumer.PublicKey, false)
		}
		return nil, err
	}

	user, err := s.directory.GetUser(ctx, token.UserID)
	if err != nil {
		s.logger.Error("Bound user missing from directory",
			"user_id", token.UserID,
			"consumer", consumer.PublicKey)
		return nil, ErrInvalidToken()
	}

	data := newUserData(user)

	if len(extraData) > 0 {
		extra, err := s.policy.UserExtraData(ctx, user, consumer.PublicKey, extraData)
		if err != nil {
			if errors.Is(err, ErrNotImplemented) {
				return nil, ErrExtraDataNotImplemented()
			}
			return nil, fmt.Errorf("failed to resolve extra data: %w", err)
		}
		data.ExtraData = extra
	}

	s.auditor.LogTokenVerified(user.ID, consumer.PublicKey)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordTokenVerified(ctx, consumer.PublicKey, true)
		instrumentation.AddFlowAttributes(span, consumer.PublicKey, user.ID)
	}

	return data, nil
}

// Logout tears down the session behind a signed access token. Every token
// bound to the same session is deleted, so single sign-out propagates to all
// consumers that share it.
func (s *Server) Logout(ctx context.Context, consumer *storage.Consumer, signedToken string) error {
	ctx, span := s.startSpan(ctx, "Logout")
	defer span.End()

	token, err := s.resolveAccessToken(ctx, consumer, signedToken)
	if err != nil {
		return err
	}

	if s.sessions != nil {
		if err := s.sessions.Destroy(ctx, token.SessionID); err != nil {
			s.logger.Error("Failed to destroy session",
				"session_id", util.SafeTruncate(token.SessionID, tokenIDLogLength),
				"error", err)
		}
	}

	deleted, err := s.tokens.DeleteBySession(ctx, token.SessionID)
	if err != nil {
		return fmt.Errorf("failed to delete session tokens: %w", err)
	}

	s.auditor.LogLogout(token.UserID, consumer.PublicKey, deleted)
	if s.Instrumentation != nil {
		s.Instrumentation.Metrics().RecordLogout(ctx, consumer.PublicKey, deleted)
	}
	s.logger.Info("User logged out",
		"user_id", token.UserID,
		"consumer", consumer.PublicKey,
		"tokens_deleted", deleted)

	return nil
}

// resolveAccessToken is the shared verify/logout chain: unwrap the signed
// access token, resolve it for this consumer only, refresh its verification
// window, and require a completed authorization.
func (s *Server) resolveAccessToken(ctx context.Context, consumer *storage.Consumer, signedToken string) (*storage.Token, error) {
	// No age bound on the JWT itself: the verification window is measured
	// from the token's last touch, and only the store's atomic
	// touch-or-expire below can judge that. An iat cap here would silently
	// shrink the window to an absolute deadline from authorization.
	accessToken, err := signed.ParseAccessToken(consumer.PrivateKey, signedToken, 0)
	if err != nil {
		return nil, ErrInvalidToken()
	}

	// Cross-consumer lookups fail identically to unknown tokens, so one
	// consumer cannot probe for another's tokens.
	token, err := s.tokens.GetByAccessToken(ctx, accessToken, consumer.PublicKey)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			return nil, ErrTokenNotFound()
		}
		return nil, fmt.Errorf("failed to look up token: %w", err)
	}

	refreshed, err := s.tokens.TouchOrExpire(ctx, token.RequestToken, s.config.TokenVerifyTimeout)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrTokenTimedOut()
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, ErrTokenNotFound()
		}
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	if !refreshed.Bound() {
		return nil, ErrInvalidToken()
	}

	return refreshed, nil
}

// buildAccessRedirect appends the signed access token to the consumer's
// redirect URL, preserving any existing query parameters
func buildAccessRedirect(redirectTo, signedToken string) (string, error) {
	u, err := url.Parse(redirectTo)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("access_token", signedToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, "server."+name)
}
