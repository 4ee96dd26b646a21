package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ssokit/ssokit/instrumentation"
	"github.com/ssokit/ssokit/internal/util"
	"github.com/ssokit/ssokit/security"
	"github.com/ssokit/ssokit/storage"
)

// tokenIDLogLength is the number of characters to include when logging token
// IDs. This provides enough uniqueness for debugging while keeping logs secure.
const tokenIDLogLength = 8

// Store is an in-memory implementation of both storage interfaces.
// It implements storage.ConsumerStore and storage.TokenStore.
type Store struct {
	mu sync.RWMutex

	// Consumer storage (private keys encrypted at rest if encryptor is set)
	consumers map[string]*storage.Consumer

	// Token storage, indexed by request token with secondary indexes for
	// access-token and session lookup
	tokens    map[string]*storage.Token // request token -> token
	byAccess  map[string]string         // access token -> request token
	bySession map[string]map[string]struct{}

	// Security
	encryptor *security.Encryptor

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	tokensCountAtomic    atomic.Int64
	consumersCountAtomic atomic.Int64

	logger *slog.Logger
}

// Compile-time interface checks to ensure Store implements both storage interfaces
var (
	_ storage.ConsumerStore = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
)

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		consumers: make(map[string]*storage.Consumer),
		tokens:    make(map[string]*storage.Token),
		byAccess:  make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
		logger:    slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the secret encryptor for encryption at rest. When set,
// consumer private keys are encrypted before storing and decrypted on read.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Consumer secret encryption at rest enabled for storage")
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Initialize atomic counters with current counts
	s.tokensCountAtomic.Store(int64(len(s.tokens)))
	s.consumersCountAtomic.Store(int64(len(s.consumers)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCountAtomic.Load() },
			func() int64 { return s.consumersCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// ============================================================
// ConsumerStore Implementation
// ============================================================

// SaveConsumer saves a consumer registration with optional encryption of the
// private key
func (s *Store) SaveConsumer(ctx context.Context, consumer *storage.Consumer) error {
	ctx, span := s.startStorageSpan(ctx, "save_consumer")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_consumer", err, startTime)
	}()

	if consumer == nil || consumer.PublicKey == "" {
		err = fmt.Errorf("invalid consumer")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.consumers[consumer.PublicKey]

	stored := *consumer
	if s.encryptor != nil && s.encryptor.IsEnabled() {
		enc, encErr := s.encryptor.Encrypt(consumer.PrivateKey)
		if encErr != nil {
			err = fmt.Errorf("failed to encrypt consumer private key: %w", encErr)
			return err
		}
		stored.PrivateKey = enc
	}

	s.consumers[consumer.PublicKey] = &stored

	if !existed {
		s.consumersCountAtomic.Add(1)
	}

	s.logger.Debug("Saved consumer", "public_key", consumer.PublicKey, "name", consumer.Name)
	return nil
}

// GetConsumer retrieves a consumer by its public key and decrypts the private
// key if necessary
func (s *Store) GetConsumer(ctx context.Context, publicKey string) (*storage.Consumer, error) {
	ctx, span := s.startStorageSpan(ctx, "get_consumer")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_consumer", err, startTime)
	}()

	s.mu.RLock()
	encryptor := s.encryptor
	consumer, ok := s.consumers[publicKey]
	s.mu.RUnlock()

	if !ok {
		// Generic error to prevent consumer enumeration
		err = storage.ErrConsumerNotFound
		return nil, err
	}

	result := *consumer
	if encryptor != nil && encryptor.IsEnabled() {
		dec, decErr := encryptor.Decrypt(consumer.PrivateKey)
		if decErr != nil {
			err = fmt.Errorf("failed to decrypt consumer private key: %w", decErr)
			return nil, err
		}
		result.PrivateKey = dec
	}

	return &result, nil
}

// DeleteConsumer removes a consumer and cascades to all its tokens
func (s *Store) DeleteConsumer(ctx context.Context, publicKey string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_consumer")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_consumer", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.consumers[publicKey]; !existed {
		err = storage.ErrConsumerNotFound
		return err
	}

	delete(s.consumers, publicKey)
	s.consumersCountAtomic.Add(-1)

	cascaded := 0
	for requestToken, token := range s.tokens {
		if token.ConsumerKey == publicKey {
			s.deleteTokenLocked(requestToken, token)
			cascaded++
		}
	}

	s.logger.Debug("Deleted consumer", "public_key", publicKey, "tokens_cascaded", cascaded)
	return nil
}

// ListConsumers lists all registered consumers
func (s *Store) ListConsumers(ctx context.Context) ([]*storage.Consumer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	consumers := make([]*storage.Consumer, 0, len(s.consumers))
	for _, consumer := range s.consumers {
		c := *consumer
		if s.encryptor != nil && s.encryptor.IsEnabled() {
			dec, err := s.encryptor.Decrypt(consumer.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt consumer private key: %w", err)
			}
			c.PrivateKey = dec
		}
		consumers = append(consumers, &c)
	}

	return consumers, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// CreateToken persists a freshly generated token
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) error {
	ctx, span := s.startStorageSpan(ctx, "create_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "create_token", err, startTime)
	}()

	if token == nil || token.RequestToken == "" || token.AccessToken == "" {
		err = fmt.Errorf("invalid token")
		return err
	}
	if token.ConsumerKey == "" {
		err = fmt.Errorf("token consumer key cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.RequestToken]; exists {
		err = fmt.Errorf("%w: request token collision", storage.ErrDuplicateToken)
		return err
	}
	if _, exists := s.byAccess[token.AccessToken]; exists {
		err = fmt.Errorf("%w: access token collision", storage.ErrDuplicateToken)
		return err
	}

	stored := *token
	s.tokens[token.RequestToken] = &stored
	s.byAccess[token.AccessToken] = token.RequestToken
	s.tokensCountAtomic.Add(1)

	s.logger.Debug("Created token",
		"consumer", token.ConsumerKey,
		"request_token_prefix", util.SafeTruncate(token.RequestToken, tokenIDLogLength))
	return nil
}

// GetByRequestToken retrieves a token by its request token
func (s *Store) GetByRequestToken(ctx context.Context, requestToken string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_request_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_by_request_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.tokens[requestToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	// Return a copy to prevent callers from mutating the stored version
	result := *token
	return &result, nil
}

// GetByAccessToken retrieves a token by its access token, requiring the
// owning consumer to match
func (s *Store) GetByAccessToken(ctx context.Context, accessToken, consumerKey string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "get_by_access_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_by_access_token", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	requestToken, ok := s.byAccess[accessToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	token, ok := s.tokens[requestToken]
	if !ok || token.ConsumerKey != consumerKey {
		// Consumer mismatch is reported identically to not-found to prevent
		// cross-consumer token probing
		err = storage.ErrTokenNotFound
		return nil, err
	}

	result := *token
	return &result, nil
}

// TouchOrExpire atomically checks the token's age and either refreshes its
// timestamp or deletes it.
//
// SECURITY: This operation is atomic - the write lock is held across the
// expiry check and the refresh, so two concurrent calls at the expiry
// boundary each observe a consistent outcome.
func (s *Store) TouchOrExpire(ctx context.Context, requestToken string, timeout time.Duration) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "touch_or_expire")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "touch_or_expire", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-refresh
	defer s.mu.Unlock()

	token, ok := s.tokens[requestToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if time.Since(token.Timestamp) > timeout {
		// One-way consumption: the expired token is deleted, not retried
		s.deleteTokenLocked(requestToken, token)
		s.logger.Debug("Token expired on touch",
			"request_token_prefix", util.SafeTruncate(requestToken, tokenIDLogLength),
			"timeout", timeout)
		err = storage.ErrTokenExpired
		return nil, err
	}

	token.Timestamp = time.Now()

	result := *token
	return &result, nil
}

// Bind atomically assigns the user and session to an unbound token.
//
// SECURITY: This operation is atomic - only ONE concurrent request can bind.
// All other concurrent requests receive ErrTokenBound and the original
// binding is never overwritten.
func (s *Store) Bind(ctx context.Context, requestToken, userID, sessionID string) (*storage.Token, error) {
	ctx, span := s.startStorageSpan(ctx, "bind")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "bind", err, startTime)
	}()

	if userID == "" || sessionID == "" {
		err = fmt.Errorf("userID and sessionID cannot be empty")
		return nil, err
	}

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	token, ok := s.tokens[requestToken]
	if !ok {
		err = storage.ErrTokenNotFound
		return nil, err
	}

	if token.Bound() {
		err = storage.ErrTokenBound
		return nil, err
	}

	token.UserID = userID
	token.SessionID = sessionID
	token.Timestamp = time.Now()

	sessions, ok := s.bySession[sessionID]
	if !ok {
		sessions = make(map[string]struct{})
		s.bySession[sessionID] = sessions
	}
	sessions[requestToken] = struct{}{}

	s.logger.Debug("Bound token",
		"request_token_prefix", util.SafeTruncate(requestToken, tokenIDLogLength),
		"session_prefix", util.SafeTruncate(sessionID, tokenIDLogLength))

	result := *token
	return &result, nil
}

// DeleteBySession deletes every token bound to the session (logout cascade)
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_by_session")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_by_session", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for requestToken := range s.bySession[sessionID] {
		if token, ok := s.tokens[requestToken]; ok {
			s.deleteTokenLocked(requestToken, token)
			deleted++
		}
	}
	delete(s.bySession, sessionID)

	if deleted > 0 {
		s.logger.Debug("Deleted tokens for session",
			"session_prefix", util.SafeTruncate(sessionID, tokenIDLogLength),
			"count", deleted)
	}
	return deleted, nil
}

// DeleteByConsumer deletes every token owned by the consumer
func (s *Store) DeleteByConsumer(ctx context.Context, consumerKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for requestToken, token := range s.tokens {
		if token.ConsumerKey == consumerKey {
			s.deleteTokenLocked(requestToken, token)
			deleted++
		}
	}
	return deleted, nil
}

// DeleteToken removes a single token by its request token
func (s *Store) DeleteToken(ctx context.Context, requestToken string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "delete_token", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[requestToken]; ok {
		s.deleteTokenLocked(requestToken, token)
	}
	return nil
}

// deleteTokenLocked removes a token and all its index entries.
// Caller must hold the write lock.
func (s *Store) deleteTokenLocked(requestToken string, token *storage.Token) {
	delete(s.tokens, requestToken)
	delete(s.byAccess, token.AccessToken)
	if token.SessionID != "" {
		if sessions, ok := s.bySession[token.SessionID]; ok {
			delete(sessions, requestToken)
			if len(sessions) == 0 {
				delete(s.bySession, token.SessionID)
			}
		}
	}
	s.tokensCountAtomic.Add(-1)
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
