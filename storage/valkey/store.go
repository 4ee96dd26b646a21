package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/ssokit/ssokit/security"
	"github.com/ssokit/ssokit/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "sso:"

	// DefaultTokenTTL is the default safety-net TTL applied to token keys.
	// Tokens expire lazily at touch time; this TTL only bounds storage growth
	// for tokens that are never touched again, so it is deliberately much
	// longer than any business expiry window.
	DefaultTokenTTL = 24 * time.Hour

	// tokenIDLogLength is the number of characters to include when logging token IDs
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxTokenLength is the maximum allowed length for token strings (512 bytes)
	// This prevents DoS attacks via excessively large tokens
	MaxTokenLength = 512

	// MaxIDLength is the maximum allowed length for identifiers (userID, sessionID, publicKey)
	MaxIDLength = 256
)

// Validation error messages (generic to prevent information leakage)
var errInputTooLarge = fmt.Errorf("input exceeds maximum allowed size")

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "sso:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// TokenTTL is the safety-net TTL for token keys (default 24h).
	// Must be longer than the largest business expiry window in use.
	TokenTTL time.Duration
}

// Store is a Valkey-backed implementation of both storage interfaces.
// It implements storage.ConsumerStore and storage.TokenStore.
type Store struct {
	client   valkeygo.Client
	prefix   string
	logger   *slog.Logger
	tokenTTL time.Duration

	// encryptor provides optional consumer secret encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements both storage interfaces
var (
	_ storage.ConsumerStore = (*Store)(nil)
	_ storage.TokenStore    = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tokenTTL := cfg.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}

	// Build client options
	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		tokenTTL: tokenTTL,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the secret encryptor for encryption at rest.
// When set, consumer private keys will be encrypted before storing in
// Valkey and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Consumer secret encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%w: %s", errInputTooLarge, fieldName)
	}
	return nil
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// ============================================================
// Key Helpers
// ============================================================

// consumerKey returns the key for a consumer: {prefix}consumer:{publicKey}
func (s *Store) consumerKey(publicKey string) string {
	return fmt.Sprintf("%sconsumer:%s", s.prefix, publicKey)
}

// tokenKey returns the key for a token: {prefix}token:{requestToken}
func (s *Store) tokenKey(requestToken string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, requestToken)
}

// accessKey returns the reverse-lookup key for an access token: {prefix}access:{accessToken}
func (s *Store) accessKey(accessToken string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, accessToken)
}

// sessionKey returns the key for a session's token set: {prefix}session:{sessionID}
func (s *Store) sessionKey(sessionID string) string {
	return fmt.Sprintf("%ssession:%s", s.prefix, sessionID)
}

// consumerTokensKey returns the key for a consumer's token set: {prefix}ctokens:{consumerKey}
func (s *Store) consumerTokensKey(consumerKey string) string {
	return fmt.Sprintf("%sctokens:%s", s.prefix, consumerKey)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide atomic operations for security-critical token
// transitions. Using Lua scripts ensures atomicity in Valkey/Redis,
// preventing race conditions at the expiry boundary and during binding.

// luaTouchOrExpire atomically checks a token's age and either refreshes its
// timestamp or deletes it along with all its index entries.
//
// Security: This operation MUST be atomic - two concurrent calls at the
// expiry boundary must each observe a consistent outcome, and an expired
// token is consumed exactly once.
//
// KEYS[1] = token key (e.g., "sso:token:abc123")
// ARGV[1] = current Unix timestamp in milliseconds
// ARGV[2] = expiry timeout in milliseconds
// ARGV[3] = key prefix (for index key construction)
// ARGV[4] = safety-net TTL in seconds
//
// Returns:
//   - Updated JSON data if the token was live and its timestamp refreshed
//   - "NOT_FOUND" if the key doesn't exist in Valkey
//   - "EXPIRED" if the token aged out (token and indexes are deleted)
const luaTouchOrExpire = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])

-- One-way consumption: the expired token is deleted, not retried
if now - tonumber(token.timestamp_ms) > timeout then
    redis.call('DEL', KEYS[1])
    redis.call('DEL', ARGV[3] .. 'access:' .. token.access_token)
    if token.session_id and token.session_id ~= '' then
        redis.call('SREM', ARGV[3] .. 'session:' .. token.session_id, token.request_token)
    end
    redis.call('SREM', ARGV[3] .. 'ctokens:' .. token.consumer_key, token.request_token)
    return 'EXPIRED'
end

token.timestamp_ms = now
local encoded = cjson.encode(token)
redis.call('SET', KEYS[1], encoded, 'EX', ARGV[4])

return encoded
`

// luaBind atomically assigns the user and session to an unbound token.
//
// Security: This operation MUST be atomic - only ONE concurrent request can
// bind. All other concurrent requests receive "ALREADY_BOUND" and the
// original binding is never overwritten.
//
// KEYS[1] = token key (e.g., "sso:token:abc123")
// ARGV[1] = current Unix timestamp in milliseconds
// ARGV[2] = user ID
// ARGV[3] = session ID
// ARGV[4] = key prefix (for index key construction)
// ARGV[5] = safety-net TTL in seconds
//
// Returns:
//   - Updated JSON data on success
//   - "NOT_FOUND" if the key doesn't exist in Valkey
//   - "ALREADY_BOUND" if the token already carries a user binding
const luaBind = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local token = cjson.decode(data)
if token.user_id and token.user_id ~= '' then
    return 'ALREADY_BOUND'
end

token.user_id = ARGV[2]
token.session_id = ARGV[3]
token.timestamp_ms = tonumber(ARGV[1])

local encoded = cjson.encode(token)
redis.call('SET', KEYS[1], encoded, 'EX', ARGV[5])

local sessionKey = ARGV[4] .. 'session:' .. ARGV[3]
redis.call('SADD', sessionKey, token.request_token)
redis.call('EXPIRE', sessionKey, ARGV[5])

return encoded
`
