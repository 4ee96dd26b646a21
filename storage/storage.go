package storage

import (
	"context"
	"errors"
	"time"

	"golang.org/x/oauth2"
)

// Sentinel errors returned by storage implementations. Callers should match
// with errors.Is since implementations may wrap these with additional context.
var (
	// ErrConsumerNotFound indicates the public key does not resolve to a
	// registered consumer.
	ErrConsumerNotFound = errors.New("consumer not found")

	// ErrTokenNotFound indicates the request or access token does not exist,
	// or exists under a different consumer.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired indicates the token aged past its window. The token is
	// deleted as a side effect of the check that produced this error.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenBound indicates a bind was attempted against a token that
	// already carries a user and session.
	ErrTokenBound = errors.New("token already bound")

	// ErrDuplicateToken indicates a token with the same request or access
	// token already exists in the store.
	ErrDuplicateToken = errors.New("duplicate token")
)

// Consumer is a client application registered with the SSO server. The
// private key is a shared secret used for request signing and access-token
// signing; it is generated server-side and never transmitted.
type Consumer struct {
	PublicKey  string
	PrivateKey string
	Name       string
	CreatedAt  time.Time
}

// NewConsumer creates a consumer with freshly generated credentials. The
// key pair uses the same generator as OAuth PKCE verifiers (256 bits of
// entropy, base64url).
func NewConsumer(name string) *Consumer {
	return &Consumer{
		PublicKey:  oauth2.GenerateVerifier(),
		PrivateKey: oauth2.GenerateVerifier(),
		Name:       name,
		CreatedAt:  time.Now(),
	}
}

// Token is a single SSO handshake instance. Both token strings are generated
// at creation; the access token is unusable until the token is bound to a
// user and session by a successful authorization.
type Token struct {
	RequestToken string
	AccessToken  string
	ConsumerKey  string
	RedirectTo   string

	// Timestamp is the last-touch time. Every touch refreshes it; expiry
	// windows are measured against it, not against creation time.
	Timestamp time.Time

	// UserID and SessionID are set exactly once, atomically, by Bind.
	UserID    string
	SessionID string
}

// Bound reports whether the token has completed authorization.
func (t *Token) Bound() bool {
	return t.UserID != ""
}

// NewToken creates an unbound token for a consumer with fresh unguessable
// request and access tokens. Token strings use the same generator as OAuth
// PKCE verifiers (256 bits of entropy, base64url).
func NewToken(consumerKey, redirectTo string) *Token {
	return &Token{
		RequestToken: oauth2.GenerateVerifier(),
		AccessToken:  oauth2.GenerateVerifier(),
		ConsumerKey:  consumerKey,
		RedirectTo:   redirectTo,
		Timestamp:    time.Now(),
	}
}

// ConsumerStore manages registered consumer applications.
// All methods accept context.Context for tracing and cancellation.
type ConsumerStore interface {
	// SaveConsumer saves a consumer registration
	SaveConsumer(ctx context.Context, consumer *Consumer) error

	// GetConsumer retrieves a consumer by its public key
	GetConsumer(ctx context.Context, publicKey string) (*Consumer, error)

	// DeleteConsumer removes a consumer. Implementations must cascade the
	// deletion to every token owned by the consumer.
	DeleteConsumer(ctx context.Context, publicKey string) error

	// ListConsumers lists all registered consumers (for operator tooling)
	ListConsumers(ctx context.Context) ([]*Consumer, error)
}

// TokenStore manages the handshake token lifecycle.
//
// Read-then-write operations on a single token (TouchOrExpire, Bind) MUST be
// atomic per token: two concurrent requests must never both pass an expiry
// check against a timestamp the other is about to invalidate, and a token
// must never be bound twice. There is no background sweeper; expired tokens
// are reaped lazily by TouchOrExpire on next access.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// CreateToken persists a freshly generated token. Returns
	// ErrDuplicateToken if either token string already exists.
	CreateToken(ctx context.Context, token *Token) error

	// GetByRequestToken retrieves a token by its request token
	GetByRequestToken(ctx context.Context, requestToken string) (*Token, error)

	// GetByAccessToken retrieves a token by its access token. The owning
	// consumer must match; a mismatch is reported as ErrTokenNotFound to
	// prevent cross-consumer token probing.
	GetByAccessToken(ctx context.Context, accessToken, consumerKey string) (*Token, error)

	// TouchOrExpire atomically checks the token's age against the timeout.
	// If the token aged past the window it is deleted and ErrTokenExpired is
	// returned; otherwise its timestamp is refreshed to now and the updated
	// token is returned.
	TouchOrExpire(ctx context.Context, requestToken string, timeout time.Duration) (*Token, error)

	// Bind atomically assigns the user and session to an unbound token.
	// Returns ErrTokenBound if the token already completed authorization;
	// the original binding is never overwritten.
	Bind(ctx context.Context, requestToken, userID, sessionID string) (*Token, error)

	// DeleteBySession deletes every token bound to the session. This is the
	// cascade trigger for logout. Returns the number of tokens deleted.
	DeleteBySession(ctx context.Context, sessionID string) (int, error)

	// DeleteByConsumer deletes every token owned by the consumer (cascade
	// for consumer deprovisioning). Returns the number of tokens deleted.
	DeleteByConsumer(ctx context.Context, consumerKey string) (int, error)

	// DeleteToken removes a single token by its request token. Deleting a
	// missing token is not an error.
	DeleteToken(ctx context.Context, requestToken string) error
}
