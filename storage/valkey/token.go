package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ssokit/ssokit/internal/util"
	"github.com/ssokit/ssokit/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// tokenJSON is the JSON representation of a token. The timestamp is stored
// as Unix milliseconds so the Lua scripts can compare it against expiry
// windows without parsing time strings.
type tokenJSON struct {
	RequestToken string `json:"request_token"`
	AccessToken  string `json:"access_token"`
	ConsumerKey  string `json:"consumer_key"`
	RedirectTo   string `json:"redirect_to,omitempty"`
	TimestampMs  int64  `json:"timestamp_ms"`
	UserID       string `json:"user_id,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

func toTokenJSON(token *storage.Token) *tokenJSON {
	return &tokenJSON{
		RequestToken: token.RequestToken,
		AccessToken:  token.AccessToken,
		ConsumerKey:  token.ConsumerKey,
		RedirectTo:   token.RedirectTo,
		TimestampMs:  token.Timestamp.UnixMilli(),
		UserID:       token.UserID,
		SessionID:    token.SessionID,
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	if j == nil {
		return nil
	}
	return &storage.Token{
		RequestToken: j.RequestToken,
		AccessToken:  j.AccessToken,
		ConsumerKey:  j.ConsumerKey,
		RedirectTo:   j.RedirectTo,
		Timestamp:    time.UnixMilli(j.TimestampMs).UTC(),
		UserID:       j.UserID,
		SessionID:    j.SessionID,
	}
}

// decodeToken unmarshals stored token data
func decodeToken(data string) (*storage.Token, error) {
	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// ttlSeconds returns the safety-net TTL as a decimal string for Lua arguments
func (s *Store) ttlSeconds() string {
	return strconv.FormatInt(int64(s.tokenTTL.Seconds()), 10)
}

// CreateToken persists a freshly generated token
func (s *Store) CreateToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.RequestToken == "" || token.AccessToken == "" {
		return fmt.Errorf("invalid token")
	}
	if token.ConsumerKey == "" {
		return fmt.Errorf("token consumer key cannot be empty")
	}

	// Validate input lengths to prevent DoS
	if err := validateStringLength(token.RequestToken, MaxTokenLength, "requestToken"); err != nil {
		return err
	}
	if err := validateStringLength(token.AccessToken, MaxTokenLength, "accessToken"); err != nil {
		return err
	}
	if err := validateStringLength(token.ConsumerKey, MaxIDLength, "consumerKey"); err != nil {
		return err
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	tokenKey := s.tokenKey(token.RequestToken)
	accessKey := s.accessKey(token.AccessToken)

	// SET NX detects request token collisions
	err = s.client.Do(ctx,
		s.client.B().Set().Key(tokenKey).Value(string(data)).Nx().Ex(s.tokenTTL).Build(),
	).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: request token collision", storage.ErrDuplicateToken)
		}
		return fmt.Errorf("failed to create token: %w", err)
	}

	// SET NX detects access token collisions; roll back the token key on conflict
	err = s.client.Do(ctx,
		s.client.B().Set().Key(accessKey).Value(token.RequestToken).Nx().Ex(s.tokenTTL).Build(),
	).Error()
	if err != nil {
		if delErr := s.client.Do(ctx, s.client.B().Del().Key(tokenKey).Build()).Error(); delErr != nil {
			s.logger.Warn("Failed to roll back token key after access token collision",
				"error", delErr)
		}
		if isNilError(err) {
			return fmt.Errorf("%w: access token collision", storage.ErrDuplicateToken)
		}
		return fmt.Errorf("failed to index access token: %w", err)
	}

	// Consumer token set enables the delete-by-consumer cascade
	ctKey := s.consumerTokensKey(token.ConsumerKey)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(ctKey).Member(token.RequestToken).Build()).Error(); err != nil {
		s.logger.Warn("Failed to index token for consumer cascade",
			"consumer", token.ConsumerKey,
			"error", err)
	}

	s.logger.Debug("Created token",
		"consumer", token.ConsumerKey,
		"request_token_prefix", util.SafeTruncate(token.RequestToken, tokenIDLogLength))
	return nil
}

// GetByRequestToken retrieves a token by its request token
func (s *Store) GetByRequestToken(ctx context.Context, requestToken string) (*storage.Token, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(requestToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	return decodeToken(data)
}

// GetByAccessToken retrieves a token by its access token, requiring the
// owning consumer to match
func (s *Store) GetByAccessToken(ctx context.Context, accessToken, consumerKey string) (*storage.Token, error) {
	requestToken, err := s.client.Do(ctx, s.client.B().Get().Key(s.accessKey(accessToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get access token index: %w", err)
	}

	token, err := s.GetByRequestToken(ctx, requestToken)
	if err != nil {
		return nil, err
	}

	if token.ConsumerKey != consumerKey {
		// Consumer mismatch is reported identically to not-found to prevent
		// cross-consumer token probing
		return nil, storage.ErrTokenNotFound
	}

	return token, nil
}

// TouchOrExpire atomically checks the token's age and either refreshes its
// timestamp or deletes it.
//
// SECURITY: This operation is atomic via Lua script - the expiry check and
// the refresh happen in one step, so two concurrent calls at the expiry
// boundary each observe a consistent outcome.
func (s *Store) TouchOrExpire(ctx context.Context, requestToken string, timeout time.Duration) (*storage.Token, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTouchOrExpire).
			Numkeys(1).
			Key(s.tokenKey(requestToken)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10)).
			Arg(strconv.FormatInt(timeout.Milliseconds(), 10)).
			Arg(s.prefix).
			Arg(s.ttlSeconds()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic touch operation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "EXPIRED":
		s.logger.Debug("Token expired on touch",
			"request_token_prefix", util.SafeTruncate(requestToken, tokenIDLogLength),
			"timeout", timeout)
		return nil, storage.ErrTokenExpired
	}

	return decodeToken(result)
}

// Bind atomically assigns the user and session to an unbound token.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent
// request can bind. All other concurrent requests receive ErrTokenBound and
// the original binding is never overwritten.
func (s *Store) Bind(ctx context.Context, requestToken, userID, sessionID string) (*storage.Token, error) {
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("userID and sessionID cannot be empty")
	}

	// Validate input lengths to prevent DoS
	if err := validateStringLength(userID, MaxIDLength, "userID"); err != nil {
		return nil, err
	}
	if err := validateStringLength(sessionID, MaxIDLength, "sessionID"); err != nil {
		return nil, err
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaBind).
			Numkeys(1).
			Key(s.tokenKey(requestToken)).
			Arg(strconv.FormatInt(time.Now().UnixMilli(), 10)).
			Arg(userID).
			Arg(sessionID).
			Arg(s.prefix).
			Arg(s.ttlSeconds()).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic bind operation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrTokenNotFound
	case "ALREADY_BOUND":
		return nil, storage.ErrTokenBound
	}

	s.logger.Debug("Bound token",
		"request_token_prefix", util.SafeTruncate(requestToken, tokenIDLogLength),
		"session_prefix", util.SafeTruncate(sessionID, tokenIDLogLength))

	return decodeToken(result)
}

// DeleteBySession deletes every token bound to the session (logout cascade)
func (s *Store) DeleteBySession(ctx context.Context, sessionID string) (int, error) {
	sessionKey := s.sessionKey(sessionID)

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(sessionKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list session tokens: %w", err)
	}

	deleted := 0
	for _, requestToken := range members {
		ok, err := s.deleteTokenData(ctx, requestToken)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(sessionKey).Build()).Error(); err != nil {
		return deleted, fmt.Errorf("failed to delete session index: %w", err)
	}

	if deleted > 0 {
		s.logger.Debug("Deleted tokens for session",
			"session_prefix", util.SafeTruncate(sessionID, tokenIDLogLength),
			"count", deleted)
	}
	return deleted, nil
}

// DeleteByConsumer deletes every token owned by the consumer
func (s *Store) DeleteByConsumer(ctx context.Context, consumerKey string) (int, error) {
	ctKey := s.consumerTokensKey(consumerKey)

	members, err := s.client.Do(ctx, s.client.B().Smembers().Key(ctKey).Build()).AsStrSlice()
	if err != nil {
		return 0, fmt.Errorf("failed to list consumer tokens: %w", err)
	}

	deleted := 0
	for _, requestToken := range members {
		ok, err := s.deleteTokenData(ctx, requestToken)
		if err != nil {
			return deleted, err
		}
		if ok {
			deleted++
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(ctKey).Build()).Error(); err != nil {
		return deleted, fmt.Errorf("failed to delete consumer token index: %w", err)
	}

	return deleted, nil
}

// DeleteToken removes a single token by its request token
func (s *Store) DeleteToken(ctx context.Context, requestToken string) error {
	_, err := s.deleteTokenData(ctx, requestToken)
	return err
}

// deleteTokenData removes a token and all its index entries. Returns whether
// a token was actually deleted.
func (s *Store) deleteTokenData(ctx context.Context, requestToken string) (bool, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(requestToken)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get token for deletion: %w", err)
	}

	token, err := decodeToken(data)
	if err != nil {
		return false, err
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.tokenKey(requestToken)).Build()).Error(); err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.accessKey(token.AccessToken)).Build()).Error(); err != nil {
		return true, fmt.Errorf("failed to delete access token index: %w", err)
	}
	if token.SessionID != "" {
		if err := s.client.Do(ctx,
			s.client.B().Srem().Key(s.sessionKey(token.SessionID)).Member(requestToken).Build(),
		).Error(); err != nil {
			return true, fmt.Errorf("failed to remove session index entry: %w", err)
		}
	}
	if err := s.client.Do(ctx,
		s.client.B().Srem().Key(s.consumerTokensKey(token.ConsumerKey)).Member(requestToken).Build(),
	).Error(); err != nil {
		return true, fmt.Errorf("failed to remove consumer index entry: %w", err)
	}

	return true, nil
}
