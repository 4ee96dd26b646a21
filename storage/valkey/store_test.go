package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ssokit/ssokit/security"
	"github.com/ssokit/ssokit/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if no Valkey is reachable at VALKEY_TEST_ADDR
// (default localhost:6379). Each test gets a unique prefix for isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("ssotest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func testToken(consumerKey string) *storage.Token {
	return storage.NewToken(consumerKey, "/account/")
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// ConsumerStore Tests
// ============================================================

func TestConsumerStore_SaveAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	consumer := &storage.Consumer{
		PublicKey:  "pub-1",
		PrivateKey: "priv-1",
		Name:       "client-one",
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.SaveConsumer(ctx, consumer); err != nil {
		t.Fatalf("SaveConsumer failed: %v", err)
	}

	got, err := s.GetConsumer(ctx, "pub-1")
	if err != nil {
		t.Fatalf("GetConsumer failed: %v", err)
	}
	if got.PrivateKey != "priv-1" {
		t.Errorf("PrivateKey = %q, want %q", got.PrivateKey, "priv-1")
	}
	if got.Name != "client-one" {
		t.Errorf("Name = %q, want %q", got.Name, "client-one")
	}
}

func TestConsumerStore_GetConsumer_NotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.GetConsumer(ctx, "nonexistent")
	if !errors.Is(err, storage.ErrConsumerNotFound) {
		t.Errorf("Expected ErrConsumerNotFound, got: %v", err)
	}
}

func TestConsumerStore_Encryption(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}
	s.SetEncryptor(enc)

	consumer := &storage.Consumer{
		PublicKey:  "pub-enc",
		PrivateKey: "super-secret",
		Name:       "encrypted-client",
	}
	if err := s.SaveConsumer(ctx, consumer); err != nil {
		t.Fatalf("SaveConsumer failed: %v", err)
	}

	// Raw stored value must not contain the plaintext secret
	raw, err := s.client.Do(ctx, s.client.B().Get().Key(s.consumerKey("pub-enc")).Build()).ToString()
	if err != nil {
		t.Fatalf("raw GET failed: %v", err)
	}
	if contains := stringContains(raw, "super-secret"); contains {
		t.Error("stored consumer contains plaintext private key")
	}

	got, err := s.GetConsumer(ctx, "pub-enc")
	if err != nil {
		t.Fatalf("GetConsumer failed: %v", err)
	}
	if got.PrivateKey != "super-secret" {
		t.Errorf("PrivateKey = %q, want decrypted %q", got.PrivateKey, "super-secret")
	}
}

func stringContains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestConsumerStore_DeleteCascades(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	consumer := &storage.Consumer{PublicKey: "pub-cascade", PrivateKey: "priv"}
	if err := s.SaveConsumer(ctx, consumer); err != nil {
		t.Fatalf("SaveConsumer failed: %v", err)
	}

	token := testToken("pub-cascade")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if err := s.DeleteConsumer(ctx, "pub-cascade"); err != nil {
		t.Fatalf("DeleteConsumer failed: %v", err)
	}

	if _, err := s.GetConsumer(ctx, "pub-cascade"); !errors.Is(err, storage.ErrConsumerNotFound) {
		t.Errorf("consumer should be gone, got: %v", err)
	}
	if _, err := s.GetByRequestToken(ctx, token.RequestToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("token should be cascaded away, got: %v", err)
	}
}

func TestConsumerStore_List(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		consumer := &storage.Consumer{
			PublicKey:  fmt.Sprintf("pub-%d", i),
			PrivateKey: fmt.Sprintf("priv-%d", i),
		}
		if err := s.SaveConsumer(ctx, consumer); err != nil {
			t.Fatalf("SaveConsumer failed: %v", err)
		}
	}

	consumers, err := s.ListConsumers(ctx)
	if err != nil {
		t.Fatalf("ListConsumers failed: %v", err)
	}
	if len(consumers) != 3 {
		t.Errorf("len(consumers) = %d, want 3", len(consumers))
	}
}

// ============================================================
// TokenStore Tests
// ============================================================

func TestTokenStore_CreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	got, err := s.GetByRequestToken(ctx, token.RequestToken)
	if err != nil {
		t.Fatalf("GetByRequestToken failed: %v", err)
	}
	if got.AccessToken != token.AccessToken {
		t.Errorf("AccessToken = %q, want %q", got.AccessToken, token.AccessToken)
	}
	if got.RedirectTo != "/account/" {
		t.Errorf("RedirectTo = %q, want %q", got.RedirectTo, "/account/")
	}
}

func TestTokenStore_DuplicateToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	dup := *token
	err := s.CreateToken(ctx, &dup)
	if !errors.Is(err, storage.ErrDuplicateToken) {
		t.Errorf("Expected ErrDuplicateToken, got: %v", err)
	}
}

func TestTokenStore_GetByAccessToken_ConsumerIsolation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-a")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if _, err := s.GetByAccessToken(ctx, token.AccessToken, "consumer-a"); err != nil {
		t.Errorf("owner lookup failed: %v", err)
	}

	// Another consumer presenting the same access token gets not-found
	_, err := s.GetByAccessToken(ctx, token.AccessToken, "consumer-b")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound for foreign consumer, got: %v", err)
	}
}

func TestTokenStore_TouchOrExpire_Live(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	before := token.Timestamp
	got, err := s.TouchOrExpire(ctx, token.RequestToken, time.Minute)
	if err != nil {
		t.Fatalf("TouchOrExpire failed: %v", err)
	}
	if got.Timestamp.Before(before) {
		t.Error("timestamp was not refreshed")
	}
}

func TestTokenStore_TouchOrExpire_Expired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	token.Timestamp = time.Now().Add(-time.Hour)
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	_, err := s.TouchOrExpire(ctx, token.RequestToken, time.Minute)
	if !errors.Is(err, storage.ErrTokenExpired) {
		t.Fatalf("Expected ErrTokenExpired, got: %v", err)
	}

	// Expiry is one-way: the token is gone
	_, err = s.GetByRequestToken(ctx, token.RequestToken)
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("expired token should be deleted, got: %v", err)
	}
	_, err = s.GetByAccessToken(ctx, token.AccessToken, "consumer-1")
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("access index should be deleted, got: %v", err)
	}
}

func TestTokenStore_TouchOrExpire_NotFound(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.TouchOrExpire(ctx, "missing", time.Minute)
	if !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("Expected ErrTokenNotFound, got: %v", err)
	}
}

func TestTokenStore_TouchOrExpire_ConcurrentAtBoundary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	const timeout = 100 * time.Millisecond

	// Create the token already sitting on the expiry boundary, then race
	// concurrent touches against it
	token := testToken("consumer-1")
	token.Timestamp = time.Now().Add(-timeout)
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := range attempts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.TouchOrExpire(ctx, token.RequestToken, timeout)
		}(i)
	}
	wg.Wait()

	var refreshed, expired, notFound int
	for _, err := range errs {
		switch {
		case err == nil:
			refreshed++
		case errors.Is(err, storage.ErrTokenExpired):
			expired++
		case errors.Is(err, storage.ErrTokenNotFound):
			notFound++
		default:
			t.Fatalf("unexpected touch error: %v", err)
		}
	}

	// The script runs atomically on the server, so only two outcome sets
	// are consistent: one caller expires the token and the rest find it
	// gone, or a caller refreshes it first and every caller sees it live
	if expired > 1 {
		t.Fatalf("token expired %d times", expired)
	}
	if expired == 1 && refreshed != 0 {
		t.Fatalf("token observed live after expiry: %d refreshed", refreshed)
	}
	if expired == 0 && refreshed != attempts {
		t.Fatalf("inconsistent outcomes for a live token: %d refreshed, %d not found", refreshed, notFound)
	}
}

func TestTokenStore_Bind(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	bound, err := s.Bind(ctx, token.RequestToken, "user-1", "session-1")
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if bound.UserID != "user-1" || bound.SessionID != "session-1" {
		t.Errorf("binding not applied: %+v", bound)
	}

	// Second bind must be rejected and the original binding preserved
	_, err = s.Bind(ctx, token.RequestToken, "user-2", "session-2")
	if !errors.Is(err, storage.ErrTokenBound) {
		t.Errorf("Expected ErrTokenBound, got: %v", err)
	}

	got, err := s.GetByRequestToken(ctx, token.RequestToken)
	if err != nil {
		t.Fatalf("GetByRequestToken failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, original binding was overwritten", got.UserID)
	}
}

func TestTokenStore_DeleteBySession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var tokens []*storage.Token
	for i := 0; i < 2; i++ {
		token := testToken("consumer-1")
		if err := s.CreateToken(ctx, token); err != nil {
			t.Fatalf("CreateToken failed: %v", err)
		}
		if _, err := s.Bind(ctx, token.RequestToken, "user-1", "shared-session"); err != nil {
			t.Fatalf("Bind failed: %v", err)
		}
		tokens = append(tokens, token)
	}

	// An unrelated session's token survives
	other := testToken("consumer-1")
	if err := s.CreateToken(ctx, other); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	deleted, err := s.DeleteBySession(ctx, "shared-session")
	if err != nil {
		t.Fatalf("DeleteBySession failed: %v", err)
	}
	if deleted != 2 {
		t.Errorf("deleted = %d, want 2", deleted)
	}

	for _, token := range tokens {
		if _, err := s.GetByRequestToken(ctx, token.RequestToken); !errors.Is(err, storage.ErrTokenNotFound) {
			t.Errorf("session token should be deleted, got: %v", err)
		}
	}
	if _, err := s.GetByRequestToken(ctx, other.RequestToken); err != nil {
		t.Errorf("unrelated token should survive, got: %v", err)
	}
}

func TestTokenStore_DeleteToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	token := testToken("consumer-1")
	if err := s.CreateToken(ctx, token); err != nil {
		t.Fatalf("CreateToken failed: %v", err)
	}

	if err := s.DeleteToken(ctx, token.RequestToken); err != nil {
		t.Fatalf("DeleteToken failed: %v", err)
	}
	if _, err := s.GetByRequestToken(ctx, token.RequestToken); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("token should be deleted, got: %v", err)
	}

	// Deleting a missing token is a no-op
	if err := s.DeleteToken(ctx, "missing"); err != nil {
		t.Errorf("DeleteToken on missing token: %v", err)
	}
}
