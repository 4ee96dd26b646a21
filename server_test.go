package sso_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	sso "github.com/ssokit/ssokit"
	"github.com/ssokit/ssokit/internal/testutil"
	"github.com/ssokit/ssokit/storage"
	"github.com/ssokit/ssokit/storage/memory"
)

func newTestServer(t *testing.T) (*sso.Server, *testutil.CookieAuthenticator, *sso.User) {
	t.Helper()

	store := memory.New()
	authn := testutil.NewCookieAuthenticator()
	user := &sso.User{ID: "alice", Username: "alice", Email: "alice@example.com", IsActive: true}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server, err := sso.NewServer(store, store, authn, authn, testutil.NewMapDirectory(user), nil, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Close)
	return server, authn, user
}

func protocolError(t *testing.T, err error) *sso.ProtocolError {
	t.Helper()
	var protoErr *sso.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	return protoErr
}

func TestNewServerValidation(t *testing.T) {
	store := memory.New()
	authn := testutil.NewCookieAuthenticator()
	directory := testutil.NewMapDirectory()

	if _, err := sso.NewServer(nil, nil, authn, authn, directory, nil, nil); err == nil {
		t.Error("expected error for missing stores")
	}
	if _, err := sso.NewServer(store, store, nil, authn, directory, nil, nil); err == nil {
		t.Error("expected error for missing authenticator")
	}
	if _, err := sso.NewServer(store, store, authn, authn, nil, nil, nil); err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestRegisterConsumerGeneratesCredentials(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx := t.Context()

	a, err := server.RegisterConsumer(ctx, "app-a")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	b, err := server.RegisterConsumer(ctx, "app-b")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	if a.PublicKey == "" || a.PrivateKey == "" {
		t.Fatal("empty credentials")
	}
	if a.PublicKey == b.PublicKey || a.PrivateKey == b.PrivateKey {
		t.Fatal("credentials not unique")
	}
	if _, err := server.RegisterConsumer(ctx, ""); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestIssueRequestTokenRequiresRedirect(t *testing.T) {
	server, _, _ := newTestServer(t)
	ctx := t.Context()

	consumer, err := server.RegisterConsumer(ctx, "app")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	_, err = server.IssueRequestToken(ctx, consumer, "")
	if protocolError(t, err).Code != sso.ErrorCodeInvalidRequest {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCheckRequestTokenUnknown(t *testing.T) {
	server, _, _ := newTestServer(t)

	_, err := server.CheckRequestToken(t.Context(), "missing")
	if protocolError(t, err).Code != sso.ErrorCodeTokenNotFound {
		t.Fatalf("unexpected error: %v", err)
	}
}

type denyPolicy struct{}

func (denyPolicy) HasAccess(context.Context, *sso.User, string) bool { return false }
func (denyPolicy) UserExtraData(context.Context, *sso.User, string, json.RawMessage) (json.RawMessage, error) {
	return nil, sso.ErrNotImplemented
}

func TestGrantAccessPolicyDenied(t *testing.T) {
	server, _, user := newTestServer(t)
	ctx := t.Context()
	server.SetPolicy(denyPolicy{})

	consumer, err := server.RegisterConsumer(ctx, "app")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	token, err := server.IssueRequestToken(ctx, consumer, "/account/")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}

	_, err = server.GrantAccess(ctx, token, user, "session-1", "203.0.113.7")
	if protocolError(t, err).Code != sso.ErrorCodeAccessDenied {
		t.Fatalf("unexpected error: %v", err)
	}

	// The denied token must remain unbound
	stored, err := server.CheckRequestToken(ctx, token.RequestToken)
	if err != nil {
		t.Fatalf("CheckRequestToken: %v", err)
	}
	if stored.Bound() {
		t.Fatal("token was bound despite policy denial")
	}
}

func TestGrantAccessPreservesRedirectQuery(t *testing.T) {
	server, _, user := newTestServer(t)
	ctx := t.Context()

	consumer, err := server.RegisterConsumer(ctx, "app")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	token, err := server.IssueRequestToken(ctx, consumer, "https://app.example.com/done?page=2")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}

	redirect, err := server.GrantAccess(ctx, token, user, "session-1", "203.0.113.7")
	if err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	if !strings.Contains(redirect, "page=2") || !strings.Contains(redirect, "access_token=") {
		t.Fatalf("unexpected redirect: %s", redirect)
	}
}

type extraDataPolicy struct{}

func (extraDataPolicy) HasAccess(context.Context, *sso.User, string) bool { return true }
func (extraDataPolicy) UserExtraData(_ context.Context, user *sso.User, _ string, _ json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"display_name": user.Username})
}

func TestVerifyExtraData(t *testing.T) {
	server, _, user := newTestServer(t)
	ctx := t.Context()

	consumer, err := server.RegisterConsumer(ctx, "app")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}

	grant := func(t *testing.T) string {
		token, err := server.IssueRequestToken(ctx, consumer, "/account/")
		if err != nil {
			t.Fatalf("IssueRequestToken: %v", err)
		}
		redirect, err := server.GrantAccess(ctx, token, user, testutil.NewSessionID(), "203.0.113.7")
		if err != nil {
			t.Fatalf("GrantAccess: %v", err)
		}
		_, rest, _ := strings.Cut(redirect, "access_token=")
		return rest
	}

	// Default policy implements no extension: requesting extra data is a
	// structured not-implemented error
	accessToken := grant(t)
	_, err = server.Verify(ctx, consumer, accessToken, json.RawMessage(`{"fields":["display_name"]}`))
	if protocolError(t, err).Status != 501 {
		t.Fatalf("unexpected error: %v", err)
	}

	// A policy with an extension fills in the extra data
	server.SetPolicy(extraDataPolicy{})
	accessToken = grant(t)
	data, err := server.Verify(ctx, consumer, accessToken, json.RawMessage(`{"fields":["display_name"]}`))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !strings.Contains(string(data.ExtraData), "alice") {
		t.Fatalf("unexpected extra data: %s", data.ExtraData)
	}

	// Without a request, no extra data is attached
	accessToken = grant(t)
	data, err = server.Verify(ctx, consumer, accessToken, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if data.ExtraData != nil {
		t.Fatalf("unexpected extra data: %s", data.ExtraData)
	}
}

func TestVerifyWindowMeasuredFromLastTouch(t *testing.T) {
	store := memory.New()
	authn := testutil.NewCookieAuthenticator()
	user := &sso.User{ID: "alice", Username: "alice", IsActive: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server, err := sso.NewServer(store, store, authn, authn, testutil.NewMapDirectory(user),
		&sso.Config{TokenVerifyTimeout: 500 * time.Millisecond}, logger)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(server.Close)
	ctx := t.Context()

	consumer, err := server.RegisterConsumer(ctx, "app")
	if err != nil {
		t.Fatalf("RegisterConsumer: %v", err)
	}
	token, err := server.IssueRequestToken(ctx, consumer, "/account/")
	if err != nil {
		t.Fatalf("IssueRequestToken: %v", err)
	}
	redirect, err := server.GrantAccess(ctx, token, user, "session-1", "203.0.113.7")
	if err != nil {
		t.Fatalf("GrantAccess: %v", err)
	}
	_, accessToken, _ := strings.Cut(redirect, "access_token=")

	// Three verifies 300ms apart: the last lands 600ms after authorization,
	// outside an absolute 500ms window, but each is inside the window of
	// the previous touch and must succeed.
	for i := range 3 {
		if _, err := server.Verify(ctx, consumer, accessToken, nil); err != nil {
			t.Fatalf("verify %d failed: %v", i, err)
		}
		time.Sleep(300 * time.Millisecond)
	}

	// Let the window lapse with no touch: expiry is one-way
	time.Sleep(300 * time.Millisecond)
	_, err = server.Verify(ctx, consumer, accessToken, nil)
	if protocolError(t, err).Code != sso.ErrorCodeTokenTimedOut {
		t.Fatalf("unexpected error after window lapsed: %v", err)
	}
	_, err = server.Verify(ctx, consumer, accessToken, nil)
	if protocolError(t, err).Code != sso.ErrorCodeTokenNotFound {
		t.Fatalf("unexpected error after expiry: %v", err)
	}
}

func TestLogoutCascadesAcrossConsumers(t *testing.T) {
	server, authn, user := newTestServer(t)
	ctx := t.Context()

	// The same browser session authorizes tokens for two consumers
	cookie := authn.Login(user)
	sessionID := cookie.Value

	var consumers []*storage.Consumer
	var accessTokens []string
	for _, name := range []string{"app-a", "app-b"} {
		consumer, err := server.RegisterConsumer(ctx, name)
		if err != nil {
			t.Fatalf("RegisterConsumer: %v", err)
		}
		token, err := server.IssueRequestToken(ctx, consumer, "/account/")
		if err != nil {
			t.Fatalf("IssueRequestToken: %v", err)
		}
		redirect, err := server.GrantAccess(ctx, token, user, sessionID, "203.0.113.7")
		if err != nil {
			t.Fatalf("GrantAccess: %v", err)
		}
		_, accessToken, _ := strings.Cut(redirect, "access_token=")
		consumers = append(consumers, consumer)
		accessTokens = append(accessTokens, accessToken)
	}

	// Logout through the first consumer kills both tokens and the session
	if err := server.Logout(ctx, consumers[0], accessTokens[0]); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if authn.SessionCount() != 0 {
		t.Fatal("session survived logout")
	}

	_, err := server.Verify(ctx, consumers[1], accessTokens[1], nil)
	if protocolError(t, err).Code != sso.ErrorCodeTokenNotFound {
		t.Fatalf("second consumer's token survived logout: %v", err)
	}
}
