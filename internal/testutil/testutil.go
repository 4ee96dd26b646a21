// Package testutil provides shared helpers and fake collaborators for
// exercising the SSO handshake in tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"

	sso "github.com/ssokit/ssokit"
	"github.com/ssokit/ssokit/signed"
	"github.com/ssokit/ssokit/storage"
)

// NewSessionID returns a fresh session identifier
func NewSessionID() string {
	return uuid.NewString()
}

// SignedRequest builds a POST request whose body is a signed envelope
// carrying payload, the way a consumer backend would send it
func SignedRequest(t *testing.T, target string, consumer *storage.Consumer, payload any) *http.Request {
	t.Helper()

	env, err := signed.Sign(consumer.PrivateKey, consumer.PublicKey, payload)
	if err != nil {
		t.Fatalf("failed to sign request payload: %v", err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("failed to marshal envelope: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeSignedResponse verifies a signed response envelope with the
// consumer's secret and unmarshals its payload into v
func DecodeSignedResponse(t *testing.T, consumer *storage.Consumer, body []byte, v any) {
	t.Helper()

	var env signed.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("failed to unmarshal response envelope: %v", err)
	}
	if err := signed.Verify(consumer.PrivateKey, &env, 0); err != nil {
		t.Fatalf("response signature did not verify: %v", err)
	}
	if err := signed.DecodePayload(&env, v); err != nil {
		t.Fatalf("failed to decode response payload: %v", err)
	}
}

// CookieAuthenticator authenticates requests by a session cookie and doubles
// as the session teardown collaborator. Tests create sessions with Login and
// attach the returned cookie.
type CookieAuthenticator struct {
	CookieName string

	mu       sync.Mutex
	sessions map[string]*sso.User
}

var (
	_ sso.Authenticator    = (*CookieAuthenticator)(nil)
	_ sso.SessionDestroyer = (*CookieAuthenticator)(nil)
)

// NewCookieAuthenticator creates an empty cookie authenticator
func NewCookieAuthenticator() *CookieAuthenticator {
	return &CookieAuthenticator{
		CookieName: "sessionid",
		sessions:   make(map[string]*sso.User),
	}
}

// Login creates a session for the user and returns the cookie to attach
func (a *CookieAuthenticator) Login(user *sso.User) *http.Cookie {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessionID := NewSessionID()
	a.sessions[sessionID] = user
	return &http.Cookie{Name: a.CookieName, Value: sessionID}
}

// UserFromRequest resolves a session cookie to its user
func (a *CookieAuthenticator) UserFromRequest(r *http.Request) (*sso.User, string, bool) {
	cookie, err := r.Cookie(a.CookieName)
	if err != nil {
		return nil, "", false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.sessions[cookie.Value]
	if !ok {
		return nil, "", false
	}
	return user, cookie.Value, true
}

// Destroy removes a session
func (a *CookieAuthenticator) Destroy(_ context.Context, sessionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, sessionID)
	return nil
}

// SessionCount reports how many sessions are live
func (a *CookieAuthenticator) SessionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

// MapDirectory is a user directory backed by a map
type MapDirectory struct {
	mu    sync.Mutex
	users map[string]*sso.User
}

var _ sso.Directory = (*MapDirectory)(nil)

// NewMapDirectory creates a directory holding the given users
func NewMapDirectory(users ...*sso.User) *MapDirectory {
	d := &MapDirectory{users: make(map[string]*sso.User)}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Add registers a user in the directory
func (d *MapDirectory) Add(user *sso.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[user.ID] = user
}

// GetUser looks up a user by ID
func (d *MapDirectory) GetUser(_ context.Context, userID string) (*sso.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	return user, nil
}
