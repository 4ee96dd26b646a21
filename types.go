package sso

import (
	"context"
	"encoding/json"
	"net/http"
)

// User is the authenticated end-user identity supplied by the host
// application's session layer and resolved again at verify time.
type User struct {
	// ID is the stable opaque identifier the token is bound to
	ID string

	Username  string
	Email     string
	FirstName string
	LastName  string
	IsActive  bool

	// Groups are the user's group names; order carries no meaning
	Groups []string
}

// UserData is the profile payload returned to consumers on verify.
// IsStaff and IsSuperuser are always false toward consumers: server-side
// privileges never propagate across the SSO boundary.
type UserData struct {
	Username    string          `json:"username"`
	Email       string          `json:"email"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	IsStaff     bool            `json:"is_staff"`
	IsSuperuser bool            `json:"is_superuser"`
	IsActive    bool            `json:"is_active"`
	Groups      []string        `json:"groups"`
	ExtraData   json.RawMessage `json:"extra_data,omitempty"`
}

// newUserData builds the consumer-facing profile for a user
func newUserData(user *User) *UserData {
	groups := user.Groups
	if groups == nil {
		groups = []string{}
	}
	return &UserData{
		Username:  user.Username,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
		IsActive:  user.IsActive,
		Groups:    groups,
	}
}

// Authenticator resolves the browser's authenticated user from a request.
// It is supplied by the host application (typically its session-cookie
// layer). It returns the user, an opaque session identifier, and whether
// the request carries an authenticated identity at all.
type Authenticator interface {
	UserFromRequest(r *http.Request) (user *User, sessionID string, ok bool)
}

// SessionDestroyer kills a browser session. The server calls it during
// logout before cascading token deletion for the session.
type SessionDestroyer interface {
	Destroy(ctx context.Context, sessionID string) error
}

// Directory resolves a bound user ID back to a full user profile at verify
// time. Supplied by the host application's user store.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
}

// AccessPolicy decides whether an authenticated user may sign in to a
// consumer, and optionally augments the verify payload with
// consumer-specific extra fields.
type AccessPolicy interface {
	// HasAccess reports whether the user may authorize against the consumer
	HasAccess(ctx context.Context, user *User, consumerKey string) bool

	// UserExtraData returns consumer-specific profile extensions. It is
	// only invoked when the consumer requested extra data on verify.
	// Implementations that do not support extensions return
	// ErrNotImplemented.
	UserExtraData(ctx context.Context, user *User, consumerKey string, request json.RawMessage) (json.RawMessage, error)
}

// DefaultPolicy grants every authenticated user access to every consumer
// and implements no profile extensions.
type DefaultPolicy struct{}

// Compile-time interface check
var _ AccessPolicy = DefaultPolicy{}

// HasAccess grants all authenticated users
func (DefaultPolicy) HasAccess(ctx context.Context, user *User, consumerKey string) bool {
	return true
}

// UserExtraData reports that no extension is implemented
func (DefaultPolicy) UserExtraData(ctx context.Context, user *User, consumerKey string, request json.RawMessage) (json.RawMessage, error) {
	return nil, ErrNotImplemented
}

// ==================== Wire Types ====================

// RequestTokenRequest is the signed payload of the request-token endpoint
type RequestTokenRequest struct {
	// RedirectTo is the consumer URL the browser returns to after
	// authorization
	RedirectTo string `json:"redirect_to"`
}

// RequestTokenResponse carries the freshly issued request token
type RequestTokenResponse struct {
	RequestToken string `json:"request_token"`
}

// VerifyRequest is the signed payload of the verify endpoint
type VerifyRequest struct {
	// AccessToken is the signed access token the consumer received on the
	// authorize redirect
	AccessToken string `json:"access_token"`

	// ExtraData, when present, asks the access policy for consumer-specific
	// profile extensions
	ExtraData json.RawMessage `json:"extra_data,omitempty"`
}

// LogoutRequest is the signed payload of the logout endpoint
type LogoutRequest struct {
	AccessToken string `json:"access_token"`
}

// LogoutResponse acknowledges a completed logout cascade
type LogoutResponse struct {
	Status string `json:"status"`
}
