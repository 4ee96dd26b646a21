package sso

import (
	"errors"
	"fmt"
	"net/http"
)

// Protocol error codes as constants
const (
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeSignatureInvalid  = "signature_invalid"
	ErrorCodeTokenNotFound     = "token_not_found"
	ErrorCodeTokenTimedOut     = "token_timed_out"
	ErrorCodeInvalidToken      = "invalid_token"
	ErrorCodeAccessDenied      = "access_denied"
	ErrorCodeTokenBound        = "token_bound"
	ErrorCodeNotImplemented    = "not_implemented"
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeServerError       = "server_error"
)

// ErrNotImplemented is returned by an AccessPolicy that does not implement
// profile extensions when a consumer requests extra data.
var ErrNotImplemented = errors.New("extra data not implemented")

// ProtocolError represents a structured handshake error response.
// All handler-level failures surface as one of these, never as an
// unhandled fault.
type ProtocolError struct {
	Code        string // Protocol error code (e.g., "token_not_found")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewProtocolError creates a new protocol error
func NewProtocolError(code, description string, status int) *ProtocolError {
	return &ProtocolError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common protocol errors as reusable constructors
var (
	// ErrMalformedRequest indicates the request is missing a required field
	ErrMalformedRequest = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrSignatureInvalid indicates the request signature could not be
	// verified. The description is deliberately uniform: unknown public
	// key, bad signature, and stale timestamp are indistinguishable to the
	// caller.
	ErrSignatureInvalid = func() *ProtocolError {
		return NewProtocolError(ErrorCodeSignatureInvalid, "signature verification failed", http.StatusForbidden)
	}

	// ErrTokenNotFound indicates the token does not resolve, or resolves
	// under a different consumer
	ErrTokenNotFound = func() *ProtocolError {
		return NewProtocolError(ErrorCodeTokenNotFound, "Token not found", http.StatusForbidden)
	}

	// ErrTokenTimedOut indicates the token aged past its window and has
	// been deleted
	ErrTokenTimedOut = func() *ProtocolError {
		return NewProtocolError(ErrorCodeTokenTimedOut, "Token timed out", http.StatusForbidden)
	}

	// ErrInvalidToken indicates the token never completed authorization
	ErrInvalidToken = func() *ProtocolError {
		return NewProtocolError(ErrorCodeInvalidToken, "Invalid token", http.StatusForbidden)
	}

	// ErrAccessDenied indicates the authenticated user failed the access
	// policy check
	ErrAccessDenied = func() *ProtocolError {
		return NewProtocolError(ErrorCodeAccessDenied, "Access denied", http.StatusForbidden)
	}

	// ErrTokenAlreadyAuthorized indicates a re-authorization attempt
	// against an already-bound token
	ErrTokenAlreadyAuthorized = func() *ProtocolError {
		return NewProtocolError(ErrorCodeTokenBound, "token already authorized", http.StatusForbidden)
	}

	// ErrExtraDataNotImplemented indicates the consumer requested extra
	// data but the access policy implements no extension
	ErrExtraDataNotImplemented = func() *ProtocolError {
		return NewProtocolError(ErrorCodeNotImplemented, "extra data not implemented", http.StatusNotImplemented)
	}

	// ErrRateLimited indicates the caller exceeded the per-IP rate limit
	ErrRateLimited = func() *ProtocolError {
		return NewProtocolError(ErrorCodeRateLimitExceeded, "rate limit exceeded", http.StatusTooManyRequests)
	}

	// ErrServerError indicates an internal failure
	ErrServerError = func(desc string) *ProtocolError {
		return NewProtocolError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)
