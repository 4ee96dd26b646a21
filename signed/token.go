package signed

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// accessTokenClaim is the claim name carrying the raw access token.
const accessTokenClaim = "at"

// ErrAccessTokenInvalid is returned when a signed access token fails
// verification or has aged past the caller's window.
var ErrAccessTokenInvalid = errors.New("invalid access token")

// SignAccessToken wraps an access token in a timestamped HS256 JWT signed
// with a key derived from the consumer's private key. The result is appended
// to the consumer's redirect URL at the end of a successful authorization.
func SignAccessToken(secret, accessToken string) (string, error) {
	claims := jwt.MapClaims{
		accessTokenClaim: accessToken,
		"iat":            jwt.NewNumericDate(time.Now()),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(deriveKey(secret, accessTokenKeyInfo))
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// ParseAccessToken verifies a signed access token and returns the raw access
// token. maxAge bounds how long after issuance the signed form is accepted;
// zero or negative disables the age check (the business-level verify timeout
// still applies server-side).
func ParseAccessToken(secret, signedToken string, maxAge time.Duration) (string, error) {
	parsed, err := jwt.Parse(signedToken,
		func(t *jwt.Token) (any, error) {
			return deriveKey(secret, accessTokenKeyInfo), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAccessTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrAccessTokenInvalid
	}

	if maxAge > 0 {
		issuedAt, err := claims.GetIssuedAt()
		if err != nil || issuedAt == nil {
			return "", fmt.Errorf("%w: missing iat", ErrAccessTokenInvalid)
		}
		if time.Since(issuedAt.Time) > maxAge {
			return "", fmt.Errorf("%w: expired", ErrAccessTokenInvalid)
		}
	}

	accessToken, ok := claims[accessTokenClaim].(string)
	if !ok || accessToken == "" {
		return "", fmt.Errorf("%w: missing token claim", ErrAccessTokenInvalid)
	}

	return accessToken, nil
}
