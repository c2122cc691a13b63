package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMalformedToken = errors.New("malformed token")

// TokenInfo is what the client can learn from a bearer token without
// verifying it. Signature checks belong to the backend.
type TokenInfo struct {
	// Opaque tokens are not JWTs; they carry no expiry and remain valid
	// until the backend rejects them.
	Opaque    bool
	Subject   string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now. Tokens
// without an expiry never expire on the client.
func (i TokenInfo) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// DecodeToken reads the registered claims of a JWT-shaped token. Anything
// that does not look like a JWT is reported as opaque.
func DecodeToken(token string) (TokenInfo, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenInfo{}, ErrMalformedToken
	}
	if strings.Count(token, ".") != 2 {
		return TokenInfo{Opaque: true}, nil
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenInfo{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	info := TokenInfo{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return info, nil
}

type tokenState int

const (
	tokenMissing tokenState = iota
	tokenValid
	tokenExpired
	tokenInvalid
)

func checkToken(token string, now time.Time) tokenState {
	if strings.TrimSpace(token) == "" {
		return tokenMissing
	}
	info, err := DecodeToken(token)
	if err != nil {
		return tokenInvalid
	}
	if info.Expired(now) {
		return tokenExpired
	}
	return tokenValid
}
