// Package auth gates the gateway routes that change link state (connect,
// disconnect, commands, auto-reconnect) behind the operator token from the
// ground station config. Read-only routes never consult it.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrTokenRequired means an operator token was configured empty.
	ErrTokenRequired = errors.New("auth: operator token is empty")
	// ErrMissingCredentials means the request carried no bearer token.
	ErrMissingCredentials = errors.New("auth: bearer token required")
	// ErrUnauthorized means the bearer token did not match.
	ErrUnauthorized = errors.New("auth: unauthorized")
)

// Guard decides whether a request may perform an operator action, given its
// raw Authorization header.
type Guard interface {
	Authorize(header string) error
}

// OperatorToken is a Guard for one shared operator secret. Only the secret's
// digest is held, and comparisons run in constant time.
type OperatorToken struct {
	sum [sha256.Size]byte
}

// NewOperatorToken trims secret and rejects an empty one, so a blank
// admin_token can never turn into "any empty bearer works".
func NewOperatorToken(secret string) (OperatorToken, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return OperatorToken{}, ErrTokenRequired
	}
	return OperatorToken{sum: sha256.Sum256([]byte(secret))}, nil
}

func (o OperatorToken) Authorize(header string) error {
	if o.sum == ([sha256.Size]byte{}) {
		return ErrUnauthorized
	}
	token, ok := BearerToken(header)
	if !ok {
		return ErrMissingCredentials
	}
	got := sha256.Sum256([]byte(token))
	if subtle.ConstantTimeCompare(o.sum[:], got[:]) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
