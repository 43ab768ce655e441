package auth

import (
	"context"
	"errors"
)

var (
	// ErrInvalidToken is returned for malformed, expired or wrongly signed tokens
	ErrInvalidToken = errors.New("invalid token")
	// ErrSignedOut is returned for tokens issued before the user signed out
	ErrSignedOut = errors.New("user signed out")
)

// Provider is the identity provider. Verify maps a bearer token to the
// authenticated user's ID.
type Provider interface {
	Verify(ctx context.Context, token string) (string, error)
	SignOut(ctx context.Context, userID string) error
}
