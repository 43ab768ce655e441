package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const jwtExpDays = 365

// JWTProvider issues and verifies HS256 tokens carrying a user_id claim
type JWTProvider struct {
	secret []byte
	now    func() time.Time

	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewJWTProvider creates a provider signing with secret
func NewJWTProvider(secret string) *JWTProvider {
	return &JWTProvider{
		secret:  []byte(secret),
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
}

// Issue generates a token for a user
func (p *JWTProvider) Issue(userID string) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     now.AddDate(0, 0, jwtExpDays).Unix(),
		"iat":     now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify validates a token and returns the user ID
func (p *JWTProvider) Verify(_ context.Context, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("%w: user_id not found in token", ErrInvalidToken)
	}

	issuedAt, err := claims.GetIssuedAt()
	if err != nil || issuedAt == nil {
		return "", fmt.Errorf("%w: iat not found in token", ErrInvalidToken)
	}

	p.mu.RLock()
	revokedAt, isRevoked := p.revoked[userID]
	p.mu.RUnlock()
	if isRevoked && !issuedAt.Time.After(revokedAt) {
		return "", ErrSignedOut
	}

	return userID, nil
}

// SignOut rejects every token issued to the user up to now
func (p *JWTProvider) SignOut(_ context.Context, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[userID] = p.now().Truncate(time.Second)
	return nil
}
