package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"roundex/internal/apperr"
	"roundex/internal/store"
)

// Claims are the bearer token claims. Subject is the user ID and ID is the token ID used
// for revocation.
type Claims struct {
	jwt.RegisteredClaims
}

// UserID returns the authenticated user
func (c *Claims) UserID() string {
	return c.Subject
}

// Issuer signs and verifies HS256 bearer tokens
type Issuer struct {
	secret []byte
	ttl    time.Duration
	store  *store.Store
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, st *store.Store) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, store: st, now: time.Now}
}

// Issue creates a token for userID
func (i *Issuer) Issue(userID string) (string, *Claims, error) {
	now := i.now()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
	}}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, claims, nil
}

// Verify parses a token and rejects it if it is invalid, expired or revoked
func (i *Issuer) Verify(ctx context.Context, token string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, apperr.Unauthorized("Invalid or expired token")
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, apperr.Unauthorized("Invalid or expired token")
	}

	revoked, err := i.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, apperr.Unauthorized("Token has been revoked")
	}
	return claims, nil
}

// Revoke invalidates a token before it expires
func (i *Issuer) Revoke(ctx context.Context, claims *Claims) error {
	if claims == nil || claims.ExpiresAt == nil {
		return errors.New("token has no expiry")
	}
	return i.store.RevokeToken(ctx, claims.ID, claims.Subject, claims.ExpiresAt.Time)
}

// CleanupRevocations drops revocations of tokens that have expired on their own
func (i *Issuer) CleanupRevocations(ctx context.Context) error {
	_, err := i.store.CleanupExpiredRevocations(ctx, i.now())
	return err
}
