package store

import (
	"context"
	"fmt"
	"time"
)

// RevokedToken is a bearer token ID invalidated before its natural expiry (logout)
type RevokedToken struct {
	TokenID   string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// RevokeToken records a token ID as logged out. Revoking twice is a no-op.
func (q *Queries) RevokeToken(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	_, err := q.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO revoked_tokens (token_id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)",
		tokenID, userID, toNanos(expiresAt), toNanos(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether a token ID was logged out
func (q *Queries) IsTokenRevoked(ctx context.Context, tokenID string) (bool, error) {
	var ok bool
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM revoked_tokens WHERE token_id = ?)", tokenID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check token: %w", err)
	}
	return ok, nil
}

// CleanupExpiredRevocations removes revocations for tokens that have expired anyway
func (q *Queries) CleanupExpiredRevocations(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx, "DELETE FROM revoked_tokens WHERE expires_at < ?", toNanos(now))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup revocations: %w", err)
	}
	return res.RowsAffected()
}
