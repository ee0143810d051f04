package store

import (
	"context"
	"fmt"
	"time"
)

// canonicalPair orders two user IDs so a ban is stored once regardless of direction
func canonicalPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// BanPair permanently excludes a and b from being matched together. Banning an already
// banned pair is a no-op.
func (q *Queries) BanPair(ctx context.Context, a, b string, at time.Time) error {
	if a == b {
		return fmt.Errorf("cannot ban a user from themselves")
	}
	lo, hi := canonicalPair(a, b)
	_, err := q.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO banned_pairs (user_a, user_b, created_at) VALUES (?, ?, ?)",
		lo, hi, toNanos(stamp(at)))
	if err != nil {
		return fmt.Errorf("failed to ban pair: %w", err)
	}
	return nil
}

// IsBanned reports whether a and b are banned, in either direction
func (q *Queries) IsBanned(ctx context.Context, a, b string) (bool, error) {
	lo, hi := canonicalPair(a, b)
	var ok bool
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM banned_pairs WHERE user_a = ? AND user_b = ?)", lo, hi,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check ban: %w", err)
	}
	return ok, nil
}

// ListBannedPairs returns every ban in canonical form
func (q *Queries) ListBannedPairs(ctx context.Context) ([]BannedPair, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT user_a, user_b, created_at FROM banned_pairs ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("failed to list banned pairs: %w", err)
	}
	defer rows.Close()

	var out []BannedPair
	for rows.Next() {
		var p BannedPair
		var created int64
		if err := rows.Scan(&p.UserA, &p.UserB, &created); err != nil {
			return nil, fmt.Errorf("failed to scan banned pair: %w", err)
		}
		p.CreatedAt = fromNanos(created)
		out = append(out, p)
	}
	return out, rows.Err()
}
