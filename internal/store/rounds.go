package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const roundColumns = "id, end_time, is_concluded, created_at"

func scanRound(sc scanner) (*Round, error) {
	r := &Round{}
	var end, created int64
	if err := sc.Scan(&r.ID, &end, &r.IsConcluded, &created); err != nil {
		return nil, err
	}
	r.EndTime = fromNanos(end)
	r.CreatedAt = fromNanos(created)
	return r, nil
}

func (q *Queries) queryRounds(ctx context.Context, query string, args ...any) ([]Round, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query rounds: %w", err)
	}
	defer rows.Close()

	var out []Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// CreateRound inserts an open round
func (q *Queries) CreateRound(ctx context.Context, r *Round) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = stamp(r.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO rounds ("+roundColumns+") VALUES (?, ?, ?, ?)",
		r.ID, toNanos(r.EndTime), r.IsConcluded, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create round: %w", err)
	}
	return nil
}

// GetRound retrieves a round by ID
func (q *Queries) GetRound(ctx context.Context, id string) (*Round, error) {
	r, err := scanRound(q.db.QueryRowContext(ctx, "SELECT "+roundColumns+" FROM rounds WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// ActiveRounds returns open rounds whose end time has not passed, earliest first.
// More than one result is an invariant violation the caller must handle.
func (q *Queries) ActiveRounds(ctx context.Context, now time.Time) ([]Round, error) {
	return q.queryRounds(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE is_concluded = 0 AND end_time >= ? ORDER BY end_time, created_at",
		toNanos(now))
}

// OverdueRounds returns rounds that ended before now without being concluded
func (q *Queries) OverdueRounds(ctx context.Context, now time.Time) ([]Round, error) {
	return q.queryRounds(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE is_concluded = 0 AND end_time < ? ORDER BY end_time",
		toNanos(now))
}

// ListRounds returns every round, newest first
func (q *Queries) ListRounds(ctx context.Context) ([]Round, error) {
	return q.queryRounds(ctx, "SELECT "+roundColumns+" FROM rounds ORDER BY created_at DESC")
}

// ConcludeRound flips is_concluded from false to true. It reports false when the round
// was already concluded, which makes it the single-writer gate for match runs.
func (q *Queries) ConcludeRound(ctx context.Context, id string) (bool, error) {
	err := q.execOne(ctx, "UPDATE rounds SET is_concluded = 1 WHERE id = ? AND is_concluded = 0", id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to conclude round: %w", err)
	}
	return true, nil
}
