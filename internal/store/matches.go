package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateMatch records one buy/sell pairing for a round
func (q *Queries) CreateMatch(ctx context.Context, m *MatchRecord) error {
	if m.ID == "" {
		m.ID = newID()
	}
	m.CreatedAt = stamp(m.CreatedAt)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO matches (id, round_id, buy_order_id, sell_order_id, number_of_shares, price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.RoundID, m.BuyOrderID, m.SellOrderID, m.Shares, m.Price, toNanos(m.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create match: %w", err)
	}
	return nil
}

// GetMatch retrieves a match by ID
func (q *Queries) GetMatch(ctx context.Context, id string) (*MatchRecord, error) {
	m := &MatchRecord{}
	var created int64
	err := q.db.QueryRowContext(ctx, `
		SELECT id, round_id, buy_order_id, sell_order_id, number_of_shares, price, created_at
		FROM matches WHERE id = ?
	`, id).Scan(&m.ID, &m.RoundID, &m.BuyOrderID, &m.SellOrderID, &m.Shares, &m.Price, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get match: %w", err)
	}
	m.CreatedAt = fromNanos(created)
	return m, nil
}

// RoundMatches lists the matches produced by a round
func (q *Queries) RoundMatches(ctx context.Context, roundID string) ([]MatchRecord, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, round_id, buy_order_id, sell_order_id, number_of_shares, price, created_at
		FROM matches WHERE round_id = ? ORDER BY created_at, rowid
	`, roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to query matches: %w", err)
	}
	defer rows.Close()

	var out []MatchRecord
	for rows.Next() {
		var m MatchRecord
		var created int64
		if err := rows.Scan(&m.ID, &m.RoundID, &m.BuyOrderID, &m.SellOrderID, &m.Shares, &m.Price, &created); err != nil {
			return nil, fmt.Errorf("failed to scan match: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	return out, rows.Err()
}
