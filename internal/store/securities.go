package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// CreateSecurity inserts a tradable instrument
func (q *Queries) CreateSecurity(ctx context.Context, sec *Security) error {
	if sec.ID == "" {
		sec.ID = newID()
	}
	sec.CreatedAt = stamp(sec.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO securities (id, name, market_price, created_at) VALUES (?, ?, ?, ?)",
		sec.ID, sec.Name, sec.MarketPrice, toNanos(sec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create security: %w", err)
	}
	return nil
}

// GetSecurity retrieves a security by ID
func (q *Queries) GetSecurity(ctx context.Context, id string) (*Security, error) {
	sec := &Security{}
	var created int64
	err := q.db.QueryRowContext(ctx,
		"SELECT id, name, market_price, created_at FROM securities WHERE id = ?", id,
	).Scan(&sec.ID, &sec.Name, &sec.MarketPrice, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security: %w", err)
	}
	sec.CreatedAt = fromNanos(created)
	return sec, nil
}

// ListSecurities returns every security ordered by name
func (q *Queries) ListSecurities(ctx context.Context) ([]Security, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT id, name, market_price, created_at FROM securities ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list securities: %w", err)
	}
	defer rows.Close()

	var out []Security
	for rows.Next() {
		var sec Security
		var created int64
		if err := rows.Scan(&sec.ID, &sec.Name, &sec.MarketPrice, &created); err != nil {
			return nil, fmt.Errorf("failed to scan security: %w", err)
		}
		sec.CreatedAt = fromNanos(created)
		out = append(out, sec)
	}
	return out, rows.Err()
}

// SetMarketPrice updates the reference price shown next to a security
func (q *Queries) SetMarketPrice(ctx context.Context, id string, price decimal.NullDecimal) error {
	err := q.execOne(ctx, "UPDATE securities SET market_price = ? WHERE id = ?", price, id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to set market price: %w", err)
	}
	return err
}
