package store

import (
	"context"
	"database/sql"
	"fmt"
)

const orderColumns = "id, user_id, security_id, number_of_shares, price, round_id, created_at, updated_at"

func scanOrder(sc scanner, side Side) (*Order, error) {
	o := &Order{Side: side}
	var roundID sql.NullString
	var created, updated int64
	if err := sc.Scan(&o.ID, &o.UserID, &o.SecurityID, &o.Shares, &o.Price,
		&roundID, &created, &updated); err != nil {
		return nil, err
	}
	o.RoundID = stringPtr(roundID)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return o, nil
}

func (q *Queries) queryOrders(ctx context.Context, side Side, query string, args ...any) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", side.table(), err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows, side)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// CreateOrder inserts a buy or sell order depending on o.Side
func (q *Queries) CreateOrder(ctx context.Context, o *Order) error {
	if o.ID == "" {
		o.ID = newID()
	}
	o.CreatedAt = stamp(o.CreatedAt)
	o.UpdatedAt = o.CreatedAt

	_, err := q.db.ExecContext(ctx,
		"INSERT INTO "+o.Side.table()+" ("+orderColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.UserID, o.SecurityID, o.Shares, o.Price, nullString(o.RoundID),
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s order: %w", o.Side, err)
	}
	return nil
}

// GetOrder retrieves one order
func (q *Queries) GetOrder(ctx context.Context, side Side, id string) (*Order, error) {
	o, err := scanOrder(q.db.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM "+side.table()+" WHERE id = ?", id), side)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s order: %w", side, err)
	}
	return o, nil
}

// UpdateOrder rewrites the mutable fields of an unassigned order. Orders that already
// belong to a round are reported as ErrNotFound.
func (q *Queries) UpdateOrder(ctx context.Context, o *Order) error {
	o.UpdatedAt = stamp(o.UpdatedAt)
	err := q.execOne(ctx,
		"UPDATE "+o.Side.table()+` SET security_id = ?, number_of_shares = ?, price = ?, updated_at = ?
		WHERE id = ? AND round_id IS NULL`,
		o.SecurityID, o.Shares, o.Price, toNanos(o.UpdatedAt), o.ID,
	)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to update %s order: %w", o.Side, err)
	}
	return err
}

// DeleteOrder removes an unassigned order
func (q *Queries) DeleteOrder(ctx context.Context, side Side, id string) error {
	err := q.execOne(ctx, "DELETE FROM "+side.table()+" WHERE id = ? AND round_id IS NULL", id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to delete %s order: %w", side, err)
	}
	return err
}

// CountCurrentOrders counts the user's orders that belong to the active round or to no
// round yet. activeRoundID may be nil when no round is active.
func (q *Queries) CountCurrentOrders(ctx context.Context, side Side, userID string, activeRoundID *string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+side.table()+" WHERE user_id = ? AND (round_id IS NULL OR round_id = ?)",
		userID, nullString(activeRoundID),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s orders: %w", side, err)
	}
	return n, nil
}

// ListCurrentOrders lists the user's orders in the active round or unassigned
func (q *Queries) ListCurrentOrders(ctx context.Context, side Side, userID string, activeRoundID *string) ([]Order, error) {
	return q.queryOrders(ctx, side,
		"SELECT "+orderColumns+" FROM "+side.table()+
			" WHERE user_id = ? AND (round_id IS NULL OR round_id = ?) ORDER BY created_at, rowid",
		userID, nullString(activeRoundID),
	)
}

// UnassignedOrders lists every order not yet attached to a round
func (q *Queries) UnassignedOrders(ctx context.Context, side Side) ([]Order, error) {
	return q.queryOrders(ctx, side,
		"SELECT "+orderColumns+" FROM "+side.table()+" WHERE round_id IS NULL ORDER BY created_at, rowid")
}

// AssignUnassigned attaches every unassigned order of one side to roundID
func (q *Queries) AssignUnassigned(ctx context.Context, side Side, roundID string) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE "+side.table()+" SET round_id = ? WHERE round_id IS NULL", roundID)
	if err != nil {
		return 0, fmt.Errorf("failed to assign %s orders: %w", side, err)
	}
	return res.RowsAffected()
}

// RoundOrders lists every order of one side in the round
func (q *Queries) RoundOrders(ctx context.Context, side Side, roundID string) ([]Order, error) {
	return q.queryOrders(ctx, side,
		"SELECT "+orderColumns+" FROM "+side.table()+" WHERE round_id = ? ORDER BY created_at, rowid", roundID)
}

// RoundOrdersForApproved lists the round's orders whose owners are approved for the side
// right now, not at submission time
func (q *Queries) RoundOrdersForApproved(ctx context.Context, side Side, roundID string) ([]Order, error) {
	cols := "o.id, o.user_id, o.security_id, o.number_of_shares, o.price, o.round_id, o.created_at, o.updated_at"
	return q.queryOrders(ctx, side,
		"SELECT "+cols+" FROM "+side.table()+" o JOIN users u ON u.id = o.user_id"+
			" WHERE o.round_id = ? AND u."+side.approvalColumn()+" = 1 ORDER BY o.created_at, o.rowid",
		roundID,
	)
}
