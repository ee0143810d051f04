package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const userColumns = "id, email, full_name, password_hash, can_buy, can_sell, is_committee, created_at"

func scanUser(sc scanner) (*User, error) {
	u := &User{}
	var created int64
	if err := sc.Scan(&u.ID, &u.Email, &u.FullName, &u.PasswordHash,
		&u.CanBuy, &u.CanSell, &u.IsCommittee, &created); err != nil {
		return nil, err
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}

// CreateUser inserts a user. The ID and CreatedAt are filled in when empty.
func (q *Queries) CreateUser(ctx context.Context, u *User) error {
	var exists bool
	err := q.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE email = ?)", u.Email).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check user existence: %w", err)
	}
	if exists {
		return ErrUserExists
	}

	if u.ID == "" {
		u.ID = newID()
	}
	u.CreatedAt = stamp(u.CreatedAt)

	_, err = q.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Email, u.FullName, u.PasswordHash, u.CanBuy, u.CanSell, u.IsCommittee, toNanos(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (q *Queries) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by email
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	u, err := scanUser(q.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE email = ?", email))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UsersByIDs returns the users with the given IDs, in no particular order
func (q *Queries) UsersByIDs(ctx context.Context, ids []string) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return q.queryUsers(ctx, "SELECT "+userColumns+" FROM users WHERE id IN ("+placeholders+")", args...)
}

// ApprovedEmails returns the emails of every user approved for the given side
func (q *Queries) ApprovedEmails(ctx context.Context, side Side) ([]string, error) {
	users, err := q.queryUsers(ctx,
		"SELECT "+userColumns+" FROM users WHERE "+side.approvalColumn()+" = 1 ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	emails := make([]string, len(users))
	for i, u := range users {
		emails[i] = u.Email
	}
	return emails, nil
}

// CommitteeEmails returns the emails of committee members
func (q *Queries) CommitteeEmails(ctx context.Context) ([]string, error) {
	users, err := q.queryUsers(ctx, "SELECT "+userColumns+" FROM users WHERE is_committee = 1 ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	emails := make([]string, len(users))
	for i, u := range users {
		emails[i] = u.Email
	}
	return emails, nil
}

// CountApproved returns how many users are approved for the given side
func (q *Queries) CountApproved(ctx context.Context, side Side) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE "+side.approvalColumn()+" = 1").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count approved users: %w", err)
	}
	return n, nil
}

// SetApproval flips the approval flag for one side
func (q *Queries) SetApproval(ctx context.Context, userID string, side Side, approved bool) error {
	err := q.execOne(ctx, "UPDATE users SET "+side.approvalColumn()+" = ? WHERE id = ?", approved, userID)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to set approval: %w", err)
	}
	return err
}

func (q *Queries) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// CreateUserRequest records a request to be approved for one side
func (q *Queries) CreateUserRequest(ctx context.Context, r *UserRequest) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = stamp(r.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO user_requests (id, user_id, is_buy, closed_by_user_id, created_at) VALUES (?, ?, ?, ?, ?)",
		r.ID, r.UserID, r.IsBuy, nullString(r.ClosedByUserID), toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create user request: %w", err)
	}
	return nil
}

// GetUserRequest retrieves a request by ID
func (q *Queries) GetUserRequest(ctx context.Context, id string) (*UserRequest, error) {
	r := &UserRequest{}
	var closedBy sql.NullString
	var created int64
	err := q.db.QueryRowContext(ctx,
		"SELECT id, user_id, is_buy, closed_by_user_id, created_at FROM user_requests WHERE id = ?", id,
	).Scan(&r.ID, &r.UserID, &r.IsBuy, &closedBy, &created)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user request: %w", err)
	}
	r.ClosedByUserID = stringPtr(closedBy)
	r.CreatedAt = fromNanos(created)
	return r, nil
}

// OpenUserRequest is a pending request joined with its user
type OpenUserRequest struct {
	Request UserRequest
	User    User
}

// OpenUserRequests lists requests nobody has closed yet, oldest first
func (q *Queries) OpenUserRequests(ctx context.Context) ([]OpenUserRequest, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT r.id, r.user_id, r.is_buy, r.created_at,
			u.id, u.email, u.full_name, u.password_hash, u.can_buy, u.can_sell, u.is_committee, u.created_at
		FROM user_requests r
		JOIN users u ON u.id = r.user_id
		WHERE r.closed_by_user_id IS NULL
		ORDER BY r.created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query user requests: %w", err)
	}
	defer rows.Close()

	var out []OpenUserRequest
	for rows.Next() {
		var o OpenUserRequest
		var reqCreated, userCreated int64
		if err := rows.Scan(&o.Request.ID, &o.Request.UserID, &o.Request.IsBuy, &reqCreated,
			&o.User.ID, &o.User.Email, &o.User.FullName, &o.User.PasswordHash,
			&o.User.CanBuy, &o.User.CanSell, &o.User.IsCommittee, &userCreated); err != nil {
			return nil, fmt.Errorf("failed to scan user request: %w", err)
		}
		o.Request.CreatedAt = fromNanos(reqCreated)
		o.User.CreatedAt = fromNanos(userCreated)
		out = append(out, o)
	}
	return out, rows.Err()
}

// CloseUserRequest marks a request as handled by closedBy. Already closed requests are
// reported as ErrNotFound.
func (q *Queries) CloseUserRequest(ctx context.Context, id, closedBy string) error {
	err := q.execOne(ctx,
		"UPDATE user_requests SET closed_by_user_id = ? WHERE id = ? AND closed_by_user_id IS NULL", closedBy, id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to close user request: %w", err)
	}
	return err
}
