package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ==================== CHAT ROOMS ====================

const roomColumns = "id, match_id, friendly_name, is_deal_closed, disband_by_user_id, disband_time, created_at, updated_at"

func scanRoom(sc scanner) (*ChatRoom, error) {
	r := &ChatRoom{}
	var disbandBy sql.NullString
	var disbandAt sql.NullInt64
	var created, updated int64
	if err := sc.Scan(&r.ID, &r.MatchID, &r.FriendlyName, &r.IsDealClosed,
		&disbandBy, &disbandAt, &created, &updated); err != nil {
		return nil, err
	}
	r.DisbandByUserID = stringPtr(disbandBy)
	r.DisbandTime = timePtr(disbandAt)
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return r, nil
}

// CreateChatRoom inserts a room for a match
func (q *Queries) CreateChatRoom(ctx context.Context, r *ChatRoom) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = stamp(r.CreatedAt)
	r.UpdatedAt = r.CreatedAt
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO chat_rooms ("+roomColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		r.ID, r.MatchID, r.FriendlyName, r.IsDealClosed, nullString(r.DisbandByUserID),
		nullNanos(r.DisbandTime), toNanos(r.CreatedAt), toNanos(r.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create chat room: %w", err)
	}
	return nil
}

// GetChatRoom retrieves a room by ID
func (q *Queries) GetChatRoom(ctx context.Context, id string) (*ChatRoom, error) {
	r, err := scanRoom(q.db.QueryRowContext(ctx, "SELECT "+roomColumns+" FROM chat_rooms WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat room: %w", err)
	}
	return r, nil
}

// TouchChatRoom advances the room's updated_at
func (q *Queries) TouchChatRoom(ctx context.Context, id string, at time.Time) error {
	err := q.execOne(ctx, "UPDATE chat_rooms SET updated_at = ? WHERE id = ?", toNanos(at), id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to touch chat room: %w", err)
	}
	return err
}

// CloseDeal flips is_deal_closed on an open room. A room that is already closed or
// disbanded is reported as ErrNotFound.
func (q *Queries) CloseDeal(ctx context.Context, id string, at time.Time) error {
	err := q.execOne(ctx, `
		UPDATE chat_rooms SET is_deal_closed = 1, updated_at = ?
		WHERE id = ? AND is_deal_closed = 0 AND disband_by_user_id IS NULL
	`, toNanos(at), id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to close deal: %w", err)
	}
	return err
}

// DisbandChatRoom marks an open room as permanently closed by userID. A room that is
// already closed or disbanded is reported as ErrNotFound.
func (q *Queries) DisbandChatRoom(ctx context.Context, id, userID string, at time.Time) error {
	err := q.execOne(ctx, `
		UPDATE chat_rooms SET disband_by_user_id = ?, disband_time = ?, updated_at = ?
		WHERE id = ? AND is_deal_closed = 0 AND disband_by_user_id IS NULL
	`, userID, toNanos(at), toNanos(at), id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to disband chat room: %w", err)
	}
	return err
}

// ==================== ASSOCIATIONS ====================

const assocColumns = "user_id, chat_room_id, role, is_revealed, is_archived, last_read_id, created_at"

func scanAssociation(sc scanner) (*Association, error) {
	a := &Association{}
	var lastRead sql.NullString
	var created int64
	if err := sc.Scan(&a.UserID, &a.ChatRoomID, &a.Role, &a.IsRevealed, &a.IsArchived, &lastRead, &created); err != nil {
		return nil, err
	}
	a.LastReadID = stringPtr(lastRead)
	a.CreatedAt = fromNanos(created)
	return a, nil
}

func (q *Queries) queryAssociations(ctx context.Context, query string, args ...any) ([]Association, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query associations: %w", err)
	}
	defer rows.Close()

	var out []Association
	for rows.Next() {
		a, err := scanAssociation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan association: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// CreateAssociation links a user to a room with a role
func (q *Queries) CreateAssociation(ctx context.Context, a *Association) error {
	a.CreatedAt = stamp(a.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO user_chat_room_associations ("+assocColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		a.UserID, a.ChatRoomID, a.Role, a.IsRevealed, a.IsArchived, nullString(a.LastReadID), toNanos(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create association: %w", err)
	}
	return nil
}

// GetAssociation retrieves the user's membership in a room
func (q *Queries) GetAssociation(ctx context.Context, userID, roomID string) (*Association, error) {
	a, err := scanAssociation(q.db.QueryRowContext(ctx,
		"SELECT "+assocColumns+" FROM user_chat_room_associations WHERE user_id = ? AND chat_room_id = ?",
		userID, roomID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get association: %w", err)
	}
	return a, nil
}

// RoomAssociations returns both memberships of a room, buyer first
func (q *Queries) RoomAssociations(ctx context.Context, roomID string) ([]Association, error) {
	return q.queryAssociations(ctx,
		"SELECT "+assocColumns+" FROM user_chat_room_associations WHERE chat_room_id = ? ORDER BY role",
		roomID)
}

// UserAssociations returns the user's memberships holding the given role
func (q *Queries) UserAssociations(ctx context.Context, userID string, role Role) ([]Association, error) {
	return q.queryAssociations(ctx, `
		SELECT a.user_id, a.chat_room_id, a.role, a.is_revealed, a.is_archived, a.last_read_id, a.created_at
		FROM user_chat_room_associations a
		JOIN chat_rooms r ON r.id = a.chat_room_id
		WHERE a.user_id = ? AND a.role = ?
		ORDER BY r.updated_at DESC, r.id
	`, userID, role)
}

// UserRoomIDs lists every room the user belongs to
func (q *Queries) UserRoomIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT chat_room_id FROM user_chat_room_associations WHERE user_id = ? ORDER BY created_at", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetRevealed marks the user's identity as revealed in the room. It never resets.
func (q *Queries) SetRevealed(ctx context.Context, userID, roomID string) error {
	err := q.execOne(ctx,
		"UPDATE user_chat_room_associations SET is_revealed = 1 WHERE user_id = ? AND chat_room_id = ?",
		userID, roomID)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to reveal identity: %w", err)
	}
	return err
}

// SetArchived toggles the user's archive flag for the room
func (q *Queries) SetArchived(ctx context.Context, userID, roomID string, archived bool) error {
	err := q.execOne(ctx,
		"UPDATE user_chat_room_associations SET is_archived = ? WHERE user_id = ? AND chat_room_id = ?",
		archived, userID, roomID)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to set archived: %w", err)
	}
	return err
}

// SetLastReadID records the last chat the user has seen in the room
func (q *Queries) SetLastReadID(ctx context.Context, userID, roomID, chatID string) error {
	err := q.execOne(ctx,
		"UPDATE user_chat_room_associations SET last_read_id = ? WHERE user_id = ? AND chat_room_id = ?",
		chatID, userID, roomID)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to set last read id: %w", err)
	}
	return err
}

// ==================== CHATS ====================

func scanChat(sc scanner) (*Chat, error) {
	c := &Chat{}
	var created int64
	if err := sc.Scan(&c.ID, &c.ChatRoomID, &c.AuthorID, &c.Message, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = fromNanos(created)
	return c, nil
}

// CreateChat appends a message to a room
func (q *Queries) CreateChat(ctx context.Context, c *Chat) error {
	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt = stamp(c.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO chats (id, chat_room_id, author_id, message, created_at) VALUES (?, ?, ?, ?, ?)",
		c.ID, c.ChatRoomID, c.AuthorID, c.Message, toNanos(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// GetChat retrieves a message by ID
func (q *Queries) GetChat(ctx context.Context, id string) (*Chat, error) {
	c, err := scanChat(q.db.QueryRowContext(ctx,
		"SELECT id, chat_room_id, author_id, message, created_at FROM chats WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return c, nil
}

// RoomChats returns a room's messages oldest first
func (q *Queries) RoomChats(ctx context.Context, roomID string) ([]Chat, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, chat_room_id, author_id, message, created_at FROM chats WHERE chat_room_id = ? ORDER BY created_at, rowid",
		roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// CountChats returns how many messages a room holds
func (q *Queries) CountChats(ctx context.Context, roomID string) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats WHERE chat_room_id = ?", roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chats: %w", err)
	}
	return n, nil
}

// CountUnread counts messages from the other party posted after lastReadID.
// With no last read message every message from the other party is unread.
func (q *Queries) CountUnread(ctx context.Context, roomID, userID string, lastReadID *string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chats
		WHERE chat_room_id = ? AND author_id != ?
		AND created_at > COALESCE((SELECT created_at FROM chats WHERE id = ?), -1)
	`, roomID, userID, nullString(lastReadID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread chats: %w", err)
	}
	return n, nil
}

// HasActivity reports whether a room holds any message or offer
func (q *Queries) HasActivity(ctx context.Context, roomID string) (bool, error) {
	var ok bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM chats WHERE chat_room_id = ?)
			OR EXISTS(SELECT 1 FROM offers WHERE chat_room_id = ?)
	`, roomID, roomID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check room activity: %w", err)
	}
	return ok, nil
}

// ==================== OFFERS ====================

const offerColumns = "id, chat_room_id, author_id, price, number_of_shares, offer_status, created_at, updated_at"

func scanOffer(sc scanner) (*Offer, error) {
	o := &Offer{}
	var created, updated int64
	if err := sc.Scan(&o.ID, &o.ChatRoomID, &o.AuthorID, &o.Price, &o.Shares, &o.Status, &created, &updated); err != nil {
		return nil, err
	}
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return o, nil
}

// CreateOffer inserts a PENDING offer. The partial unique index rejects a second
// pending offer in the same room.
func (q *Queries) CreateOffer(ctx context.Context, o *Offer) error {
	if o.ID == "" {
		o.ID = newID()
	}
	if o.Status == "" {
		o.Status = OfferPending
	}
	o.CreatedAt = stamp(o.CreatedAt)
	o.UpdatedAt = o.CreatedAt
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO offers ("+offerColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		o.ID, o.ChatRoomID, o.AuthorID, o.Price, o.Shares, o.Status, toNanos(o.CreatedAt), toNanos(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	return nil
}

// GetOffer retrieves an offer by ID
func (q *Queries) GetOffer(ctx context.Context, id string) (*Offer, error) {
	o, err := scanOffer(q.db.QueryRowContext(ctx, "SELECT "+offerColumns+" FROM offers WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer: %w", err)
	}
	return o, nil
}

// RoomOffers returns a room's offers oldest first
func (q *Queries) RoomOffers(ctx context.Context, roomID string) ([]Offer, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+offerColumns+" FROM offers WHERE chat_room_id = ? ORDER BY created_at, rowid", roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offers: %w", err)
	}
	defer rows.Close()

	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offer: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// HasPendingOffer reports whether the room has an unresolved offer
func (q *Queries) HasPendingOffer(ctx context.Context, roomID string) (bool, error) {
	var ok bool
	err := q.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM offers WHERE chat_room_id = ? AND offer_status = 'PENDING')", roomID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("failed to check pending offer: %w", err)
	}
	return ok, nil
}

// ResolveOffer moves a PENDING offer to status. An offer that is no longer pending is
// reported as ErrNotFound.
func (q *Queries) ResolveOffer(ctx context.Context, id string, status OfferStatus, at time.Time) error {
	err := q.execOne(ctx,
		"UPDATE offers SET offer_status = ?, updated_at = ? WHERE id = ? AND offer_status = 'PENDING'",
		status, toNanos(at), id)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("failed to resolve offer: %w", err)
	}
	return err
}

// CreateOfferResponse records that an offer left PENDING
func (q *Queries) CreateOfferResponse(ctx context.Context, r *OfferResponse) error {
	if r.ID == "" {
		r.ID = newID()
	}
	r.CreatedAt = stamp(r.CreatedAt)
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO offer_responses (id, offer_id, created_at) VALUES (?, ?, ?)",
		r.ID, r.OfferID, toNanos(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create offer response: %w", err)
	}
	return nil
}

// RoomOfferResponses returns the responses to a room's offers, oldest first
func (q *Queries) RoomOfferResponses(ctx context.Context, roomID string) ([]OfferResponse, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT r.id, r.offer_id, r.created_at
		FROM offer_responses r
		JOIN offers o ON o.id = r.offer_id
		WHERE o.chat_room_id = ?
		ORDER BY r.created_at, r.rowid
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query offer responses: %w", err)
	}
	defer rows.Close()

	var out []OfferResponse
	for rows.Next() {
		var r OfferResponse
		var created int64
		if err := rows.Scan(&r.ID, &r.OfferID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan offer response: %w", err)
		}
		r.CreatedAt = fromNanos(created)
		out = append(out, r)
	}
	return out, rows.Err()
}
