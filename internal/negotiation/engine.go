// Package negotiation runs the per-room protocol between a matched buyer and seller:
// free-text chat, one pending offer at a time, identity reveal and disbanding.
//
// Every mutating operation holds the room's lock and runs in one store transaction, so
// the check for a pending offer and the insert of a new one cannot interleave.
package negotiation

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/notify"
	"roundex/internal/store"
)

// Engine enforces the negotiation rules for every chat room
type Engine struct {
	store  *store.Store
	mail   notify.Gateway
	logger *slog.Logger
	now    func() time.Time

	rooms [roomStripes]sync.Mutex
}

// roomStripes bounds the lock table; rooms sharing a stripe serialize
const roomStripes = 64

func NewEngine(st *store.Store, mail notify.Gateway, logger *slog.Logger) *Engine {
	return &Engine{
		store:  st,
		mail:   mail,
		logger: logger.With("component", "negotiation"),
		now:    time.Now,
	}
}

// SetClock overrides the wall clock
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func stripe(roomID string) int {
	h := fnv.New32a()
	h.Write([]byte(roomID))
	return int(h.Sum32() % roomStripes)
}

// lock holds the room's stripe. Callers never hold two rooms at once.
func (e *Engine) lock(roomID string) func() {
	l := &e.rooms[stripe(roomID)]
	l.Lock()
	return l.Unlock
}

// member loads the room and the caller's membership in it
func member(ctx context.Context, q *store.Queries, roomID, userID string) (*store.ChatRoom, *store.Association, error) {
	room, err := q.GetChatRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotFound("Chat room not found")
	}
	if err != nil {
		return nil, nil, err
	}
	a, err := q.GetAssociation(ctx, userID, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, apperr.NotOwned("User is not in this chat room")
	}
	if err != nil {
		return nil, nil, err
	}
	return room, a, nil
}

// open rejects rooms that reached a terminal state
func open(room *store.ChatRoom) error {
	if room.IsDisbanded() {
		return apperr.InvalidOperation("Chat room is disbanded")
	}
	if room.IsDealClosed {
		return apperr.InvalidOperation("Deal is closed")
	}
	return nil
}

// NewMessage posts a chat message. The first message in a room emails the other party.
func (e *Engine) NewMessage(ctx context.Context, roomID, authorID, message string) (*Event, error) {
	if strings.TrimSpace(message) == "" {
		return nil, apperr.InvalidOperation("Message can not be empty")
	}

	unlock := e.lock(roomID)
	defer unlock()

	chat := &store.Chat{ChatRoomID: roomID, AuthorID: authorID, Message: message, CreatedAt: e.now().UTC()}
	var notifyEmail string
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		room, _, err := member(ctx, q, roomID, authorID)
		if err != nil {
			return err
		}
		if room.IsDisbanded() {
			return apperr.InvalidOperation("Chat room is disbanded")
		}

		n, err := q.CountChats(ctx, roomID)
		if err != nil {
			return err
		}
		if err := q.CreateChat(ctx, chat); err != nil {
			return err
		}
		if err := q.TouchChatRoom(ctx, roomID, chat.CreatedAt); err != nil {
			return err
		}

		if n == 0 {
			assocs, err := q.RoomAssociations(ctx, roomID)
			if err != nil {
				return err
			}
			_, otherID := parties(assocs, authorID)
			other, err := q.GetUser(ctx, otherID)
			if err != nil {
				return err
			}
			notifyEmail = other.Email
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if notifyEmail != "" {
		if err := e.mail.Send(ctx, []string{notifyEmail}, notify.NewChatMessage, nil); err != nil {
			e.logger.Error("failed to send notification", "template", notify.NewChatMessage, "error", err)
		}
	}
	ev := chatEvent(chat)
	return &ev, nil
}

// CreateOffer proposes a price and quantity. A room holds at most one pending offer.
func (e *Engine) CreateOffer(ctx context.Context, roomID, authorID string, price, shares decimal.Decimal) (*Event, error) {
	if !price.IsPositive() {
		return nil, apperr.InvalidOperation("Price must be positive")
	}
	if !shares.IsPositive() {
		return nil, apperr.InvalidOperation("Number of shares must be positive")
	}

	unlock := e.lock(roomID)
	defer unlock()

	offer := &store.Offer{
		ChatRoomID: roomID,
		AuthorID:   authorID,
		Price:      price,
		Shares:     shares,
		Status:     store.OfferPending,
		CreatedAt:  e.now().UTC(),
	}
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		room, _, err := member(ctx, q, roomID, authorID)
		if err != nil {
			return err
		}
		if err := open(room); err != nil {
			return err
		}
		pending, err := q.HasPendingOffer(ctx, roomID)
		if err != nil {
			return err
		}
		if pending {
			return apperr.InvalidOperation("There are still pending offers")
		}

		if err := q.CreateOffer(ctx, offer); err != nil {
			return err
		}
		return q.TouchChatRoom(ctx, roomID, offer.CreatedAt)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("offer created",
		"room_id", roomID,
		"offer_id", offer.ID,
		"author_id", authorID,
		"price", price.String(),
		"shares", shares.String(),
	)
	ev := offerEvent(offer)
	return &ev, nil
}

// EditOfferStatus resolves a pending offer. Only the author may cancel; only the other
// party may accept or reject. Accepting closes the deal.
func (e *Engine) EditOfferStatus(ctx context.Context, roomID, offerID, actorID string, status store.OfferStatus) (*Event, error) {
	if !status.Valid() || status == store.OfferPending {
		return nil, apperr.InvalidOperation("Invalid offer status")
	}

	unlock := e.lock(roomID)
	defer unlock()

	now := e.now().UTC()
	var (
		offer *store.Offer
		resp  = &store.OfferResponse{OfferID: offerID, CreatedAt: now}
	)
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		room, _, err := member(ctx, q, roomID, actorID)
		if err != nil {
			return err
		}
		if err := open(room); err != nil {
			return err
		}

		offer, err = q.GetOffer(ctx, offerID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && offer.ChatRoomID != roomID) {
			return apperr.NotFound("Offer not found")
		}
		if err != nil {
			return err
		}

		switch {
		case offer.Status != store.OfferPending:
			return apperr.InvalidOperation("Offer is closed")
		case status == store.OfferCanceled && offer.AuthorID != actorID:
			return apperr.InvalidOperation("You can only cancel your offer")
		case status != store.OfferCanceled && offer.AuthorID == actorID:
			return apperr.InvalidOperation("You can not accept/reject your own offer")
		}

		if err := q.ResolveOffer(ctx, offerID, status, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.InvalidOperation("Offer is closed")
			}
			return err
		}
		offer.Status = status
		offer.UpdatedAt = now

		if err := q.CreateOfferResponse(ctx, resp); err != nil {
			return err
		}
		if status == store.OfferAccepted {
			return q.CloseDeal(ctx, roomID, now)
		}
		return q.TouchChatRoom(ctx, roomID, now)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("offer resolved", "room_id", roomID, "offer_id", offerID, "actor_id", actorID, "status", status)
	ev := responseEvent(offer, resp, actorID, status == store.OfferAccepted)
	return &ev, nil
}

// Disband permanently closes an open room and bans its two parties from being matched
// together again
func (e *Engine) Disband(ctx context.Context, roomID, actorID string) (*RoomView, error) {
	unlock := e.lock(roomID)
	defer unlock()

	now := e.now().UTC()
	var view *RoomView
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		room, _, err := member(ctx, q, roomID, actorID)
		if err != nil {
			return err
		}
		if err := open(room); err != nil {
			return err
		}

		if err := q.DisbandChatRoom(ctx, roomID, actorID, now); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.InvalidOperation("Chat room is disbanded")
			}
			return err
		}

		assocs, err := q.RoomAssociations(ctx, roomID)
		if err != nil {
			return err
		}
		_, otherID := parties(assocs, actorID)
		if err := q.BanPair(ctx, actorID, otherID, now); err != nil {
			return err
		}

		if room, err = q.GetChatRoom(ctx, roomID); err != nil {
			return err
		}
		view, err = roomView(ctx, q, room, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("chat room disbanded", "room_id", roomID, "by_user_id", actorID)
	return view, nil
}

// RevealIdentity marks the caller as revealed. The returned view carries identities only
// once both parties have revealed.
func (e *Engine) RevealIdentity(ctx context.Context, roomID, actorID string) (*RoomView, error) {
	unlock := e.lock(roomID)
	defer unlock()

	var view *RoomView
	err := e.store.InTx(ctx, func(q *store.Queries) error {
		room, a, err := member(ctx, q, roomID, actorID)
		if err != nil {
			return err
		}
		if !a.IsRevealed {
			if err := q.SetRevealed(ctx, actorID, roomID); err != nil {
				return err
			}
		}
		view, err = roomView(ctx, q, room, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

// Archive hides a room from the caller's main list
func (e *Engine) Archive(ctx context.Context, roomID, userID string) error {
	return e.setArchived(ctx, roomID, userID, true)
}

// Unarchive restores an archived room
func (e *Engine) Unarchive(ctx context.Context, roomID, userID string) error {
	return e.setArchived(ctx, roomID, userID, false)
}

func (e *Engine) setArchived(ctx context.Context, roomID, userID string, archived bool) error {
	return e.store.InTx(ctx, func(q *store.Queries) error {
		if _, _, err := member(ctx, q, roomID, userID); err != nil {
			return err
		}
		return q.SetArchived(ctx, userID, roomID, archived)
	})
}

// UpdateLastReadID records the last message the caller has read in a room
func (e *Engine) UpdateLastReadID(ctx context.Context, roomID, userID, chatID string) error {
	return e.store.InTx(ctx, func(q *store.Queries) error {
		if _, _, err := member(ctx, q, roomID, userID); err != nil {
			return err
		}
		chat, err := q.GetChat(ctx, chatID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && chat.ChatRoomID != roomID) {
			return apperr.NotFound("Chat not found")
		}
		if err != nil {
			return err
		}
		return q.SetLastReadID(ctx, userID, roomID, chatID)
	})
}

// RoomsForUser lists the ids of every room the user belongs to
func (e *Engine) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	return e.store.UserRoomIDs(ctx, userID)
}

// ChatsByUser assembles the user's rooms for the requested roles. When the user is not
// viewing as a seller, rooms with no chat or offer yet are left out and the matched sell
// order is never included.
func (e *Engine) ChatsByUser(ctx context.Context, userID string, asBuyer, asSeller bool) (*Inbox, error) {
	q := e.store.Queries
	u, err := q.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("User not found")
	}
	if err != nil {
		return nil, err
	}
	if (asBuyer && !u.CanBuy) || (asSeller && !u.CanSell) {
		return nil, apperr.Unauthorized("Too much permissions requested.")
	}

	var roles []store.Role
	if asBuyer {
		roles = append(roles, store.RoleBuyer)
	}
	if asSeller {
		roles = append(roles, store.RoleSeller)
	}

	inbox := &Inbox{Archived: map[string]*RoomFeed{}, Unarchived: map[string]*RoomFeed{}}
	for _, role := range roles {
		assocs, err := q.UserAssociations(ctx, userID, role)
		if err != nil {
			return nil, err
		}
		asSellerRole := role == store.RoleSeller
		for _, a := range assocs {
			if !asSellerRole {
				active, err := q.HasActivity(ctx, a.ChatRoomID)
				if err != nil {
					return nil, err
				}
				if !active {
					continue
				}
			}

			feed, err := e.feed(ctx, q, a.ChatRoomID, userID, asSellerRole)
			if err != nil {
				return nil, err
			}
			if a.IsArchived {
				inbox.Archived[a.ChatRoomID] = feed
			} else {
				inbox.Unarchived[a.ChatRoomID] = feed
			}
		}
	}
	return inbox, nil
}

func (e *Engine) feed(ctx context.Context, q *store.Queries, roomID, userID string, withSellOrder bool) (*RoomFeed, error) {
	room, err := q.GetChatRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	view, err := roomView(ctx, q, room, userID)
	if err != nil {
		return nil, err
	}
	match, err := q.GetMatch(ctx, room.MatchID)
	if err != nil {
		return nil, err
	}

	f := &RoomFeed{RoomView: *view}
	if f.BuyOrder, err = q.GetOrder(ctx, store.Buy, match.BuyOrderID); err != nil {
		return nil, err
	}
	if withSellOrder {
		if f.SellOrder, err = q.GetOrder(ctx, store.Sell, match.SellOrderID); err != nil {
			return nil, err
		}
	}

	assocs, err := q.RoomAssociations(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if f.Chats, f.LatestOffer, err = roomFeed(ctx, q, roomID, assocs); err != nil {
		return nil, err
	}
	return f, nil
}
