package negotiation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/store"
)

// Event types carried in a room feed and broadcast to room subscribers
const (
	EventChat          = "chat"
	EventOffer         = "offer"
	EventOfferResponse = "offer_response"
)

// Event is one entry of a room's feed
type Event struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	ChatRoomID string    `json:"chat_room_id"`
	AuthorID   string    `json:"author_id"`
	CreatedAt  time.Time `json:"created_at"`

	// chat
	Message string `json:"message,omitempty"`

	// offer and offer_response
	OfferID      string            `json:"offer_id,omitempty"`
	Price        *decimal.Decimal  `json:"price,omitempty"`
	Shares       *decimal.Decimal  `json:"number_of_shares,omitempty"`
	OfferStatus  store.OfferStatus `json:"offer_status,omitempty"`
	IsDealClosed *bool             `json:"is_deal_closed,omitempty"`
}

func chatEvent(c *store.Chat) Event {
	return Event{
		Type:       EventChat,
		ID:         c.ID,
		ChatRoomID: c.ChatRoomID,
		AuthorID:   c.AuthorID,
		CreatedAt:  c.CreatedAt,
		Message:    c.Message,
	}
}

func offerEvent(o *store.Offer) Event {
	price, shares := o.Price, o.Shares
	return Event{
		Type:        EventOffer,
		ID:          o.ID,
		ChatRoomID:  o.ChatRoomID,
		AuthorID:    o.AuthorID,
		CreatedAt:   o.CreatedAt,
		OfferID:     o.ID,
		Price:       &price,
		Shares:      &shares,
		OfferStatus: o.Status,
	}
}

// responseEvent describes an offer leaving PENDING. The author is whoever resolved it.
func responseEvent(o *store.Offer, r *store.OfferResponse, resolvedBy string, dealClosed bool) Event {
	e := offerEvent(o)
	e.Type = EventOfferResponse
	e.ID = r.ID
	e.CreatedAt = r.CreatedAt
	e.AuthorID = resolvedBy
	e.IsDealClosed = &dealClosed
	return e
}

// DisbandInfo is present on a room view once the room has been disbanded
type DisbandInfo struct {
	DisbandByUserID string    `json:"disband_by_user_id"`
	DisbandTime     time.Time `json:"disband_time"`
}

// Identity is a party's contact details, exposed only after both parties reveal
type Identity struct {
	Email    string `json:"email"`
	FullName string `json:"full_name"`
}

// RoomView is a chat room as seen by one of its two parties
type RoomView struct {
	ID           string              `json:"id"`
	MatchID      string              `json:"match_id"`
	FriendlyName string              `json:"friendly_name"`
	IsDealClosed bool                `json:"is_deal_closed"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	DisbandInfo  *DisbandInfo        `json:"disband_info,omitempty"`
	OtherPartyID string              `json:"other_party_id"`
	IsRevealed   bool                `json:"is_revealed"`
	Identities   map[string]Identity `json:"identities"`
	LastReadID   *string             `json:"last_read_id"`
	UnreadCount  int                 `json:"unread_count"`
}

// RoomFeed is a room view with its order snapshot and merged event feed
type RoomFeed struct {
	RoomView
	BuyOrder    *store.Order `json:"buy_order"`
	SellOrder   *store.Order `json:"sell_order"`
	Chats       []Event      `json:"chats"`
	LatestOffer *store.Offer `json:"latest_offer"`
}

// Inbox holds a user's rooms keyed by room id, split by the user's archive flag
type Inbox struct {
	Archived   map[string]*RoomFeed `json:"archived"`
	Unarchived map[string]*RoomFeed `json:"unarchived"`
}

// parties returns the caller's membership and the other party's user id
func parties(assocs []store.Association, userID string) (mine *store.Association, other string) {
	for i := range assocs {
		if assocs[i].UserID == userID {
			mine = &assocs[i]
		} else {
			other = assocs[i].UserID
		}
	}
	return mine, other
}

func roomView(ctx context.Context, q *store.Queries, room *store.ChatRoom, userID string) (*RoomView, error) {
	assocs, err := q.RoomAssociations(ctx, room.ID)
	if err != nil {
		return nil, err
	}
	mine, other := parties(assocs, userID)
	if mine == nil {
		return nil, fmt.Errorf("user %s has no membership in room %s", userID, room.ID)
	}

	v := &RoomView{
		ID:           room.ID,
		MatchID:      room.MatchID,
		FriendlyName: room.FriendlyName,
		IsDealClosed: room.IsDealClosed,
		CreatedAt:    room.CreatedAt,
		UpdatedAt:    room.UpdatedAt,
		OtherPartyID: other,
		IsRevealed:   mine.IsRevealed,
		LastReadID:   mine.LastReadID,
	}
	if room.IsDisbanded() {
		v.DisbandInfo = &DisbandInfo{DisbandByUserID: *room.DisbandByUserID, DisbandTime: *room.DisbandTime}
	}

	allRevealed := len(assocs) > 0
	ids := make([]string, 0, len(assocs))
	for _, a := range assocs {
		allRevealed = allRevealed && a.IsRevealed
		ids = append(ids, a.UserID)
	}
	if allRevealed {
		users, err := q.UsersByIDs(ctx, ids)
		if err != nil {
			return nil, err
		}
		v.Identities = make(map[string]Identity, len(users))
		for _, u := range users {
			v.Identities[u.ID] = Identity{Email: u.Email, FullName: u.FullName}
		}
	}

	if v.UnreadCount, err = q.CountUnread(ctx, room.ID, userID, mine.LastReadID); err != nil {
		return nil, err
	}
	return v, nil
}

// roomFeed merges a room's chats, offers and offer responses into one feed sorted by
// creation time
func roomFeed(ctx context.Context, q *store.Queries, roomID string, assocs []store.Association) ([]Event, *store.Offer, error) {
	chats, err := q.RoomChats(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	offers, err := q.RoomOffers(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	responses, err := q.RoomOfferResponses(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}

	feed := make([]Event, 0, len(chats)+len(offers)+len(responses))
	for i := range chats {
		feed = append(feed, chatEvent(&chats[i]))
	}

	var latest *store.Offer
	byID := make(map[string]*store.Offer, len(offers))
	for i := range offers {
		o := &offers[i]
		byID[o.ID] = o
		feed = append(feed, offerEvent(o))
		if o.Status != store.OfferRejected {
			latest = o
		}
	}

	for i := range responses {
		r := &responses[i]
		o, ok := byID[r.OfferID]
		if !ok {
			continue
		}
		// Cancels come from the author, accepts and rejects from the counterparty
		resolvedBy := o.AuthorID
		if o.Status != store.OfferCanceled {
			_, resolvedBy = parties(assocs, o.AuthorID)
		}
		feed = append(feed, responseEvent(o, r, resolvedBy, o.Status == store.OfferAccepted))
	}

	sort.SliceStable(feed, func(i, j int) bool { return feed[i].CreatedAt.Before(feed[j].CreatedAt) })
	return feed, latest, nil
}
