package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a marketplace participant. CanBuy/CanSell are committee approval flags.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"full_name"`
	PasswordHash string    `json:"-"`
	CanBuy       bool      `json:"can_buy"`
	CanSell      bool      `json:"can_sell"`
	IsCommittee  bool      `json:"is_committee"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserRequest is a pending request to be approved as a buyer or a seller
type UserRequest struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	IsBuy          bool      `json:"is_buy"`
	ClosedByUserID *string   `json:"closed_by_user_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Security is a tradable instrument
type Security struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	MarketPrice decimal.NullDecimal `json:"market_price"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Side selects the buy_orders or sell_orders table
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) table() string {
	if s == Sell {
		return "sell_orders"
	}
	return "buy_orders"
}

// approvalColumn is the users column gating participation on this side
func (s Side) approvalColumn() string {
	if s == Sell {
		return "can_sell"
	}
	return "can_buy"
}

// Order is a buy or sell order. RoundID is nil until the order is assigned to a round.
type Order struct {
	ID         string          `json:"id"`
	Side       Side            `json:"side"`
	UserID     string          `json:"user_id"`
	SecurityID string          `json:"security_id"`
	Shares     decimal.Decimal `json:"number_of_shares"`
	Price      decimal.Decimal `json:"price"`
	RoundID    *string         `json:"round_id"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Round is a matching window
type Round struct {
	ID          string    `json:"id"`
	EndTime     time.Time `json:"end_time"`
	IsConcluded bool      `json:"is_concluded"`
	CreatedAt   time.Time `json:"created_at"`
}

// MatchRecord pairs one buy order with one sell order. Shares and Price are informational.
type MatchRecord struct {
	ID          string              `json:"id"`
	RoundID     string              `json:"round_id"`
	BuyOrderID  string              `json:"buy_order_id"`
	SellOrderID string              `json:"sell_order_id"`
	Shares      decimal.NullDecimal `json:"number_of_shares"`
	Price       decimal.NullDecimal `json:"price"`
	CreatedAt   time.Time           `json:"created_at"`
}

// ChatRoom is the negotiation space spawned by a match
type ChatRoom struct {
	ID              string     `json:"id"`
	MatchID         string     `json:"match_id"`
	FriendlyName    string     `json:"friendly_name"`
	IsDealClosed    bool       `json:"is_deal_closed"`
	DisbandByUserID *string    `json:"-"`
	DisbandTime     *time.Time `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// IsDisbanded reports whether the room was permanently closed by one of its parties
func (r *ChatRoom) IsDisbanded() bool {
	return r.DisbandByUserID != nil && r.DisbandTime != nil
}

// Role is a user's side within a chat room
type Role string

const (
	RoleBuyer  Role = "BUYER"
	RoleSeller Role = "SELLER"
)

// Association links a user to a chat room
type Association struct {
	UserID     string    `json:"user_id"`
	ChatRoomID string    `json:"chat_room_id"`
	Role       Role      `json:"role"`
	IsRevealed bool      `json:"is_revealed"`
	IsArchived bool      `json:"is_archived"`
	LastReadID *string   `json:"last_read_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// Chat is an immutable free-text message
type Chat struct {
	ID         string    `json:"id"`
	ChatRoomID string    `json:"chat_room_id"`
	AuthorID   string    `json:"author_id"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// OfferStatus is the lifecycle state of an offer
type OfferStatus string

const (
	OfferPending  OfferStatus = "PENDING"
	OfferAccepted OfferStatus = "ACCEPTED"
	OfferRejected OfferStatus = "REJECTED"
	OfferCanceled OfferStatus = "CANCELED"
)

// Valid reports whether s is a known status
func (s OfferStatus) Valid() bool {
	switch s {
	case OfferPending, OfferAccepted, OfferRejected, OfferCanceled:
		return true
	}
	return false
}

// Offer is a structured price/quantity proposal
type Offer struct {
	ID         string          `json:"id"`
	ChatRoomID string          `json:"chat_room_id"`
	AuthorID   string          `json:"author_id"`
	Price      decimal.Decimal `json:"price"`
	Shares     decimal.Decimal `json:"number_of_shares"`
	Status     OfferStatus     `json:"offer_status"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// OfferResponse records that an offer left PENDING. It is never mutated.
type OfferResponse struct {
	ID        string    `json:"id"`
	OfferID   string    `json:"offer_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BannedPair is a permanent mutual exclusion. UserA < UserB always.
type BannedPair struct {
	UserA     string
	UserB     string
	CreatedAt time.Time
}

// Job kinds registered per round
const (
	JobRoundReminder = "round.reminder"
	JobRoundMatch    = "round.match"
)

// RoundJob is a durable deferred action keyed by round
type RoundJob struct {
	ID      string
	RoundID string
	Kind    string
	RunAt   time.Time
	DoneAt  *time.Time
}
