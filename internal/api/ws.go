package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/store"
)

// Client actions
const (
	ActionSubscribe        = "subscribe"
	ActionNewMessage       = "new_message"
	ActionNewOffer         = "new_offer"
	ActionEditOfferStatus  = "edit_offer_status"
	ActionArchiveRoom      = "archive_room"
	ActionUnarchiveRoom    = "unarchive_room"
	ActionDisbandRoom      = "disband_room"
	ActionUpdateLastReadID = "update_last_read_id"
	ActionRevealIdentity   = "reveal_identity"
)

// Server events
const (
	EventSubscribed = "subscribed"
	EventNew        = "new_event"
	EventDisbanded  = "room_disbanded"
	EventRevealed   = "identity_revealed"
	EventAck        = "ack"
	EventError      = "error"
)

const actionTimeout = 10 * time.Second

// ClientMessage is one request received over the websocket. Every message carries the
// bearer token of the sender.
type ClientMessage struct {
	Action      string            `json:"action"`
	Token       string            `json:"token"`
	ChatRoomID  string            `json:"chat_room_id"`
	Message     string            `json:"message"`
	OfferID     string            `json:"offer_id"`
	OfferStatus store.OfferStatus `json:"offer_status"`
	Price       decimal.Decimal   `json:"price"`
	Shares      decimal.Decimal   `json:"number_of_shares"`
	LastReadID  string            `json:"last_read_id"`
}

// ServerMessage is a success event pushed to clients
type ServerMessage struct {
	Type   string `json:"type"`
	Action string `json:"action,omitempty"`
	Data   any    `json:"data"`
}

func (s *Server) handleAction(c *Client, raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(c, apperr.InvalidOperation("Invalid message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	u, _, err := s.auth.Authenticate(ctx, msg.Token)
	if err != nil {
		s.sendError(c, err)
		return
	}
	if err := s.dispatch(ctx, c, u.ID, msg); err != nil {
		s.logger.Debug("websocket action failed", "action", msg.Action, "user_id", u.ID, "error", err)
		s.sendError(c, err)
	}
}

func (s *Server) dispatch(ctx context.Context, c *Client, userID string, msg ClientMessage) error {
	room := msg.ChatRoomID

	switch msg.Action {
	case ActionSubscribe:
		ids, err := s.chats.RoomsForUser(ctx, userID)
		if err != nil {
			return err
		}
		s.hub.Join(c, ids...)
		if ids == nil {
			ids = []string{}
		}
		s.hub.Send(c, ServerMessage{Type: EventSubscribed, Data: ids})

	case ActionNewMessage:
		ev, err := s.chats.NewMessage(ctx, room, userID, msg.Message)
		if err != nil {
			return err
		}
		s.hub.BroadcastRoom(room, ServerMessage{Type: EventNew, Data: ev}, c)

	case ActionNewOffer:
		ev, err := s.chats.CreateOffer(ctx, room, userID, msg.Price, msg.Shares)
		if err != nil {
			return err
		}
		s.hub.BroadcastRoom(room, ServerMessage{Type: EventNew, Data: ev}, c)

	case ActionEditOfferStatus:
		ev, err := s.chats.EditOfferStatus(ctx, room, msg.OfferID, userID, msg.OfferStatus)
		if err != nil {
			return err
		}
		s.hub.BroadcastRoom(room, ServerMessage{Type: EventNew, Data: ev}, c)

	case ActionDisbandRoom:
		view, err := s.chats.Disband(ctx, room, userID)
		if err != nil {
			return err
		}
		s.hub.BroadcastRoom(room, ServerMessage{Type: EventDisbanded, Data: view}, c)

	case ActionRevealIdentity:
		view, err := s.chats.RevealIdentity(ctx, room, userID)
		if err != nil {
			return err
		}
		// Identities go to the whole room only once both parties have revealed
		if view.Identities != nil {
			s.hub.BroadcastRoom(room, ServerMessage{Type: EventRevealed, Data: view}, c)
		} else {
			s.ack(c, msg.Action, room)
		}

	case ActionArchiveRoom:
		if err := s.chats.Archive(ctx, room, userID); err != nil {
			return err
		}
		s.ack(c, msg.Action, room)

	case ActionUnarchiveRoom:
		if err := s.chats.Unarchive(ctx, room, userID); err != nil {
			return err
		}
		s.ack(c, msg.Action, room)

	case ActionUpdateLastReadID:
		if err := s.chats.UpdateLastReadID(ctx, room, userID, msg.LastReadID); err != nil {
			return err
		}
		s.ack(c, msg.Action, room)

	default:
		return apperr.InvalidOperation("Unknown action")
	}
	return nil
}

// ack confirms a per-user action to its sender only
func (s *Server) ack(c *Client, action, roomID string) {
	s.hub.Send(c, ServerMessage{Type: EventAck, Action: action, Data: map[string]string{"chat_room_id": roomID}})
}

func (s *Server) sendError(c *Client, err error) {
	body := errorFor(err)
	body.Type = EventError
	if body.StatusCode >= 500 {
		s.logger.Error("websocket action error", "error", err)
	}
	s.hub.Send(c, body)
}
