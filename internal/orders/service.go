// Package orders handles order intake. Buy orders join the active round on submission;
// sell orders always wait for the next round and may trigger its activation.
package orders

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/config"
	"roundex/internal/notify"
	"roundex/internal/round"
	"roundex/internal/store"
)

// Activator is the part of the round scheduler order intake depends on
type Activator interface {
	EvaluateActivation(ctx context.Context) (*store.Round, error)
}

// Service validates and persists orders
type Service struct {
	store     *store.Store
	cfg       config.RoundConfig
	activator Activator
	mail      notify.Gateway
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(st *store.Store, cfg config.RoundConfig, activator Activator, mail notify.Gateway, logger *slog.Logger) *Service {
	return &Service{
		store:     st,
		cfg:       cfg,
		activator: activator,
		mail:      mail,
		logger:    logger.With("component", "orders"),
		now:       time.Now,
	}
}

// SetClock overrides the wall clock
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Input carries the editable fields of an order
type Input struct {
	SecurityID string          `json:"security_id"`
	Shares     decimal.Decimal `json:"number_of_shares"`
	Price      decimal.Decimal `json:"price"`
}

func (s *Service) validate(ctx context.Context, q *store.Queries, in Input) error {
	if !in.Shares.IsPositive() {
		return apperr.InvalidOperation("Number of shares must be positive")
	}
	if !in.Price.IsPositive() {
		return apperr.InvalidOperation("Price must be positive")
	}
	if _, err := q.GetSecurity(ctx, in.SecurityID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("Security not found")
		}
		return err
	}
	return nil
}

// activeRoundID returns the id of the active round, or nil
func (s *Service) activeRoundID(ctx context.Context, q *store.Queries, now time.Time) (*string, error) {
	r, err := round.ActiveIn(ctx, q, now, s.logger)
	if err != nil || r == nil {
		return nil, err
	}
	return &r.ID, nil
}

func (s *Service) limit(side store.Side) int {
	if side == store.Sell {
		return s.cfg.SellOrderLimit
	}
	return s.cfg.BuyOrderLimit
}

func approved(u *store.User, side store.Side) bool {
	if side == store.Sell {
		return u.CanSell
	}
	return u.CanBuy
}

func limitMessage(side store.Side) string {
	if side == store.Sell {
		return "Limit of sell orders reached."
	}
	return "Limit of buy orders reached."
}

func createTemplate(side store.Side) string {
	if side == store.Sell {
		return notify.CreateSellOrder
	}
	return notify.CreateBuyOrder
}

func editTemplate(side store.Side) string {
	if side == store.Sell {
		return notify.EditSellOrder
	}
	return notify.EditBuyOrder
}

// CreateBuyOrder places a bid for the active round, or for the next one if none is active
func (s *Service) CreateBuyOrder(ctx context.Context, userID string, in Input) (*store.Order, error) {
	return s.create(ctx, store.Buy, userID, in)
}

// CreateSellOrder places an ask for the next round. If no round is active this may open one.
func (s *Service) CreateSellOrder(ctx context.Context, userID string, in Input) (*store.Order, error) {
	o, err := s.create(ctx, store.Sell, userID, in)
	if err != nil {
		return nil, err
	}

	// The order is committed either way; activation failures are logged
	if r, err := s.activator.EvaluateActivation(ctx); err != nil {
		s.logger.Error("round activation failed", "order_id", o.ID, "error", err)
	} else if r != nil {
		o.RoundID = &r.ID
	}
	return o, nil
}

func (s *Service) create(ctx context.Context, side store.Side, userID string, in Input) (*store.Order, error) {
	now := s.now().UTC()
	o := &store.Order{
		Side:       side,
		UserID:     userID,
		SecurityID: in.SecurityID,
		Shares:     in.Shares,
		Price:      in.Price,
		CreatedAt:  now,
	}

	var email string
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		u, err := q.GetUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("User not found")
		}
		if err != nil {
			return err
		}
		if !approved(u, side) {
			return apperr.Unauthorized("User is not approved to " + string(side))
		}
		email = u.Email

		if err := s.validate(ctx, q, in); err != nil {
			return err
		}

		active, err := s.activeRoundID(ctx, q, now)
		if err != nil {
			return err
		}
		n, err := q.CountCurrentOrders(ctx, side, userID, active)
		if err != nil {
			return err
		}
		if n >= s.limit(side) {
			return apperr.Unauthorized(limitMessage(side))
		}

		if side == store.Buy {
			o.RoundID = active
		}
		return q.CreateOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		"order_id", o.ID,
		"side", side,
		"user_id", userID,
		"shares", o.Shares.String(),
		"price", o.Price.String(),
		"round_id", o.RoundID,
	)
	s.notify(ctx, email, createTemplate(side))
	return o, nil
}

// owned loads an order and checks the caller owns it
func owned(ctx context.Context, q *store.Queries, side store.Side, orderID, userID string) (*store.Order, error) {
	o, err := q.GetOrder(ctx, side, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Order not found")
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, apperr.NotOwned("You need to own this order.")
	}
	return o, nil
}

var errFrozen = apperr.InvalidOperation("Order is already in a round and can no longer be changed")

// EditOrder changes the shares and price of an order that has not been assigned to a round
func (s *Service) EditOrder(ctx context.Context, side store.Side, orderID, userID string, in Input) (*store.Order, error) {
	var (
		o     *store.Order
		email string
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		if o, err = owned(ctx, q, side, orderID, userID); err != nil {
			return err
		}
		if o.RoundID != nil {
			return errFrozen
		}
		// The security is fixed at creation
		in.SecurityID = o.SecurityID
		if err := s.validate(ctx, q, in); err != nil {
			return err
		}

		o.Shares = in.Shares
		o.Price = in.Price
		o.UpdatedAt = s.now().UTC()
		if err := q.UpdateOrder(ctx, o); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errFrozen
			}
			return err
		}

		u, err := q.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		email = u.Email
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order edited", "order_id", o.ID, "side", side, "user_id", userID)
	s.notify(ctx, email, editTemplate(side))
	return o, nil
}

// DeleteOrder removes an order that has not been assigned to a round
func (s *Service) DeleteOrder(ctx context.Context, side store.Side, orderID, userID string) error {
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		o, err := owned(ctx, q, side, orderID, userID)
		if err != nil {
			return err
		}
		if o.RoundID != nil {
			return errFrozen
		}
		if err := q.DeleteOrder(ctx, side, orderID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return errFrozen
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("order deleted", "order_id", orderID, "side", side, "user_id", userID)
	return nil
}

// GetOrder returns one of the caller's orders
func (s *Service) GetOrder(ctx context.Context, side store.Side, orderID, userID string) (*store.Order, error) {
	return owned(ctx, s.store.Queries, side, orderID, userID)
}

// ListCurrent returns the caller's orders that are unassigned or in the active round
func (s *Service) ListCurrent(ctx context.Context, side store.Side, userID string) ([]store.Order, error) {
	active, err := s.activeRoundID(ctx, s.store.Queries, s.now())
	if err != nil {
		return nil, err
	}
	return s.store.ListCurrentOrders(ctx, side, userID, active)
}

func (s *Service) notify(ctx context.Context, email, template string) {
	if err := s.mail.Send(ctx, []string{email}, template, nil); err != nil {
		s.logger.Error("failed to send notification", "template", template, "error", err)
	}
}
