package auth

import (
	"context"
	"errors"
	"time"

	"roundex/internal/apperr"
	"roundex/internal/notify"
	"roundex/internal/store"
)

// Request is an open approval request as shown to the committee
type Request struct {
	ID        string      `json:"id"`
	IsBuy     bool        `json:"is_buy"`
	User      *store.User `json:"user"`
	CreatedAt time.Time   `json:"created_at"`
}

// Requests lists open requests split into buyers and sellers
type Requests struct {
	Buyers  []Request `json:"buyers"`
	Sellers []Request `json:"sellers"`
}

// ListRequests returns every open request. Committee only.
func (s *Service) ListRequests(ctx context.Context, committeeID string) (*Requests, error) {
	if _, err := s.RequireCommittee(ctx, committeeID); err != nil {
		return nil, err
	}
	open, err := s.store.OpenUserRequests(ctx)
	if err != nil {
		return nil, err
	}

	out := &Requests{Buyers: []Request{}, Sellers: []Request{}}
	for _, o := range open {
		u := o.User
		r := Request{
			ID:        o.Request.ID,
			IsBuy:     o.Request.IsBuy,
			User:      &u,
			CreatedAt: o.Request.CreatedAt,
		}
		if r.IsBuy {
			out.Buyers = append(out.Buyers, r)
		} else {
			out.Sellers = append(out.Sellers, r)
		}
	}
	return out, nil
}

// ApproveRequest grants the requested side and notifies the user. Committee only.
func (s *Service) ApproveRequest(ctx context.Context, requestID, committeeID string) error {
	return s.closeRequest(ctx, requestID, committeeID, true)
}

// RejectRequest closes the request without granting anything. Committee only.
func (s *Service) RejectRequest(ctx context.Context, requestID, committeeID string) error {
	return s.closeRequest(ctx, requestID, committeeID, false)
}

func (s *Service) closeRequest(ctx context.Context, requestID, committeeID string, approve bool) error {
	if _, err := s.RequireCommittee(ctx, committeeID); err != nil {
		return err
	}

	var (
		req  *store.UserRequest
		user *store.User
	)
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		var err error
		req, err = q.GetUserRequest(ctx, requestID)
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound("Request not found")
		}
		if err != nil {
			return err
		}
		if err := q.CloseUserRequest(ctx, requestID, committeeID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return apperr.InvalidOperation("Request is already closed")
			}
			return err
		}
		if approve {
			side := store.Sell
			if req.IsBuy {
				side = store.Buy
			}
			if err := q.SetApproval(ctx, req.UserID, side, true); err != nil {
				return err
			}
		}
		user, err = q.GetUser(ctx, req.UserID)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info("user request closed",
		"request_id", requestID,
		"user_id", req.UserID,
		"is_buy", req.IsBuy,
		"approved", approve,
		"closed_by", committeeID,
	)
	s.send(ctx, []string{user.Email}, requestTemplate(req.IsBuy, approve))
	return nil
}

func requestTemplate(isBuy, approved bool) string {
	switch {
	case isBuy && approved:
		return notify.ApprovedBuyer
	case isBuy:
		return notify.RejectedBuyer
	case approved:
		return notify.ApprovedSeller
	}
	return notify.RejectedSeller
}
