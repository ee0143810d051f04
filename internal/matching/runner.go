package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/notify"
	"roundex/internal/store"
)

// Result summarizes one match run
type Result struct {
	RoundID        string
	Pairs          []Pair
	ChatRoomIDs    []string
	MatchedBuyers  []string
	MatchedSellers []string
	Unmatched      []string
}

// Runner executes a round's match run against the store
type Runner struct {
	store  *store.Store
	mail   notify.Gateway
	logger *slog.Logger
	now    func() time.Time
}

func NewRunner(st *store.Store, mail notify.Gateway, logger *slog.Logger) *Runner {
	return &Runner{
		store:  st,
		mail:   mail,
		logger: logger.With("component", "matching"),
		now:    time.Now,
	}
}

// Run matches a round and concludes it. Everything is persisted in one transaction that
// re-checks is_concluded, so concurrent runs for the same round cannot both commit. On
// any error nothing is written and the round stays eligible for another run.
func (r *Runner) Run(ctx context.Context, roundID string) (*Result, error) {
	round, err := r.store.GetRound(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("Round not found")
	}
	if err != nil {
		return nil, err
	}
	if round.IsConcluded {
		return nil, apperr.InvalidOperation("Round is already concluded")
	}

	buys, err := r.loadOrders(ctx, store.Buy, roundID)
	if err != nil {
		return nil, err
	}
	sells, err := r.loadOrders(ctx, store.Sell, roundID)
	if err != nil {
		return nil, err
	}
	banned, err := r.store.ListBannedPairs(ctx)
	if err != nil {
		return nil, err
	}

	pairs := MatchRound(buys, sells, NewBanSet(banned))
	res := &Result{RoundID: roundID, Pairs: pairs}

	now := r.now().UTC()
	err = r.store.InTx(ctx, func(q *store.Queries) error {
		won, err := q.ConcludeRound(ctx, roundID)
		if err != nil {
			return err
		}
		if !won {
			return apperr.InvalidOperation("Round is already concluded")
		}

		for _, p := range pairs {
			m := &store.MatchRecord{
				RoundID:     roundID,
				BuyOrderID:  p.BuyOrderID,
				SellOrderID: p.SellOrderID,
				Shares:      decimal.NewNullDecimal(p.Shares),
				Price:       decimal.NewNullDecimal(p.Price),
				CreatedAt:   now,
			}
			if err := q.CreateMatch(ctx, m); err != nil {
				return err
			}
			room := &store.ChatRoom{MatchID: m.ID, FriendlyName: friendlyName(), CreatedAt: now}
			if err := q.CreateChatRoom(ctx, room); err != nil {
				return err
			}
			for _, a := range []*store.Association{
				{UserID: p.BuyerID, ChatRoomID: room.ID, Role: store.RoleBuyer, CreatedAt: now},
				{UserID: p.SellerID, ChatRoomID: room.ID, Role: store.RoleSeller, CreatedAt: now},
			} {
				if err := q.CreateAssociation(ctx, a); err != nil {
					return err
				}
			}
			res.ChatRoomIDs = append(res.ChatRoomIDs, room.ID)
		}
		return nil
	})
	if err != nil {
		r.logger.Error("match run aborted", "round_id", roundID, "error", err)
		return nil, fmt.Errorf("match run for round %s: %w", roundID, err)
	}

	res.MatchedBuyers, res.MatchedSellers, res.Unmatched = partition(buys, sells, pairs)
	r.logger.Info("round concluded",
		"round_id", roundID,
		"buy_orders", len(buys),
		"sell_orders", len(sells),
		"matches", len(pairs),
		"unmatched_users", len(res.Unmatched),
	)

	r.notify(ctx, res.MatchedBuyers, notify.MatchDoneBuyer)
	r.notify(ctx, res.MatchedSellers, notify.MatchDoneSeller)
	r.notify(ctx, res.Unmatched, notify.MatchDoneNoMatch)
	return res, nil
}

func (r *Runner) loadOrders(ctx context.Context, side store.Side, roundID string) ([]Order, error) {
	rows, err := r.store.RoundOrdersForApproved(ctx, side, roundID)
	if err != nil {
		return nil, err
	}
	out := make([]Order, len(rows))
	for i, o := range rows {
		out[i] = Order{ID: o.ID, UserID: o.UserID, SecurityID: o.SecurityID, Shares: o.Shares, Price: o.Price}
	}
	return out, nil
}

// partition splits participants by user: matched buyers, matched sellers, and everyone
// who matched on neither side
func partition(buys, sells []Order, pairs []Pair) (buyers, sellers, unmatched []string) {
	matchedBuyers := make(map[string]bool)
	matchedSellers := make(map[string]bool)
	for _, p := range pairs {
		matchedBuyers[p.BuyerID] = true
		matchedSellers[p.SellerID] = true
	}

	all := make(map[string]bool)
	for _, o := range buys {
		all[o.UserID] = true
	}
	for _, o := range sells {
		all[o.UserID] = true
	}

	for id := range matchedBuyers {
		buyers = append(buyers, id)
	}
	for id := range matchedSellers {
		sellers = append(sellers, id)
	}
	for id := range all {
		if !matchedBuyers[id] && !matchedSellers[id] {
			unmatched = append(unmatched, id)
		}
	}
	sort.Strings(buyers)
	sort.Strings(sellers)
	sort.Strings(unmatched)
	return buyers, sellers, unmatched
}

func (r *Runner) notify(ctx context.Context, userIDs []string, template string) {
	if len(userIDs) == 0 {
		return
	}
	users, err := r.store.UsersByIDs(ctx, userIDs)
	if err != nil {
		r.logger.Error("failed to load recipients", "template", template, "error", err)
		return
	}
	emails := make([]string, len(users))
	for i, u := range users {
		emails[i] = u.Email
	}
	if err := r.mail.Send(ctx, emails, template, nil); err != nil {
		r.logger.Error("failed to send notification", "template", template, "error", err)
	}
}
