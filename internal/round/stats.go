package round

import (
	"context"

	"github.com/shopspring/decimal"

	"roundex/internal/store"
)

// SideStats aggregates one side of the active round
type SideStats struct {
	Orders      int                 `json:"orders"`
	TotalShares decimal.Decimal     `json:"total_shares"`
	MinPrice    decimal.NullDecimal `json:"min_price"`
	MaxPrice    decimal.NullDecimal `json:"max_price"`
}

// Stats summarizes the active round
type Stats struct {
	Round *store.Round `json:"round"`
	Buy   SideStats    `json:"buy"`
	Sell  SideStats    `json:"sell"`
}

func summarize(orders []store.Order) SideStats {
	st := SideStats{Orders: len(orders), TotalShares: decimal.Zero}
	for _, o := range orders {
		st.TotalShares = st.TotalShares.Add(o.Shares)
		if !st.MinPrice.Valid || o.Price.LessThan(st.MinPrice.Decimal) {
			st.MinPrice = decimal.NewNullDecimal(o.Price)
		}
		if !st.MaxPrice.Valid || o.Price.GreaterThan(st.MaxPrice.Decimal) {
			st.MaxPrice = decimal.NewNullDecimal(o.Price)
		}
	}
	return st
}

// RoundStats returns share totals and price ranges for the active round, or nil when no
// round is active
func (s *Scheduler) RoundStats(ctx context.Context) (*Stats, error) {
	active, err := s.ActiveRound(ctx)
	if err != nil || active == nil {
		return nil, err
	}

	buys, err := s.store.RoundOrders(ctx, store.Buy, active.ID)
	if err != nil {
		return nil, err
	}
	sells, err := s.store.RoundOrders(ctx, store.Sell, active.ID)
	if err != nil {
		return nil, err
	}
	return &Stats{Round: active, Buy: summarize(buys), Sell: summarize(sells)}, nil
}
