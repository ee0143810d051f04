package matching

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Order is the matching view of a buy or sell order
type Order struct {
	ID         string
	UserID     string
	SecurityID string
	Shares     decimal.Decimal
	Price      decimal.Decimal
}

// book holds one round's orders in visiting order: bids best (highest) first and asks
// cheapest first per security, both stable on input order.
type book struct {
	bids []*Order
	asks map[string][]int // security -> candidate indexes
}

func newBook(buys, candidates []Order) *book {
	b := &book{
		bids: make([]*Order, len(buys)),
		asks: make(map[string][]int),
	}
	for i := range buys {
		b.bids[i] = &buys[i]
	}
	sort.SliceStable(b.bids, func(i, j int) bool {
		return b.bids[i].Price.GreaterThan(b.bids[j].Price)
	})

	for i, c := range candidates {
		b.asks[c.SecurityID] = append(b.asks[c.SecurityID], i)
	}
	for sec, level := range b.asks {
		sort.SliceStable(level, func(i, j int) bool {
			return candidates[level[i]].Price.LessThan(candidates[level[j]].Price)
		})
		b.asks[sec] = level
	}
	return b
}

// candidatesFor returns the candidate indexes a bid may take, cheapest first
func (b *book) candidatesFor(buy *Order, candidates []Order, bans BanSet) []int {
	var out []int
	for _, ci := range b.asks[buy.SecurityID] {
		sell := &candidates[ci]
		if sell.Price.GreaterThan(buy.Price) {
			break // asks are sorted, nothing further is affordable
		}
		if sell.UserID == buy.UserID || bans.Banned(buy.UserID, sell.UserID) {
			continue
		}
		out = append(out, ci)
	}
	return out
}
