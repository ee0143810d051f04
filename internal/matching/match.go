// Package matching pairs a closed round's buy orders with its sell orders.
//
// A buy and a sell are compatible when they are for the same security, the bid is at
// least the ask, the owners differ and the owners are not a banned pair. Among all
// pairings the engine returns one of maximum size. Ties are broken deterministically:
// bids are visited highest price first, then in input order, and each bid tries asks
// cheapest first, then in candidate order.
package matching

import (
	"github.com/shopspring/decimal"

	"roundex/internal/store"
)

// Pair is one matched buy/sell order
type Pair struct {
	BuyOrderID  string
	SellOrderID string
	BuyerID     string
	SellerID    string
	// Snapshot values stored with the match; informational only.
	Shares decimal.Decimal
	Price  decimal.Decimal
}

// BanSet is the symmetric set of user pairs that may never be matched
type BanSet map[[2]string]struct{}

func key(a, b string) [2]string {
	if a < b {
		return [2]string{a, b}
	}
	return [2]string{b, a}
}

// NewBanSet builds a set from stored bans
func NewBanSet(pairs []store.BannedPair) BanSet {
	s := make(BanSet, len(pairs))
	for _, p := range pairs {
		s.Add(p.UserA, p.UserB)
	}
	return s
}

func (s BanSet) Add(a, b string) {
	s[key(a, b)] = struct{}{}
}

// Banned reports whether a and b are banned, in either direction
func (s BanSet) Banned(a, b string) bool {
	_, ok := s[key(a, b)]
	return ok
}

// DoubleLoneSellers returns the matching candidates for sells. A seller with exactly one
// order gets that order twice, right after itself, so it can serve two buyers. Sellers
// with two or more orders are left as they are.
func DoubleLoneSellers(sells []Order) []Order {
	counts := make(map[string]int)
	for _, s := range sells {
		counts[s.UserID]++
	}

	out := make([]Order, 0, len(sells)*2)
	for _, s := range sells {
		out = append(out, s)
		if counts[s.UserID] == 1 {
			out = append(out, s)
		}
	}
	return out
}

// MatchRound doubles lone sellers and matches
func MatchRound(buys, sells []Order, bans BanSet) []Pair {
	return Match(buys, DoubleLoneSellers(sells), bans)
}

// Match computes a maximum-cardinality pairing of buys with candidates using augmenting
// paths. Each buy and each candidate slot is used at most once. Pairs are returned in bid
// visiting order.
func Match(buys, candidates []Order, bans BanSet) []Pair {
	if len(buys) == 0 || len(candidates) == 0 {
		return nil
	}

	b := newBook(buys, candidates)
	adj := make([][]int, len(b.bids))
	for i, buy := range b.bids {
		adj[i] = b.candidatesFor(buy, candidates, bans)
	}

	// owner[c] is the bid position holding candidate c, or -1
	owner := make([]int, len(candidates))
	for i := range owner {
		owner[i] = -1
	}
	seen := make([]bool, len(candidates))

	var augment func(bi int) bool
	augment = func(bi int) bool {
		for _, ci := range adj[bi] {
			if seen[ci] {
				continue
			}
			seen[ci] = true
			if owner[ci] == -1 || augment(owner[ci]) {
				owner[ci] = bi
				return true
			}
		}
		return false
	}

	for bi := range b.bids {
		if len(adj[bi]) == 0 {
			continue
		}
		for i := range seen {
			seen[i] = false
		}
		augment(bi)
	}

	taken := make([]int, len(b.bids))
	for i := range taken {
		taken[i] = -1
	}
	for ci, bi := range owner {
		if bi >= 0 {
			taken[bi] = ci
		}
	}

	var pairs []Pair
	for bi, ci := range taken {
		if ci < 0 {
			continue
		}
		buy, sell := b.bids[bi], &candidates[ci]
		pairs = append(pairs, Pair{
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			BuyerID:     buy.UserID,
			SellerID:    sell.UserID,
			Shares:      decimal.Min(buy.Shares, sell.Shares),
			Price:       sell.Price,
		})
	}
	return pairs
}
