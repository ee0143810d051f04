package matching

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func order(id, user string, price int64) Order {
	return Order{ID: id, UserID: user, SecurityID: "sec", Shares: decimal.NewFromInt(100), Price: decimal.NewFromInt(price)}
}

func TestDoubleLoneSellers(t *testing.T) {
	sells := []Order{order("s1", "alice", 10), order("s2", "bob", 10), order("s3", "bob", 11)}
	got := DoubleLoneSellers(sells)

	ids := make([]string, len(got))
	for i, o := range got {
		ids[i] = o.ID
	}
	assert.Equal(t, []string{"s1", "s1", "s2", "s3"}, ids)
}

func TestLoneSellerServesTwoBuyers(t *testing.T) {
	buys := []Order{order("b1", "buyer1", 10), order("b2", "buyer2", 10)}
	sells := []Order{order("s1", "seller", 10)}

	pairs := MatchRound(buys, sells, BanSet{})
	require.Len(t, pairs, 2)
	assert.Equal(t, "s1", pairs[0].SellOrderID)
	assert.Equal(t, "s1", pairs[1].SellOrderID)
	assert.ElementsMatch(t, []string{"b1", "b2"}, []string{pairs[0].BuyOrderID, pairs[1].BuyOrderID})
}

func TestBannedPairNeverMatched(t *testing.T) {
	bans := BanSet{}
	bans.Add("seller", "buyer")

	pairs := MatchRound([]Order{order("b1", "buyer", 10)}, []Order{order("s1", "seller", 10)}, bans)
	assert.Empty(t, pairs)
}

func TestPriceAndSecurityCompatibility(t *testing.T) {
	cheapBid := order("b1", "buyer1", 5)
	otherSec := order("b2", "buyer2", 50)
	otherSec.SecurityID = "other"

	pairs := MatchRound([]Order{cheapBid, otherSec}, []Order{order("s1", "seller", 10)}, BanSet{})
	assert.Empty(t, pairs)
}

func TestUserNeverMatchedWithSelf(t *testing.T) {
	pairs := MatchRound([]Order{order("b1", "alice", 10)}, []Order{order("s1", "alice", 10)}, BanSet{})
	assert.Empty(t, pairs)
}

func TestAugmentingPathFindsMaximum(t *testing.T) {
	// Greedy would give b1 the cheap ask and leave b2 with nothing.
	buys := []Order{order("b1", "u1", 20), order("b2", "u2", 10)}
	cands := []Order{order("s1", "s1", 10), order("s2", "s2", 15)}

	pairs := Match(buys, cands, BanSet{})
	require.Len(t, pairs, 2)
	got := map[string]string{}
	for _, p := range pairs {
		got[p.BuyOrderID] = p.SellOrderID
	}
	assert.Equal(t, map[string]string{"b1": "s2", "b2": "s1"}, got)
}

func TestPairSnapshot(t *testing.T) {
	b := order("b1", "u1", 20)
	b.Shares = decimal.NewFromInt(30)
	pairs := MatchRound([]Order{b}, []Order{order("s1", "s1", 12)}, BanSet{})
	require.Len(t, pairs, 1)
	assert.True(t, pairs[0].Shares.Equal(decimal.NewFromInt(30)))
	assert.True(t, pairs[0].Price.Equal(decimal.NewFromInt(12)))
}

// ==================== PROPERTIES ====================

type instance struct {
	buys  []Order
	sells []Order
	bans  BanSet
}

func genInstance(t *rapid.T) instance {
	users := []string{"u0", "u1", "u2", "u3", "u4"}
	secs := []string{"x", "y"}

	gen := func(prefix string, n int) []Order {
		out := make([]Order, n)
		for i := range out {
			out[i] = Order{
				ID:         fmt.Sprintf("%s%d", prefix, i),
				UserID:     rapid.SampledFrom(users).Draw(t, prefix+"user"),
				SecurityID: rapid.SampledFrom(secs).Draw(t, prefix+"sec"),
				Shares:     decimal.NewFromInt(rapid.Int64Range(1, 500).Draw(t, prefix+"shares")),
				Price:      decimal.NewFromInt(rapid.Int64Range(1, 5).Draw(t, prefix+"price")),
			}
		}
		return out
	}

	inst := instance{
		buys:  gen("b", rapid.IntRange(0, 5).Draw(t, "nbuys")),
		sells: gen("s", rapid.IntRange(0, 4).Draw(t, "nsells")),
		bans:  BanSet{},
	}
	for i := rapid.IntRange(0, 3).Draw(t, "nbans"); i > 0; i-- {
		a := rapid.SampledFrom(users).Draw(t, "banA")
		b := rapid.SampledFrom(users).Draw(t, "banB")
		if a != b {
			inst.bans.Add(a, b)
		}
	}
	return inst
}

func compatible(buy, sell Order, bans BanSet) bool {
	return buy.SecurityID == sell.SecurityID &&
		buy.Price.GreaterThanOrEqual(sell.Price) &&
		buy.UserID != sell.UserID &&
		!bans.Banned(buy.UserID, sell.UserID)
}

// bruteForceMax tries every assignment; only viable for tiny inputs
func bruteForceMax(buys, cands []Order, bans BanSet) int {
	used := make([]bool, len(cands))
	var rec func(i int) int
	rec = func(i int) int {
		if i == len(buys) {
			return 0
		}
		best := rec(i + 1)
		for c := range cands {
			if used[c] || !compatible(buys[i], cands[c], bans) {
				continue
			}
			used[c] = true
			if n := 1 + rec(i+1); n > best {
				best = n
			}
			used[c] = false
		}
		return best
	}
	return rec(0)
}

func TestMatchProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inst := genInstance(t)
		cands := DoubleLoneSellers(inst.sells)
		pairs := Match(inst.buys, cands, inst.bans)

		buysByID := map[string]Order{}
		for _, b := range inst.buys {
			buysByID[b.ID] = b
		}
		sellsByID := map[string]Order{}
		sellerOrders := map[string]int{}
		for _, s := range inst.sells {
			sellsByID[s.ID] = s
			sellerOrders[s.UserID]++
		}

		usedBuys := map[string]bool{}
		sellUses := map[string]map[string]bool{}
		for _, p := range pairs {
			buy, sell := buysByID[p.BuyOrderID], sellsByID[p.SellOrderID]
			if !compatible(buy, sell, inst.bans) {
				t.Fatalf("incompatible pair %+v", p)
			}
			if inst.bans.Banned(p.BuyerID, p.SellerID) {
				t.Fatalf("banned pair matched %+v", p)
			}
			if usedBuys[p.BuyOrderID] {
				t.Fatalf("buy order %s used twice", p.BuyOrderID)
			}
			usedBuys[p.BuyOrderID] = true
			if sellUses[p.SellOrderID] == nil {
				sellUses[p.SellOrderID] = map[string]bool{}
			}
			sellUses[p.SellOrderID][p.BuyOrderID] = true
		}

		for id, buyers := range sellUses {
			limit := 1
			if sellerOrders[sellsByID[id].UserID] == 1 {
				limit = 2
			}
			if len(buyers) > limit {
				t.Fatalf("sell order %s used %d times, limit %d", id, len(buyers), limit)
			}
		}

		if want := bruteForceMax(inst.buys, cands, inst.bans); len(pairs) != want {
			t.Fatalf("expected maximum %d pairs, got %d", want, len(pairs))
		}
	})
}

func TestMatchIsDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		inst := genInstance(t)
		first := MatchRound(inst.buys, inst.sells, inst.bans)
		second := MatchRound(inst.buys, inst.sells, inst.bans)
		if len(first) != len(second) {
			t.Fatalf("different sizes %d vs %d", len(first), len(second))
		}
		for i := range first {
			if first[i].BuyOrderID != second[i].BuyOrderID || first[i].SellOrderID != second[i].SellOrderID {
				t.Fatalf("pair %d differs: %+v vs %+v", i, first[i], second[i])
			}
		}
	})
}
