package negotiation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roundex/internal/apperr"
	"roundex/internal/logging"
	"roundex/internal/matching"
	"roundex/internal/notify"
	"roundex/internal/store"
)

type fixture struct {
	st     *store.Store
	engine *Engine
	runner *matching.Runner
	mail   *notify.Recorder
	sec    *store.Security
	buyer  *store.User
	seller *store.User
	clock  time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	sec := &store.Security{Name: "ACME"}
	require.NoError(t, st.CreateSecurity(ctx, sec))

	mail := &notify.Recorder{}
	f := &fixture{
		st:     st,
		mail:   mail,
		sec:    sec,
		runner: matching.NewRunner(st, mail, logging.Discard()),
		clock:  time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	f.engine = NewEngine(st, mail, logging.Discard())
	// Each call advances the clock so feed ordering is deterministic
	var mu sync.Mutex
	f.engine.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		f.clock = f.clock.Add(time.Second)
		return f.clock
	})

	f.buyer = f.user(t, "buyer@example.com", true, false)
	f.seller = f.user(t, "seller@example.com", false, true)
	return f
}

func (f *fixture) user(t *testing.T, email string, canBuy, canSell bool) *store.User {
	t.Helper()
	u := &store.User{Email: email, FullName: "Name " + email, PasswordHash: "x", CanBuy: canBuy, CanSell: canSell}
	require.NoError(t, f.st.CreateUser(context.Background(), u))
	return u
}

// round places one buy and one sell order in a fresh round and runs the match
func (f *fixture) round(t *testing.T) *matching.Result {
	t.Helper()
	ctx := context.Background()
	r := &store.Round{EndTime: time.Now().Add(time.Hour)}
	require.NoError(t, f.st.CreateRound(ctx, r))
	for _, o := range []*store.Order{
		{Side: store.Buy, UserID: f.buyer.ID},
		{Side: store.Sell, UserID: f.seller.ID},
	} {
		o.SecurityID = f.sec.ID
		o.Shares = decimal.NewFromInt(100)
		o.Price = decimal.NewFromInt(10)
		o.RoundID = &r.ID
		require.NoError(t, f.st.CreateOrder(ctx, o))
	}
	res, err := f.runner.Run(ctx, r.ID)
	require.NoError(t, err)
	return res
}

func (f *fixture) room(t *testing.T) string {
	t.Helper()
	res := f.round(t)
	require.Len(t, res.ChatRoomIDs, 1)
	return res.ChatRoomIDs[0]
}

func TestNewMessage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	ev, err := f.engine.NewMessage(ctx, room, f.buyer.ID, "hello")
	require.NoError(t, err)
	assert.Equal(t, EventChat, ev.Type)
	assert.Equal(t, "hello", ev.Message)

	sent := f.mail.ByTemplate(notify.NewChatMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{f.seller.Email}, sent[0].Recipients)

	// Only the first message notifies
	_, err = f.engine.NewMessage(ctx, room, f.seller.ID, "hi")
	require.NoError(t, err)
	assert.Len(t, f.mail.ByTemplate(notify.NewChatMessage), 1)

	stranger := f.user(t, "x@example.com", true, true)
	_, err = f.engine.NewMessage(ctx, room, stranger.ID, "let me in")
	assert.True(t, apperr.Is(err, apperr.KindNotOwned))

	_, err = f.engine.NewMessage(ctx, "missing", f.buyer.ID, "hello")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = f.engine.NewMessage(ctx, room, f.buyer.ID, "   ")
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
}

func TestOneOfferPendingAtATime(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	offer, err := f.engine.CreateOffer(ctx, room, f.buyer.ID, decimal.NewFromInt(11), decimal.NewFromInt(50))
	require.NoError(t, err)
	assert.Equal(t, store.OfferPending, offer.OfferStatus)

	_, err = f.engine.CreateOffer(ctx, room, f.seller.ID, decimal.NewFromInt(12), decimal.NewFromInt(50))
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))

	got, err := f.st.GetChatRoom(ctx, room)
	require.NoError(t, err)
	assert.Equal(t, offer.CreatedAt, got.UpdatedAt)
}

func TestConcurrentOffersOnlyOneWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			author := f.buyer.ID
			if i%2 == 1 {
				author = f.seller.ID
			}
			_, err := f.engine.CreateOffer(ctx, room, author, decimal.NewFromInt(10), decimal.NewFromInt(1))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, apperr.Is(err, apperr.KindInvalidOperation), "got %v", err)
		}
	}
	assert.Equal(t, 1, ok)
}

func TestEditOfferStatusRules(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	offer, err := f.engine.CreateOffer(ctx, room, f.buyer.ID, decimal.NewFromInt(11), decimal.NewFromInt(50))
	require.NoError(t, err)

	_, err = f.engine.EditOfferStatus(ctx, room, offer.ID, f.buyer.ID, store.OfferAccepted)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "You can not accept/reject your own offer")

	_, err = f.engine.EditOfferStatus(ctx, room, offer.ID, f.seller.ID, store.OfferCanceled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "You can only cancel your offer")

	_, err = f.engine.EditOfferStatus(ctx, room, offer.ID, f.seller.ID, store.OfferPending)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))

	_, err = f.engine.EditOfferStatus(ctx, room, "missing", f.seller.ID, store.OfferRejected)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	ev, err := f.engine.EditOfferStatus(ctx, room, offer.ID, f.seller.ID, store.OfferRejected)
	require.NoError(t, err)
	assert.Equal(t, EventOfferResponse, ev.Type)
	assert.Equal(t, offer.ID, ev.OfferID)
	assert.Equal(t, f.seller.ID, ev.AuthorID)
	require.NotNil(t, ev.IsDealClosed)
	assert.False(t, *ev.IsDealClosed)

	// Any further transition fails once the offer has left PENDING
	for _, status := range []store.OfferStatus{store.OfferAccepted, store.OfferRejected} {
		_, err = f.engine.EditOfferStatus(ctx, room, offer.ID, f.seller.ID, status)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Offer is closed")
	}
	_, err = f.engine.EditOfferStatus(ctx, room, offer.ID, f.buyer.ID, store.OfferCanceled)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))

	// A new offer can be made after the previous one is resolved
	_, err = f.engine.CreateOffer(ctx, room, f.seller.ID, decimal.NewFromInt(12), decimal.NewFromInt(50))
	require.NoError(t, err)
}

func TestAcceptClosesDeal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	offer, err := f.engine.CreateOffer(ctx, room, f.seller.ID, decimal.NewFromInt(11), decimal.NewFromInt(50))
	require.NoError(t, err)
	ev, err := f.engine.EditOfferStatus(ctx, room, offer.ID, f.buyer.ID, store.OfferAccepted)
	require.NoError(t, err)
	assert.True(t, *ev.IsDealClosed)

	got, err := f.st.GetChatRoom(ctx, room)
	require.NoError(t, err)
	assert.True(t, got.IsDealClosed)

	_, err = f.engine.CreateOffer(ctx, room, f.seller.ID, decimal.NewFromInt(11), decimal.NewFromInt(50))
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	_, err = f.engine.Disband(ctx, room, f.buyer.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation), "closed deals can not be disbanded")
}

func TestRevealIdentity(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	v, err := f.engine.RevealIdentity(ctx, room, f.buyer.ID)
	require.NoError(t, err)
	assert.True(t, v.IsRevealed)
	assert.Nil(t, v.Identities)

	// Revealing twice is a no-op
	v, err = f.engine.RevealIdentity(ctx, room, f.buyer.ID)
	require.NoError(t, err)
	assert.Nil(t, v.Identities)

	v, err = f.engine.RevealIdentity(ctx, room, f.seller.ID)
	require.NoError(t, err)
	require.Len(t, v.Identities, 2)
	assert.Equal(t, f.buyer.Email, v.Identities[f.buyer.ID].Email)
	assert.Equal(t, f.seller.FullName, v.Identities[f.seller.ID].FullName)
	assert.Equal(t, f.buyer.ID, v.OtherPartyID)
}

func TestDisbandBansPairForFutureRounds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	v, err := f.engine.Disband(ctx, room, f.seller.ID)
	require.NoError(t, err)
	require.NotNil(t, v.DisbandInfo)
	assert.Equal(t, f.seller.ID, v.DisbandInfo.DisbandByUserID)

	for _, pair := range [][2]string{{f.buyer.ID, f.seller.ID}, {f.seller.ID, f.buyer.ID}} {
		banned, err := f.st.IsBanned(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, banned)
	}

	_, err = f.engine.Disband(ctx, room, f.buyer.ID)
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))
	_, err = f.engine.NewMessage(ctx, room, f.buyer.ID, "still there?")
	assert.True(t, apperr.Is(err, apperr.KindInvalidOperation))

	// They are each other's only compatible candidate, yet nothing matches
	res := f.round(t)
	assert.Empty(t, res.Pairs)
	assert.Empty(t, res.ChatRoomIDs)
}

func TestUpdateLastReadIDAndUnread(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	first, err := f.engine.NewMessage(ctx, room, f.seller.ID, "one")
	require.NoError(t, err)
	_, err = f.engine.NewMessage(ctx, room, f.seller.ID, "two")
	require.NoError(t, err)

	inbox, err := f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	assert.Equal(t, 2, inbox.Unarchived[room].UnreadCount)

	require.NoError(t, f.engine.UpdateLastReadID(ctx, room, f.buyer.ID, first.ID))
	inbox, err = f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, inbox.Unarchived[room].UnreadCount)
	assert.Equal(t, first.ID, *inbox.Unarchived[room].LastReadID)

	err = f.engine.UpdateLastReadID(ctx, room, f.buyer.ID, "missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestChatsByUser(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	room := f.room(t)

	_, err := f.engine.ChatsByUser(ctx, f.buyer.ID, true, true)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	// Buyers do not see a room before anything has been posted
	inbox, err := f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	assert.Empty(t, inbox.Unarchived)

	inbox, err = f.engine.ChatsByUser(ctx, f.seller.ID, false, true)
	require.NoError(t, err)
	require.Contains(t, inbox.Unarchived, room)
	assert.NotNil(t, inbox.Unarchived[room].SellOrder)

	_, err = f.engine.NewMessage(ctx, room, f.seller.ID, "hello")
	require.NoError(t, err)
	canceled, err := f.engine.CreateOffer(ctx, room, f.seller.ID, decimal.NewFromInt(10), decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = f.engine.EditOfferStatus(ctx, room, canceled.ID, f.seller.ID, store.OfferCanceled)
	require.NoError(t, err)
	rejected, err := f.engine.CreateOffer(ctx, room, f.buyer.ID, decimal.NewFromInt(9), decimal.NewFromInt(10))
	require.NoError(t, err)
	_, err = f.engine.EditOfferStatus(ctx, room, rejected.ID, f.seller.ID, store.OfferRejected)
	require.NoError(t, err)

	inbox, err = f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	feed := inbox.Unarchived[room]
	require.NotNil(t, feed)
	assert.Nil(t, feed.SellOrder, "sell order is hidden from buyers")
	assert.NotNil(t, feed.BuyOrder)

	types := make([]string, len(feed.Chats))
	for i, ev := range feed.Chats {
		types[i] = ev.Type
	}
	assert.Equal(t, []string{EventChat, EventOffer, EventOfferResponse, EventOffer, EventOfferResponse}, types)
	for i := 1; i < len(feed.Chats); i++ {
		assert.False(t, feed.Chats[i].CreatedAt.Before(feed.Chats[i-1].CreatedAt))
	}
	// Cancels are attributed to the author, rejections to the counterparty
	assert.Equal(t, f.seller.ID, feed.Chats[2].AuthorID)
	assert.Equal(t, f.seller.ID, feed.Chats[4].AuthorID)

	// The rejected offer is skipped; the canceled one still counts as latest
	require.NotNil(t, feed.LatestOffer)
	assert.Equal(t, canceled.ID, feed.LatestOffer.ID)

	require.NoError(t, f.engine.Archive(ctx, room, f.buyer.ID))
	inbox, err = f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	assert.Contains(t, inbox.Archived, room)
	assert.Empty(t, inbox.Unarchived)

	require.NoError(t, f.engine.Unarchive(ctx, room, f.buyer.ID))
	inbox, err = f.engine.ChatsByUser(ctx, f.buyer.ID, true, false)
	require.NoError(t, err)
	assert.Contains(t, inbox.Unarchived, room)
}

func TestChatsByUserBothSidesFiltersPerRole(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dual := f.user(t, "dual@example.com", true, true)

	f.buyer = dual
	buyRoom := f.room(t)
	f.buyer = f.user(t, "other@example.com", true, false)
	f.seller = dual
	sellRoom := f.room(t)

	inbox, err := f.engine.ChatsByUser(ctx, dual.ID, true, true)
	require.NoError(t, err)
	assert.NotContains(t, inbox.Unarchived, buyRoom, "buyer-side rooms stay hidden until activity")
	require.Contains(t, inbox.Unarchived, sellRoom)
	assert.NotNil(t, inbox.Unarchived[sellRoom].SellOrder)

	_, err = f.engine.NewMessage(ctx, buyRoom, dual.ID, "hello")
	require.NoError(t, err)

	inbox, err = f.engine.ChatsByUser(ctx, dual.ID, true, true)
	require.NoError(t, err)
	require.Contains(t, inbox.Unarchived, buyRoom)
	assert.Nil(t, inbox.Unarchived[buyRoom].SellOrder, "sell order is hidden on the buyer side")
	assert.NotNil(t, inbox.Unarchived[buyRoom].BuyOrder)
	assert.NotNil(t, inbox.Unarchived[sellRoom].SellOrder)
}

func TestRoomLocksAreStriped(t *testing.T) {
	f := setup(t)
	room := f.room(t)

	i := stripe(room)
	assert.Equal(t, i, stripe(room))
	assert.GreaterOrEqual(t, i, 0)
	assert.Less(t, i, roomStripes)

	unlock := f.engine.lock(room)
	assert.False(t, f.engine.rooms[i].TryLock(), "the room's stripe is held")
	unlock()
	require.True(t, f.engine.rooms[i].TryLock())
	f.engine.rooms[i].Unlock()

	// Many rooms share the fixed table and every stripe is free afterwards
	used := map[int]bool{}
	for n := 0; n < 1000; n++ {
		id := fmt.Sprintf("room-%d", n)
		used[stripe(id)] = true
		f.engine.lock(id)()
	}
	assert.LessOrEqual(t, len(used), roomStripes)
	for i := range f.engine.rooms {
		require.True(t, f.engine.rooms[i].TryLock())
		f.engine.rooms[i].Unlock()
	}
}

func TestRoomsForUser(t *testing.T) {
	f := setup(t)
	room := f.room(t)

	ids, err := f.engine.RoomsForUser(context.Background(), f.buyer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{room}, ids)
}
