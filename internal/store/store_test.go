package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()

	// Create temp file for test database
	f, err := os.CreateTemp("", "roundex-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	dbPath := f.Name()
	f.Close()

	store, err := New(dbPath)
	if err != nil {
		os.Remove(dbPath)
		t.Fatalf("failed to create store: %v", err)
	}

	cleanup := func() {
		store.Close()
		os.Remove(dbPath)
	}

	return store, cleanup
}

func mustUser(t *testing.T, s *Store, email string, canBuy, canSell bool) *User {
	t.Helper()
	u := &User{Email: email, FullName: email, PasswordHash: "x", CanBuy: canBuy, CanSell: canSell}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func mustSecurity(t *testing.T, s *Store) *Security {
	t.Helper()
	sec := &Security{Name: "ACME"}
	if err := s.CreateSecurity(context.Background(), sec); err != nil {
		t.Fatalf("CreateSecurity failed: %v", err)
	}
	return sec
}

func mustOrder(t *testing.T, s *Store, side Side, userID, secID string, shares int64, roundID *string) *Order {
	t.Helper()
	o := &Order{
		Side:       side,
		UserID:     userID,
		SecurityID: secID,
		Shares:     decimal.NewFromInt(shares),
		Price:      decimal.NewFromInt(10),
		RoundID:    roundID,
	}
	if err := s.CreateOrder(context.Background(), o); err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	return o
}

// ==================== USER TESTS ====================

func TestCreateUser(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	u := mustUser(t, store, "alice@example.com", true, false)
	if u.ID == "" {
		t.Error("expected user ID to be set")
	}

	got, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail failed: %v", err)
	}
	if got.ID != u.ID || !got.CanBuy || got.CanSell {
		t.Errorf("unexpected user %+v", got)
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	mustUser(t, store, "alice@example.com", false, false)
	err := store.CreateUser(context.Background(), &User{Email: "alice@example.com", FullName: "A", PasswordHash: "x"})
	if err != ErrUserExists {
		t.Errorf("expected ErrUserExists, got %v", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	if _, err := store.GetUser(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovalAndEmails(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := mustUser(t, store, "a@example.com", true, false)
	mustUser(t, store, "b@example.com", false, true)

	if err := store.SetApproval(ctx, a.ID, Sell, true); err != nil {
		t.Fatalf("SetApproval failed: %v", err)
	}
	sellers, err := store.ApprovedEmails(ctx, Sell)
	if err != nil {
		t.Fatalf("ApprovedEmails failed: %v", err)
	}
	if len(sellers) != 2 {
		t.Errorf("expected 2 approved sellers, got %v", sellers)
	}
	buyers, _ := store.ApprovedEmails(ctx, Buy)
	if len(buyers) != 1 || buyers[0] != "a@example.com" {
		t.Errorf("unexpected buyers %v", buyers)
	}
}

func TestUserRequestLifecycle(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	u := mustUser(t, store, "a@example.com", false, false)
	committee := mustUser(t, store, "c@example.com", false, false)

	req := &UserRequest{UserID: u.ID, IsBuy: true}
	if err := store.CreateUserRequest(ctx, req); err != nil {
		t.Fatalf("CreateUserRequest failed: %v", err)
	}

	open, err := store.OpenUserRequests(ctx)
	if err != nil {
		t.Fatalf("OpenUserRequests failed: %v", err)
	}
	if len(open) != 1 || open[0].User.Email != "a@example.com" {
		t.Fatalf("unexpected open requests %+v", open)
	}

	if err := store.CloseUserRequest(ctx, req.ID, committee.ID); err != nil {
		t.Fatalf("CloseUserRequest failed: %v", err)
	}
	if err := store.CloseUserRequest(ctx, req.ID, committee.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound closing twice, got %v", err)
	}
	open, _ = store.OpenUserRequests(ctx)
	if len(open) != 0 {
		t.Errorf("expected no open requests, got %d", len(open))
	}
}

// ==================== ORDER TESTS ====================

func TestOrderRoundAssignment(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seller := mustUser(t, store, "s@example.com", false, true)
	buyer := mustUser(t, store, "b@example.com", true, false)
	sec := mustSecurity(t, store)

	old := &Round{EndTime: time.Now().Add(-time.Hour), IsConcluded: true}
	if err := store.CreateRound(ctx, old); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}
	assigned := mustOrder(t, store, Sell, seller.ID, sec.ID, 50, &old.ID)
	sell := mustOrder(t, store, Sell, seller.ID, sec.ID, 100, nil)
	buy := mustOrder(t, store, Buy, buyer.ID, sec.ID, 100, nil)

	r := &Round{EndTime: time.Now().Add(time.Hour)}
	if err := store.CreateRound(ctx, r); err != nil {
		t.Fatalf("CreateRound failed: %v", err)
	}
	n, err := store.AssignUnassigned(ctx, Sell, r.ID)
	if err != nil {
		t.Fatalf("AssignUnassigned failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 sell order assigned, got %d", n)
	}
	if _, err := store.AssignUnassigned(ctx, Buy, r.ID); err != nil {
		t.Fatalf("AssignUnassigned failed: %v", err)
	}

	for _, tc := range []struct {
		side Side
		id   string
		want string
	}{
		{Sell, assigned.ID, old.ID},
		{Sell, sell.ID, r.ID},
		{Buy, buy.ID, r.ID},
	} {
		got, err := store.GetOrder(ctx, tc.side, tc.id)
		if err != nil {
			t.Fatalf("GetOrder failed: %v", err)
		}
		if got.RoundID == nil || *got.RoundID != tc.want {
			t.Errorf("order %s: expected round %s, got %v", tc.id, tc.want, got.RoundID)
		}
	}

	// Assigned orders are frozen
	sell.Price = decimal.NewFromInt(99)
	if err := store.UpdateOrder(ctx, &Order{ID: sell.ID, Side: Sell, SecurityID: sec.ID, Shares: sell.Shares, Price: sell.Price}); err != ErrNotFound {
		t.Errorf("expected ErrNotFound updating assigned order, got %v", err)
	}
	if err := store.DeleteOrder(ctx, Sell, sell.ID); err != ErrNotFound {
		t.Errorf("expected ErrNotFound deleting assigned order, got %v", err)
	}
}

func TestCountCurrentOrders(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	seller := mustUser(t, store, "s@example.com", false, true)
	sec := mustSecurity(t, store)

	old := &Round{EndTime: time.Now().Add(-time.Hour), IsConcluded: true}
	store.CreateRound(ctx, old)
	active := &Round{EndTime: time.Now().Add(time.Hour)}
	store.CreateRound(ctx, active)

	mustOrder(t, store, Sell, seller.ID, sec.ID, 10, &old.ID)
	mustOrder(t, store, Sell, seller.ID, sec.ID, 10, &active.ID)
	mustOrder(t, store, Sell, seller.ID, sec.ID, 10, nil)

	n, err := store.CountCurrentOrders(ctx, Sell, seller.ID, &active.ID)
	if err != nil {
		t.Fatalf("CountCurrentOrders failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 current orders, got %d", n)
	}

	n, _ = store.CountCurrentOrders(ctx, Sell, seller.ID, nil)
	if n != 1 {
		t.Errorf("expected 1 unassigned order without active round, got %d", n)
	}
}

func TestRoundOrdersForApproved(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	approved := mustUser(t, store, "a@example.com", true, false)
	revoked := mustUser(t, store, "r@example.com", true, false)
	sec := mustSecurity(t, store)
	r := &Round{EndTime: time.Now().Add(time.Hour)}
	store.CreateRound(ctx, r)

	mustOrder(t, store, Buy, approved.ID, sec.ID, 10, &r.ID)
	mustOrder(t, store, Buy, revoked.ID, sec.ID, 10, &r.ID)
	store.SetApproval(ctx, revoked.ID, Buy, false)

	orders, err := store.RoundOrdersForApproved(ctx, Buy, r.ID)
	if err != nil {
		t.Fatalf("RoundOrdersForApproved failed: %v", err)
	}
	if len(orders) != 1 || orders[0].UserID != approved.ID {
		t.Errorf("expected only the approved buyer's order, got %+v", orders)
	}
}

// ==================== ROUND TESTS ====================

func TestActiveAndOverdueRounds(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	overdue := &Round{EndTime: now.Add(-time.Minute)}
	active := &Round{EndTime: now.Add(time.Hour)}
	concluded := &Round{EndTime: now.Add(time.Hour), IsConcluded: true}
	for _, r := range []*Round{overdue, active, concluded} {
		if err := store.CreateRound(ctx, r); err != nil {
			t.Fatalf("CreateRound failed: %v", err)
		}
	}

	got, err := store.ActiveRounds(ctx, now)
	if err != nil {
		t.Fatalf("ActiveRounds failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != active.ID {
		t.Errorf("expected only the active round, got %+v", got)
	}

	got, _ = store.OverdueRounds(ctx, now)
	if len(got) != 1 || got[0].ID != overdue.ID {
		t.Errorf("expected only the overdue round, got %+v", got)
	}
}

func TestConcludeRoundOnlyOnce(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	r := &Round{EndTime: time.Now()}
	store.CreateRound(ctx, r)

	ok, err := store.ConcludeRound(ctx, r.ID)
	if err != nil || !ok {
		t.Fatalf("expected first conclude to win, got %v %v", ok, err)
	}
	ok, err = store.ConcludeRound(ctx, r.ID)
	if err != nil || ok {
		t.Errorf("expected second conclude to lose, got %v %v", ok, err)
	}
}

func TestInTxRollsBack(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	r := &Round{EndTime: time.Now().Add(time.Hour)}
	err := store.InTx(ctx, func(q *Queries) error {
		if err := q.CreateRound(ctx, r); err != nil {
			return err
		}
		return ErrNotFound
	})
	if err != ErrNotFound {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	if _, err := store.GetRound(ctx, r.ID); err != ErrNotFound {
		t.Errorf("expected round to be rolled back, got %v", err)
	}
}

// ==================== JOB TESTS ====================

func TestRoundJobs(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now()

	r := &Round{EndTime: now.Add(time.Hour)}
	store.CreateRound(ctx, r)

	reminder := &RoundJob{RoundID: r.ID, Kind: JobRoundReminder, RunAt: now.Add(-time.Second)}
	match := &RoundJob{RoundID: r.ID, Kind: JobRoundMatch, RunAt: now.Add(time.Hour)}
	for _, j := range []*RoundJob{reminder, match} {
		if err := store.CreateRoundJob(ctx, j); err != nil {
			t.Fatalf("CreateRoundJob failed: %v", err)
		}
	}
	if err := store.CreateRoundJob(ctx, &RoundJob{RoundID: r.ID, Kind: JobRoundMatch, RunAt: now}); err == nil {
		t.Error("expected duplicate job kind for a round to fail")
	}

	due, err := store.DueJobs(ctx, now)
	if err != nil {
		t.Fatalf("DueJobs failed: %v", err)
	}
	if len(due) != 1 || due[0].ID != reminder.ID {
		t.Fatalf("expected only the reminder to be due, got %+v", due)
	}

	if err := store.MarkJobDone(ctx, reminder.ID, now); err != nil {
		t.Fatalf("MarkJobDone failed: %v", err)
	}
	pending, _ := store.PendingJobs(ctx)
	if len(pending) != 1 || pending[0].ID != match.ID {
		t.Errorf("expected only the match job pending, got %+v", pending)
	}

	got, err := store.GetRoundJob(ctx, reminder.ID)
	if err != nil {
		t.Fatalf("GetRoundJob failed: %v", err)
	}
	if got.DoneAt == nil {
		t.Error("expected reminder to be done")
	}
	if _, err := store.GetRoundJob(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ==================== NEGOTIATION TESTS ====================

func setupRoom(t *testing.T, s *Store) (*ChatRoom, *User, *User) {
	t.Helper()
	ctx := context.Background()

	buyer := mustUser(t, s, "b@example.com", true, false)
	seller := mustUser(t, s, "s@example.com", false, true)
	sec := mustSecurity(t, s)
	r := &Round{EndTime: time.Now()}
	s.CreateRound(ctx, r)
	buy := mustOrder(t, s, Buy, buyer.ID, sec.ID, 10, &r.ID)
	sell := mustOrder(t, s, Sell, seller.ID, sec.ID, 10, &r.ID)

	m := &MatchRecord{RoundID: r.ID, BuyOrderID: buy.ID, SellOrderID: sell.ID}
	if err := s.CreateMatch(ctx, m); err != nil {
		t.Fatalf("CreateMatch failed: %v", err)
	}
	room := &ChatRoom{MatchID: m.ID, FriendlyName: "Room 1"}
	if err := s.CreateChatRoom(ctx, room); err != nil {
		t.Fatalf("CreateChatRoom failed: %v", err)
	}
	for _, a := range []*Association{
		{UserID: buyer.ID, ChatRoomID: room.ID, Role: RoleBuyer},
		{UserID: seller.ID, ChatRoomID: room.ID, Role: RoleSeller},
	} {
		if err := s.CreateAssociation(ctx, a); err != nil {
			t.Fatalf("CreateAssociation failed: %v", err)
		}
	}
	return room, buyer, seller
}

func TestOnePendingOfferPerRoom(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	room, buyer, seller := setupRoom(t, store)
	first := &Offer{ChatRoomID: room.ID, AuthorID: buyer.ID, Price: decimal.NewFromInt(10), Shares: decimal.NewFromInt(5)}
	if err := store.CreateOffer(ctx, first); err != nil {
		t.Fatalf("CreateOffer failed: %v", err)
	}
	second := &Offer{ChatRoomID: room.ID, AuthorID: seller.ID, Price: decimal.NewFromInt(11), Shares: decimal.NewFromInt(5)}
	if err := store.CreateOffer(ctx, second); err == nil {
		t.Fatal("expected second pending offer to violate the unique index")
	}

	if err := store.ResolveOffer(ctx, first.ID, OfferRejected, time.Now()); err != nil {
		t.Fatalf("ResolveOffer failed: %v", err)
	}
	if err := store.ResolveOffer(ctx, first.ID, OfferAccepted, time.Now()); err != ErrNotFound {
		t.Errorf("expected resolved offer to stay resolved, got %v", err)
	}
	second.ID = ""
	if err := store.CreateOffer(ctx, second); err != nil {
		t.Errorf("expected new offer after resolution, got %v", err)
	}
}

func TestDisbandAndCloseDealExclusive(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	room, _, seller := setupRoom(t, store)
	if err := store.DisbandChatRoom(ctx, room.ID, seller.ID, time.Now()); err != nil {
		t.Fatalf("DisbandChatRoom failed: %v", err)
	}
	if err := store.CloseDeal(ctx, room.ID, time.Now()); err != ErrNotFound {
		t.Errorf("expected closing a disbanded room to fail, got %v", err)
	}
	got, _ := store.GetChatRoom(ctx, room.ID)
	if !got.IsDisbanded() || got.IsDealClosed {
		t.Errorf("unexpected room state %+v", got)
	}
}

func TestCountUnread(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	room, buyer, seller := setupRoom(t, store)
	base := time.Now()
	var ids []string
	for i, author := range []string{seller.ID, seller.ID, buyer.ID, seller.ID} {
		c := &Chat{ChatRoomID: room.ID, AuthorID: author, Message: "hi", CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.CreateChat(ctx, c); err != nil {
			t.Fatalf("CreateChat failed: %v", err)
		}
		ids = append(ids, c.ID)
	}

	n, err := store.CountUnread(ctx, room.ID, buyer.ID, nil)
	if err != nil {
		t.Fatalf("CountUnread failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 unread without last read, got %d", n)
	}

	n, _ = store.CountUnread(ctx, room.ID, buyer.ID, &ids[1])
	if n != 1 {
		t.Errorf("expected 1 unread after second message, got %d", n)
	}
}

// ==================== BAN TESTS ====================

func TestBanPairIsSymmetric(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	a := mustUser(t, store, "a@example.com", true, false)
	b := mustUser(t, store, "b@example.com", false, true)

	if err := store.BanPair(ctx, b.ID, a.ID, time.Now()); err != nil {
		t.Fatalf("BanPair failed: %v", err)
	}
	if err := store.BanPair(ctx, a.ID, b.ID, time.Now()); err != nil {
		t.Fatalf("second BanPair failed: %v", err)
	}

	for _, pair := range [][2]string{{a.ID, b.ID}, {b.ID, a.ID}} {
		banned, err := store.IsBanned(ctx, pair[0], pair[1])
		if err != nil {
			t.Fatalf("IsBanned failed: %v", err)
		}
		if !banned {
			t.Errorf("expected %v to be banned", pair)
		}
	}

	pairs, _ := store.ListBannedPairs(ctx)
	if len(pairs) != 1 {
		t.Fatalf("expected one canonical row, got %d", len(pairs))
	}
	if pairs[0].UserA >= pairs[0].UserB {
		t.Errorf("expected canonical ordering, got %+v", pairs[0])
	}
}

// ==================== TOKEN TESTS ====================

func TestRevokedTokens(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	u := mustUser(t, store, "a@example.com", false, false)
	now := time.Now()
	store.RevokeToken(ctx, "old", u.ID, now.Add(-time.Hour))
	store.RevokeToken(ctx, "new", u.ID, now.Add(time.Hour))

	if ok, _ := store.IsTokenRevoked(ctx, "new"); !ok {
		t.Error("expected token to be revoked")
	}
	n, err := store.CleanupExpiredRevocations(ctx, now)
	if err != nil {
		t.Fatalf("CleanupExpiredRevocations failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired revocation removed, got %d", n)
	}
}

// ==================== MIGRATION TESTS ====================

func TestMigrationStatus(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// After New(), all migrations should be applied
	applied, pending, err := store.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}

	if len(pending) != 0 {
		t.Errorf("expected no pending migrations, got %d", len(pending))
	}
	if len(applied) != len(migrations) {
		t.Errorf("expected %d applied migrations, got %d", len(migrations), len(applied))
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store, cleanup := setupTestStore(t)
	defer cleanup()

	// Running Migrate() again should be a no-op
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	_, pending, err := store.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending migrations after re-run, got %d", len(pending))
	}

	// Verify data is still writable
	mustUser(t, store, "test@example.com", false, false)
}

func TestMigrationVersionsAreSequential(t *testing.T) {
	for i, m := range migrations {
		expectedVersion := i + 1
		if m.Version != expectedVersion {
			t.Errorf("migration %d has version %d, expected %d", i, m.Version, expectedVersion)
		}
	}
}
