package marketplace

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	store    *MemoryStore
	payments *FakePayments
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := NewMemoryStore()
	payments := &FakePayments{}
	svc := NewService(store, payments, nil, nil)
	svc.SetClock(func() time.Time { return testNow })
	return fixture{svc: svc, store: store, payments: payments}
}

func (f fixture) addUser(t *testing.T, userID string, visionary bool) {
	t.Helper()
	p := Profile{
		UserID:     userID,
		Email:      userID + "@example.com",
		Username:   userID,
		Membership: MembershipFree,
		CreatedAt:  testNow,
	}
	if visionary {
		p.Membership = MembershipVisionary
		p.MembershipExpiresAt = testNow.Add(30 * 24 * time.Hour)
	}
	if err := f.store.UpsertProfile(context.Background(), p); err != nil {
		t.Fatalf("upsert profile: %v", err)
	}
}

func (f fixture) addListing(t *testing.T, sellerID string, priceCents int64) Listing {
	t.Helper()
	ctx := context.Background()
	viz, err := f.store.CreateVisualization(ctx, Visualization{
		OwnerUserID: sellerID,
		Title:       "Immortal Game, move 23",
		ImagePath:   "renders/immortal-23.png",
		CreatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("create visualization: %v", err)
	}
	l, err := f.store.CreateListing(ctx, Listing{
		VisualizationID: viz.ID,
		SellerID:        sellerID,
		PriceCents:      priceCents,
		Status:          ListingActive,
		CreatedAt:       testNow,
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

func TestPurchaseRequiresVisionary(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", false)
	listing := f.addListing(t, "seller", 0)

	_, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "buyer",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrVisionaryRequired) {
		t.Fatalf("expected ErrVisionaryRequired, got %v", err)
	}
	if got := len(f.store.Transfers()); got != 0 {
		t.Fatalf("expected no transfers, got %d", got)
	}
	viz, _ := f.store.GetVisualization(context.Background(), listing.VisualizationID)
	if viz.OwnerUserID != "seller" {
		t.Fatalf("ownership mutated for rejected purchase")
	}
	l, _ := f.store.GetListing(context.Background(), listing.ID)
	if l.Status != ListingActive {
		t.Fatalf("listing mutated for rejected purchase: %s", l.Status)
	}
}

func TestPurchaseExpiredMembershipTreatedAsFree(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", false)
	if err := f.store.SetMembership(context.Background(), "buyer", MembershipVisionary, testNow.Add(-time.Hour)); err != nil {
		t.Fatalf("set membership: %v", err)
	}
	listing := f.addListing(t, "seller", 0)

	_, err := f.svc.Purchase(context.Background(), PurchaseInput{BuyerID: "buyer", ListingID: listing.ID, IdempotencyKey: "k1"})
	if !errors.Is(err, ErrVisionaryRequired) {
		t.Fatalf("expected ErrVisionaryRequired for lapsed membership, got %v", err)
	}
}

func TestPurchaseOwnListingRejected(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	listing := f.addListing(t, "seller", 500)

	_, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "seller",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrOwnListing) {
		t.Fatalf("expected ErrOwnListing, got %v", err)
	}
	if len(f.payments.CheckoutsCreated) != 0 {
		t.Fatalf("checkout created for own-listing purchase")
	}
}

func TestPurchaseTransferRateLimit(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 0)

	// Three prior moves of this artifact inside the window.
	for i := 0; i < TransferLimit; i++ {
		f.store.transfers = append(f.store.transfers, Transfer{
			VisualizationID: listing.VisualizationID,
			TransferredAt:   testNow.Add(-time.Duration(i+1) * time.Hour),
		})
	}

	_, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "buyer",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if !errors.Is(err, ErrTransferRateLimited) {
		t.Fatalf("expected ErrTransferRateLimited, got %v", err)
	}
	if !strings.Contains(err.Error(), "3 of 3") {
		t.Fatalf("expected remaining-count message, got %q", err.Error())
	}
	if got := len(f.store.Transfers()); got != TransferLimit {
		t.Fatalf("transfer appended despite rate limit")
	}
}

func TestPurchaseRateLimitIgnoresOldTransfers(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 0)

	for i := 0; i < TransferLimit; i++ {
		f.store.transfers = append(f.store.transfers, Transfer{
			VisualizationID: listing.VisualizationID,
			TransferredAt:   testNow.Add(-25 * time.Hour),
		})
	}

	out, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "buyer",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("purchase with only stale transfers should pass: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected success")
	}
}

func TestFreePurchaseTransfersOwnership(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 0)

	out, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "buyer",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("free purchase failed: %v", err)
	}
	if !out.Success || out.VisualizationID != listing.VisualizationID {
		t.Fatalf("unexpected result: %+v", out)
	}
	if out.CheckoutURL != "" {
		t.Fatalf("free purchase produced a checkout URL")
	}

	viz, _ := f.store.GetVisualization(context.Background(), listing.VisualizationID)
	if viz.OwnerUserID != "buyer" {
		t.Fatalf("owner not updated: %s", viz.OwnerUserID)
	}
	l, _ := f.store.GetListing(context.Background(), listing.ID)
	if l.Status != ListingSold || l.BuyerID != "buyer" {
		t.Fatalf("listing not closed: %+v", l)
	}
	transfers := f.store.Transfers()
	if len(transfers) != 1 || transfers[0].ToUserID != "buyer" || transfers[0].PriceCents != 0 {
		t.Fatalf("audit row missing or wrong: %+v", transfers)
	}
}

func TestFreePurchaseDuplicateIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 0)

	in := PurchaseInput{BuyerID: "buyer", ListingID: listing.ID, IdempotencyKey: "same-key"}
	if _, err := f.svc.Purchase(context.Background(), in); err != nil {
		t.Fatalf("first purchase: %v", err)
	}
	_, err := f.svc.Purchase(context.Background(), in)
	if !errors.Is(err, ErrDuplicateIdempotency) && !errors.Is(err, ErrListingNotActive) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("expected exactly one transfer, got %d", got)
	}
}

func TestPaidPurchaseOnlyCreatesCheckout(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 2500)

	out, err := f.svc.Purchase(context.Background(), PurchaseInput{
		BuyerID:        "buyer",
		ListingID:      listing.ID,
		IdempotencyKey: "k1",
	})
	if err != nil {
		t.Fatalf("paid purchase failed: %v", err)
	}
	if out.CheckoutURL == "" || out.Success {
		t.Fatalf("expected checkout-only result: %+v", out)
	}
	viz, _ := f.store.GetVisualization(context.Background(), listing.VisualizationID)
	if viz.OwnerUserID != "seller" {
		t.Fatalf("paid path mutated ownership before payment")
	}
	l, _ := f.store.GetListing(context.Background(), listing.ID)
	if l.Status != ListingActive {
		t.Fatalf("paid path mutated listing before payment: %s", l.Status)
	}
	if len(f.payments.CheckoutsCreated) != 1 || f.payments.CheckoutsCreated[0] != listing.ID {
		t.Fatalf("checkout not recorded: %v", f.payments.CheckoutsCreated)
	}
}

func TestCompletePurchaseRequiresPaidSession(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 2500)

	_, err := f.svc.CompletePurchase(context.Background(), "buyer", listing.ID)
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound, got %v", err)
	}

	// Session for a different buyer must not transfer to the caller.
	f.payments.Sessions = []CheckoutSession{{
		ID:        "cs_1",
		ListingID: listing.ID,
		BuyerID:   "someone-else",
		Paid:      true,
	}}
	if _, err := f.svc.CompletePurchase(context.Background(), "buyer", listing.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for mismatched buyer, got %v", err)
	}
	viz, _ := f.store.GetVisualization(context.Background(), listing.VisualizationID)
	if viz.OwnerUserID != "seller" {
		t.Fatalf("ownership mutated without a matching paid session")
	}
}

func TestCompletePurchaseFinalizesAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 2500)
	f.payments.Sessions = []CheckoutSession{{
		ID:        "cs_1",
		ListingID: listing.ID,
		BuyerID:   "buyer",
		Paid:      true,
	}}

	first, err := f.svc.CompletePurchase(context.Background(), "buyer", listing.ID)
	if err != nil {
		t.Fatalf("complete purchase: %v", err)
	}
	if !first.Success || first.VisualizationID != listing.VisualizationID {
		t.Fatalf("unexpected result: %+v", first)
	}
	viz, _ := f.store.GetVisualization(context.Background(), listing.VisualizationID)
	if viz.OwnerUserID != "buyer" {
		t.Fatalf("owner not updated after completion")
	}
	transfers := f.store.Transfers()
	if len(transfers) != 1 || transfers[0].PriceCents != 2500 {
		t.Fatalf("audit row wrong: %+v", transfers)
	}

	second, err := f.svc.CompletePurchase(context.Background(), "buyer", listing.ID)
	if err != nil {
		t.Fatalf("second completion should be idempotent: %v", err)
	}
	if second != first {
		t.Fatalf("idempotent completion diverged: %+v vs %+v", second, first)
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("second completion appended a transfer")
	}

	// A different caller must not get the idempotent success.
	if _, err := f.svc.CompletePurchase(context.Background(), "seller", listing.ID); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-buyer, got %v", err)
	}
}

// flakyStore fails FinalizeTransfer a fixed number of times before
// delegating, standing in for retry exhaustion or a dropped connection.
type flakyStore struct {
	*MemoryStore
	transferFailures int
}

func (s *flakyStore) FinalizeTransfer(ctx context.Context, in TransferInput) error {
	if s.transferFailures > 0 {
		s.transferFailures--
		return ErrTxConflict
	}
	return s.MemoryStore.FinalizeTransfer(ctx, in)
}

func newFlakyFixture(t *testing.T, failures int) (fixture, *flakyStore) {
	t.Helper()
	mem := NewMemoryStore()
	store := &flakyStore{MemoryStore: mem, transferFailures: failures}
	payments := &FakePayments{}
	svc := NewService(store, payments, nil, nil)
	svc.SetClock(func() time.Time { return testNow })
	return fixture{svc: svc, store: mem, payments: payments}, store
}

func TestCompletePurchaseRecoversFromTransientFailure(t *testing.T) {
	f, _ := newFlakyFixture(t, 1)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 2500)
	f.payments.Sessions = []CheckoutSession{{
		ID:        "cs_retry",
		ListingID: listing.ID,
		BuyerID:   "buyer",
		Paid:      true,
	}}

	ctx := context.Background()
	if _, err := f.svc.CompletePurchase(ctx, "buyer", listing.ID); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict on first attempt, got %v", err)
	}
	l, _ := f.store.GetListing(ctx, listing.ID)
	if l.Status != ListingActive {
		t.Fatalf("failed attempt mutated listing: %s", l.Status)
	}

	// The same paid session must still finalize: the failed attempt may
	// not leave its idempotency key claimed.
	out, err := f.svc.CompletePurchase(ctx, "buyer", listing.ID)
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if !out.Success || out.VisualizationID != listing.VisualizationID {
		t.Fatalf("unexpected result: %+v", out)
	}
	viz, _ := f.store.GetVisualization(ctx, listing.VisualizationID)
	if viz.OwnerUserID != "buyer" {
		t.Fatalf("owner not updated after retry: %s", viz.OwnerUserID)
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("want exactly one transfer, got %d", got)
	}
}

func TestFreePurchaseRetryReusesIdempotencyKey(t *testing.T) {
	f, _ := newFlakyFixture(t, 1)
	f.addUser(t, "seller", true)
	f.addUser(t, "buyer", true)
	listing := f.addListing(t, "seller", 0)

	in := PurchaseInput{BuyerID: "buyer", ListingID: listing.ID, IdempotencyKey: "same-key"}
	ctx := context.Background()
	if _, err := f.svc.Purchase(ctx, in); !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict on first attempt, got %v", err)
	}
	out, err := f.svc.Purchase(ctx, in)
	if err != nil {
		t.Fatalf("retry with the same key should succeed: %v", err)
	}
	if !out.Success {
		t.Fatalf("expected success on retry: %+v", out)
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("want exactly one transfer, got %d", got)
	}
}

func TestCreateListingRules(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	f.addUser(t, "free_user", false)
	ctx := context.Background()

	viz, err := f.store.CreateVisualization(ctx, Visualization{
		OwnerUserID: "seller",
		Title:       "Opera Game finale",
		ImagePath:   "renders/opera.png",
		CreatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("create visualization: %v", err)
	}

	if _, err := f.svc.CreateListing(ctx, CreateListingInput{
		SellerID: "free_user", VisualizationID: viz.ID, PriceCents: 100, IdempotencyKey: "a",
	}); !errors.Is(err, ErrVisionaryRequired) {
		t.Fatalf("expected ErrVisionaryRequired, got %v", err)
	}

	if _, err := f.svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", VisualizationID: viz.ID, PriceCents: -1, IdempotencyKey: "b",
	}); !errors.Is(err, ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	l, err := f.svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", VisualizationID: viz.ID, PriceCents: 100, IdempotencyKey: "c",
	})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	if l.Status != ListingActive {
		t.Fatalf("new listing not active: %s", l.Status)
	}

	if _, err := f.svc.CreateListing(ctx, CreateListingInput{
		SellerID: "seller", VisualizationID: viz.ID, PriceCents: 200, IdempotencyKey: "d",
	}); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestConfirmSubscription(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "fan", false)
	ctx := context.Background()

	if _, err := f.svc.ConfirmSubscription(ctx, "fan"); !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected ErrPaymentNotFound before payment, got %v", err)
	}

	f.payments.Sessions = []CheckoutSession{{ID: "cs_sub", UserID: "fan", Paid: true}}
	p, err := f.svc.ConfirmSubscription(ctx, "fan")
	if err != nil {
		t.Fatalf("confirm subscription: %v", err)
	}
	if p.Membership != MembershipVisionary {
		t.Fatalf("membership not upgraded: %s", p.Membership)
	}
	want := testNow.Add(MembershipTerm)
	if !p.MembershipExpiresAt.Equal(want) {
		t.Fatalf("expiry %v, want %v", p.MembershipExpiresAt, want)
	}

	// Confirming again keeps the same expiry.
	again, err := f.svc.ConfirmSubscription(ctx, "fan")
	if err != nil {
		t.Fatalf("second confirm: %v", err)
	}
	if !again.MembershipExpiresAt.Equal(want) {
		t.Fatalf("idempotent confirm moved expiry to %v", again.MembershipExpiresAt)
	}
}

func TestExpireStaleListings(t *testing.T) {
	f := newFixture(t)
	f.addUser(t, "seller", true)
	old := f.addListing(t, "seller", 100)
	f.store.mu.Lock()
	l := f.store.listings[old.ID]
	l.CreatedAt = testNow.Add(-31 * 24 * time.Hour)
	f.store.listings[old.ID] = l
	f.store.mu.Unlock()
	fresh := f.addListing(t, "seller", 100)

	n, err := f.svc.ExpireStaleListings(context.Background(), 30*24*time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired %d listings, want 1", n)
	}
	got, _ := f.store.GetListing(context.Background(), old.ID)
	if got.Status != ListingCancelled {
		t.Fatalf("old listing not cancelled: %s", got.Status)
	}
	got, _ = f.store.GetListing(context.Background(), fresh.ID)
	if got.Status != ListingActive {
		t.Fatalf("fresh listing cancelled")
	}
}

func TestValidatePriceCents(t *testing.T) {
	cases := []struct {
		cents int64
		ok    bool
	}{
		{0, true},
		{1, true},
		{MaxPriceCents, true},
		{-1, false},
		{MaxPriceCents + 1, false},
	}
	for _, tc := range cases {
		err := ValidatePriceCents(tc.cents)
		if tc.ok && err != nil {
			t.Fatalf("cents=%d unexpected error: %v", tc.cents, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("cents=%d expected error", tc.cents)
		}
	}
}

func TestUsernameFromEmail(t *testing.T) {
	cases := map[string]string{
		"Magnus.Fan@example.com": "magnus_fan",
		"ab@example.com":         "collector_ab",
		"":                       "collector",
	}
	for email, want := range cases {
		if got := usernameFromEmail(email); got != want {
			t.Fatalf("usernameFromEmail(%q) = %q, want %q", email, got, want)
		}
	}
}
