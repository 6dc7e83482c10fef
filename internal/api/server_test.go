package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"chessvault/internal/auth"
	"chessvault/internal/market"
	"chessvault/internal/marketplace"
)

// stubAuth accepts any token of the form "token-<user id>".
type stubAuth struct{}

func (stubAuth) SignUp(ctx context.Context, email, password string) (auth.Session, error) {
	return auth.Session{
		AccessToken: "token-new-user",
		User:        auth.User{ID: "new-user", Email: email},
	}, nil
}

func (stubAuth) Login(ctx context.Context, email, password string) (auth.Session, error) {
	return auth.Session{
		AccessToken: "token-new-user",
		User:        auth.User{ID: "new-user", Email: email},
	}, nil
}

func (stubAuth) VerifyAccessToken(ctx context.Context, token string) (auth.User, error) {
	if len(token) <= len("token-") || token[:len("token-")] != "token-" {
		return auth.User{}, fmt.Errorf("bad token")
	}
	id := token[len("token-"):]
	return auth.User{ID: id, Email: id + "@test.local"}, nil
}

type stubSignals struct{}

func (stubSignals) Snapshots(ctx context.Context) ([]market.Snapshot, error) {
	return []market.Snapshot{{Code: "GAMBIT", Direction: market.DirectionUp, Confidence: 71.5, Synthetic: true}}, nil
}

func (stubSignals) Snapshot(ctx context.Context, code string) (market.Snapshot, error) {
	if code != "GAMBIT" {
		return market.Snapshot{}, market.ErrUnknownSymbol
	}
	return market.Snapshot{Code: "GAMBIT", Direction: market.DirectionUp, Confidence: 71.5, Synthetic: true}, nil
}

func (stubSignals) Regime(ctx context.Context) (string, error) {
	return market.RegimeNeutral, nil
}

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv      *Server
	store    *marketplace.MemoryStore
	payments *marketplace.FakePayments
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := marketplace.NewMemoryStore()
	payments := &marketplace.FakePayments{}
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	svc := marketplace.NewService(store, payments, nil, logger)
	svc.SetClock(func() time.Time { return testNow })
	srv := New(logger, stubAuth{}, svc, stubSignals{})
	return fixture{srv: srv, store: store, payments: payments}
}

func (f fixture) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer token-"+userID)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) seedUser(t *testing.T, userID string, visionary bool) {
	t.Helper()
	ctx := context.Background()
	p := marketplace.Profile{
		UserID:     userID,
		Email:      userID + "@test.local",
		Username:   userID,
		Membership: marketplace.MembershipFree,
		CreatedAt:  testNow,
	}
	if err := f.store.UpsertProfile(ctx, p); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	if visionary {
		if err := f.store.SetMembership(ctx, userID, marketplace.MembershipVisionary, testNow.Add(24*time.Hour)); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
}

func (f fixture) seedListing(t *testing.T, sellerID string, priceCents int64) marketplace.Listing {
	t.Helper()
	ctx := context.Background()
	viz, err := f.store.CreateVisualization(ctx, marketplace.Visualization{
		OwnerUserID: sellerID,
		Title:       "Immortal Game",
		ImagePath:   "vault/immortal.png",
		CreatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("seed visualization: %v", err)
	}
	l, err := f.store.CreateListing(ctx, marketplace.Listing{
		VisualizationID: viz.ID,
		SellerID:        sellerID,
		PriceCents:      priceCents,
		Status:          marketplace.ListingActive,
		CreatedAt:       testNow,
	})
	if err != nil {
		t.Fatalf("seed listing: %v", err)
	}
	return l
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/dashboard", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got %d want 401", rec.Code)
	}
}

func TestPurchaseWithoutMembershipIs403(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", true)
	f.seedUser(t, "buyer", false)
	l := f.seedListing(t, "seller", 0)

	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got %d want 403: %s", rec.Code, rec.Body.String())
	}
	if got := len(f.store.Transfers()); got != 0 {
		t.Fatalf("rejected purchase must not write transfers, got %d", got)
	}
}

func TestPurchaseOwnListingIs400(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", true)
	l := f.seedListing(t, "seller", 0)

	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "seller", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestFreePurchaseFlow(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", true)
	f.seedUser(t, "buyer", true)
	l := f.seedListing(t, "seller", 0)

	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var out marketplace.PurchaseResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success || out.CheckoutURL != "" {
		t.Fatalf("free purchase should succeed without a checkout URL: %+v", out)
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("want 1 transfer, got %d", got)
	}
}

func TestPaidPurchaseReturnsCheckoutURL(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", true)
	f.seedUser(t, "buyer", true)
	l := f.seedListing(t, "seller", 25_00)

	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var out marketplace.PurchaseResult
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Success || out.CheckoutURL == "" {
		t.Fatalf("paid purchase should only hand back a URL: %+v", out)
	}
	if got := len(f.store.Transfers()); got != 0 {
		t.Fatalf("paid purchase must not transfer yet, got %d", got)
	}

	// No paid session yet, so completion is a payment error.
	rec = f.do(t, http.MethodPost, "/v1/marketplace/purchase/complete", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("got %d want 402: %s", rec.Code, rec.Body.String())
	}

	f.payments.Sessions = append(f.payments.Sessions, marketplace.CheckoutSession{
		ID:        "cs_test_1",
		ListingID: l.ID,
		BuyerID:   "buyer",
		Paid:      true,
	})
	rec = f.do(t, http.MethodPost, "/v1/marketplace/purchase/complete", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("want 1 transfer after completion, got %d", got)
	}

	// Completing again is idempotent for the same buyer.
	rec = f.do(t, http.MethodPost, "/v1/marketplace/purchase/complete", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat completion got %d: %s", rec.Code, rec.Body.String())
	}
	if got := len(f.store.Transfers()); got != 1 {
		t.Fatalf("repeat completion must not duplicate transfers, got %d", got)
	}
}

func TestTransferRateLimitIs429(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", true)
	f.seedUser(t, "buyer", true)
	l := f.seedListing(t, "seller", 0)

	ctx := context.Background()
	owner := "seller"
	for i := 0; i < marketplace.TransferLimit; i++ {
		next := fmt.Sprintf("hop%d", i)
		err := f.store.FinalizeTransfer(ctx, marketplace.TransferInput{
			ListingID:       l.ID,
			VisualizationID: l.VisualizationID,
			FromUserID:      owner,
			ToUserID:        next,
			IdempotencyKey:  fmt.Sprintf("seed-hop-%d", i),
		})
		if err != nil {
			t.Fatalf("seed transfer %d: %v", i, err)
		}
		owner = next
		// Relist from the new owner so the listing is active again.
		l, err = f.store.CreateListing(ctx, marketplace.Listing{
			VisualizationID: l.VisualizationID,
			SellerID:        owner,
			Status:          marketplace.ListingActive,
			CreatedAt:       testNow,
		})
		if err != nil {
			t.Fatalf("relist: %v", err)
		}
	}

	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "buyer", map[string]any{"listing_id": l.ID})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("got %d want 429: %s", rec.Code, rec.Body.String())
	}
}

func TestListingCreateRequiresMembership(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "seller", false)
	ctx := context.Background()
	viz, err := f.store.CreateVisualization(ctx, marketplace.Visualization{
		OwnerUserID: "seller",
		Title:       "Opera Game",
		ImagePath:   "vault/opera.png",
		CreatedAt:   testNow,
	})
	if err != nil {
		t.Fatalf("seed viz: %v", err)
	}

	rec := f.do(t, http.MethodPost, "/v1/marketplace/listings", "seller", map[string]any{
		"visualization_id": viz.ID,
		"price_cents":      10_00,
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("got %d want 403: %s", rec.Code, rec.Body.String())
	}
}

func TestSignalsAlwaysSynthetic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/signals", "anyone", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var out struct {
		Synthetic bool `json:"synthetic"`
		Signals   []struct {
			Synthetic bool `json:"synthetic"`
		} `json:"signals"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Synthetic {
		t.Fatal("signals payload must be marked synthetic")
	}
	for _, s := range out.Signals {
		if !s.Synthetic {
			t.Fatal("every snapshot must be marked synthetic")
		}
	}

	rec = f.do(t, http.MethodGet, "/v1/signals/NOSUCH", "anyone", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown symbol got %d want 404", rec.Code)
	}
}

func TestSyncReplayAcknowledgesCommands(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/sync/replay", "collector", map[string]any{
		"commands": []map[string]any{
			{"method": "POST", "path": "/v1/marketplace/purchase", "idempotency_key": "k1"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d: %s", rec.Code, rec.Body.String())
	}
	var out struct {
		Results []map[string]any `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Results) != 1 {
		t.Fatalf("want 1 result, got %d", len(out.Results))
	}
	if got := out.Results[0]["status"]; got != "queued_for_cli_replay" {
		t.Fatalf("unexpected status %v", got)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newFixture(t)
	f.seedUser(t, "buyer", true)
	rec := f.do(t, http.MethodPost, "/v1/marketplace/purchase", "buyer", map[string]any{
		"listing_id": "x",
		"extra":      true,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got %d want 400", rec.Code)
	}
}
