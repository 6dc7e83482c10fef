package marketplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chessvault/internal/metrics"
)

type Service struct {
	store    Store
	payments PaymentProvider
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

func NewService(store Store, payments PaymentProvider, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		payments: payments,
		notifier: notifier,
		log:      logger,
		now:      time.Now,
	}
}

// SetClock overrides the service clock. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) EnsureProfile(ctx context.Context, userID, email, username string) error {
	if strings.TrimSpace(username) == "" {
		username = usernameFromEmail(email)
	} else {
		username = sanitizeUsername(username)
	}
	return s.store.UpsertProfile(ctx, Profile{
		UserID:     userID,
		Email:      email,
		Username:   username,
		Membership: MembershipFree,
		CreatedAt:  s.now().UTC(),
	})
}

func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	return s.store.GetProfile(ctx, userID)
}

func (s *Service) CreateVisualization(ctx context.Context, in CreateVisualizationInput) (Visualization, error) {
	if err := ValidateTitle(in.Title); err != nil {
		return Visualization{}, err
	}
	if strings.TrimSpace(in.ImagePath) == "" {
		return Visualization{}, fmt.Errorf("image path is required")
	}
	return s.store.CreateVisualization(ctx, Visualization{
		OwnerUserID: in.OwnerUserID,
		Title:       strings.TrimSpace(in.Title),
		ImagePath:   strings.TrimSpace(in.ImagePath),
		GamePGN:     strings.TrimSpace(in.GamePGN),
		CreatedAt:   s.now().UTC(),
	})
}

func (s *Service) ListVisualizations(ctx context.Context, userID string) ([]Visualization, error) {
	return s.store.ListVisualizationsByOwner(ctx, userID)
}

func (s *Service) ActiveListings(ctx context.Context, limit int) ([]Listing, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	return s.store.ListActiveListings(ctx, limit)
}

func (s *Service) CreateListing(ctx context.Context, in CreateListingInput) (Listing, error) {
	if err := s.requireVisionary(ctx, in.SellerID); err != nil {
		return Listing{}, err
	}
	if err := ValidatePriceCents(in.PriceCents); err != nil {
		return Listing{}, err
	}
	viz, err := s.store.GetVisualization(ctx, in.VisualizationID)
	if err != nil {
		return Listing{}, err
	}
	if viz.OwnerUserID != in.SellerID {
		return Listing{}, ErrUnauthorized
	}
	listed, err := s.store.HasActiveListing(ctx, viz.ID)
	if err != nil {
		return Listing{}, err
	}
	if listed {
		return Listing{}, ErrAlreadyListed
	}
	if err := s.store.ClaimIdempotency(ctx, in.SellerID, in.IdempotencyKey, "create_listing"); err != nil {
		return Listing{}, err
	}
	return s.store.CreateListing(ctx, Listing{
		VisualizationID: viz.ID,
		SellerID:        in.SellerID,
		PriceCents:      in.PriceCents,
		Status:          ListingActive,
		CreatedAt:       s.now().UTC(),
	})
}

func (s *Service) CancelListing(ctx context.Context, listingID, sellerID string) error {
	return s.store.CancelListing(ctx, listingID, sellerID)
}

// Purchase runs the marketplace-purchase flow. A free listing transfers
// immediately; a priced one only yields a checkout URL and mutates nothing.
// Every rejection happens before any database write.
func (s *Service) Purchase(ctx context.Context, in PurchaseInput) (PurchaseResult, error) {
	var out PurchaseResult
	if err := s.requireVisionary(ctx, in.BuyerID); err != nil {
		return out, err
	}
	listing, err := s.store.GetListing(ctx, in.ListingID)
	if err != nil {
		return out, err
	}
	if listing.Status != ListingActive {
		return out, ErrListingNotActive
	}
	if listing.SellerID == in.BuyerID {
		return out, ErrOwnListing
	}
	now := s.now().UTC()
	used, err := s.store.CountTransfersSince(ctx, listing.VisualizationID, now.Add(-TransferWindow))
	if err != nil {
		return out, err
	}
	if used >= TransferLimit {
		return out, fmt.Errorf("%w: %d of %d moves used in the last 24h", ErrTransferRateLimited, used, TransferLimit)
	}

	if listing.PriceCents == 0 {
		if err := s.store.FinalizeTransfer(ctx, TransferInput{
			ListingID:         listing.ID,
			VisualizationID:   listing.VisualizationID,
			FromUserID:        listing.SellerID,
			ToUserID:          in.BuyerID,
			PriceCents:        0,
			IdempotencyKey:    in.IdempotencyKey,
			IdempotencyAction: "purchase",
		}); err != nil {
			return out, err
		}
		metrics.PurchasesCompleted.Inc()
		s.announce(ctx, listing, in.BuyerID)
		out.Success = true
		out.Message = "visualization transferred"
		out.VisualizationID = listing.VisualizationID
		return out, nil
	}

	url, err := s.payments.CreatePurchaseCheckout(ctx, listing, in.BuyerID)
	if err != nil {
		return out, fmt.Errorf("create checkout: %w", err)
	}
	metrics.CheckoutsCreated.Inc()
	out.CheckoutURL = url
	return out, nil
}

// CompletePurchase finalizes a paid transfer once a matching paid checkout
// session exists. Re-running it for a listing already sold to the same buyer
// returns the same success response.
func (s *Service) CompletePurchase(ctx context.Context, buyerID, listingID string) (PurchaseResult, error) {
	var out PurchaseResult
	listing, err := s.store.GetListing(ctx, listingID)
	if err != nil {
		return out, err
	}
	if listing.Status == ListingSold {
		if listing.BuyerID != buyerID {
			return out, ErrUnauthorized
		}
		out.Success = true
		out.Message = "visualization transferred"
		out.VisualizationID = listing.VisualizationID
		return out, nil
	}
	if listing.Status != ListingActive {
		return out, ErrListingNotActive
	}

	sess, err := s.payments.FindPaidPurchase(ctx, listing.ID)
	if err != nil {
		return out, err
	}
	if !sess.Paid {
		return out, ErrPaymentNotFound
	}
	if sess.BuyerID != buyerID {
		return out, ErrUnauthorized
	}
	if err := s.store.FinalizeTransfer(ctx, TransferInput{
		ListingID:         listing.ID,
		VisualizationID:   listing.VisualizationID,
		FromUserID:        listing.SellerID,
		ToUserID:          buyerID,
		PriceCents:        listing.PriceCents,
		IdempotencyKey:    "stripe:" + sess.ID,
		IdempotencyAction: "complete_purchase",
	}); err != nil {
		return out, err
	}
	metrics.PurchasesCompleted.Inc()
	s.announce(ctx, listing, buyerID)
	out.Success = true
	out.Message = "visualization transferred"
	out.VisualizationID = listing.VisualizationID
	return out, nil
}

func (s *Service) StartSubscription(ctx context.Context, userID string) (string, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	if profile.Visionary(s.now().UTC()) {
		return "", fmt.Errorf("membership already active until %s", profile.MembershipExpiresAt.Format(time.RFC3339))
	}
	return s.payments.CreateSubscriptionCheckout(ctx, userID)
}

// ConfirmSubscription flips the caller to visionary once a paid subscription
// session exists. Idempotent: confirming twice keeps the same expiry.
func (s *Service) ConfirmSubscription(ctx context.Context, userID string) (Profile, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	now := s.now().UTC()
	if profile.Visionary(now) {
		return profile, nil
	}
	sess, err := s.payments.FindPaidSubscription(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !sess.Paid || sess.UserID != userID {
		return Profile{}, ErrPaymentNotFound
	}
	expires := now.Add(MembershipTerm)
	if err := s.store.SetMembership(ctx, userID, MembershipVisionary, expires); err != nil {
		return Profile{}, err
	}
	profile.Membership = MembershipVisionary
	profile.MembershipExpiresAt = expires
	return profile, nil
}

func (s *Service) Dashboard(ctx context.Context, userID string) (Dashboard, error) {
	var out Dashboard
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return out, err
	}
	out.Profile = profile
	if out.Visualizations, err = s.store.ListVisualizationsByOwner(ctx, userID); err != nil {
		return out, err
	}
	listings, err := s.store.ListListingsBySeller(ctx, userID)
	if err != nil {
		return out, err
	}
	for _, l := range listings {
		if l.Status == ListingActive {
			out.OpenListings = append(out.OpenListings, l)
		}
	}
	if out.RecentTransfers, err = s.store.ListTransfersByUser(ctx, userID, 20); err != nil {
		return out, err
	}
	return out, nil
}

// ExpireStaleListings cancels active listings created before the TTL cutoff.
// Called from the worker loop.
func (s *Service) ExpireStaleListings(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	n, err := s.store.ExpireListings(ctx, s.now().UTC().Add(-ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.ListingsExpired.Add(float64(n))
		s.log.Info("expired stale listings", "count", n)
	}
	return n, nil
}

// ReplaySync acknowledges commands the terminal client queued while
// offline. The client replays each one against its real endpoint using the
// recorded idempotency key; this endpoint just confirms receipt.
func (s *Service) ReplaySync(ctx context.Context, userID string, commands []map[string]any) ([]map[string]any, error) {
	results := make([]map[string]any, 0, len(commands))
	for _, cmd := range commands {
		method, _ := cmd["method"].(string)
		path, _ := cmd["path"].(string)
		idem, _ := cmd["idempotency_key"].(string)
		results = append(results, map[string]any{
			"method":          method,
			"path":            path,
			"idempotency_key": idem,
			"status":          "queued_for_cli_replay",
			"user_id":         userID,
		})
	}
	return results, nil
}

func (s *Service) requireVisionary(ctx context.Context, userID string) error {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrVisionaryRequired
		}
		return err
	}
	if !profile.Visionary(s.now().UTC()) {
		return ErrVisionaryRequired
	}
	return nil
}

func (s *Service) announce(ctx context.Context, l Listing, buyerID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.AnnounceSale(ctx, l, buyerID)
}
