package marketplace

import (
	"context"
	"time"
)

// Store is the persistence boundary for marketplace state. The Postgres
// implementation lives in store_postgres.go; tests use the MemoryStore in
// testing.go.
type Store interface {
	UpsertProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, userID string) (Profile, error)
	SetMembership(ctx context.Context, userID, membership string, expiresAt time.Time) error

	CreateVisualization(ctx context.Context, v Visualization) (Visualization, error)
	GetVisualization(ctx context.Context, id string) (Visualization, error)
	ListVisualizationsByOwner(ctx context.Context, userID string) ([]Visualization, error)

	CreateListing(ctx context.Context, l Listing) (Listing, error)
	GetListing(ctx context.Context, id string) (Listing, error)
	HasActiveListing(ctx context.Context, visualizationID string) (bool, error)
	ListActiveListings(ctx context.Context, limit int) ([]Listing, error)
	ListListingsBySeller(ctx context.Context, sellerID string) ([]Listing, error)
	CancelListing(ctx context.Context, listingID, sellerID string) error
	ExpireListings(ctx context.Context, olderThan time.Time) (int64, error)

	CountTransfersSince(ctx context.Context, visualizationID string, since time.Time) (int, error)
	ListTransfersByUser(ctx context.Context, userID string, limit int) ([]Transfer, error)

	ClaimIdempotency(ctx context.Context, userID, key, action string) error

	// FinalizeTransfer atomically claims the buyer's idempotency key,
	// moves ownership, closes the listing (active -> sold) and appends the
	// audit row, in that order. The claim lives inside the same
	// transaction: a failed attempt rolls it back, so the caller can retry
	// with the same key. Fails with ErrListingNotActive if the listing was
	// already closed.
	FinalizeTransfer(ctx context.Context, in TransferInput) error
}

type TransferInput struct {
	ListingID       string
	VisualizationID string
	FromUserID      string
	ToUserID        string
	PriceCents      int64

	// Claimed under ToUserID as part of the transfer transaction.
	IdempotencyKey    string
	IdempotencyAction string
}

// CheckoutSession is the slice of a payment-provider session this service
// cares about.
type CheckoutSession struct {
	ID          string
	ListingID   string
	BuyerID     string
	UserID      string
	Paid        bool
	AmountCents int64
}

// PaymentProvider abstracts Stripe Checkout. The real implementation is
// internal/billing; tests use a fake.
type PaymentProvider interface {
	CreatePurchaseCheckout(ctx context.Context, l Listing, buyerID string) (string, error)
	FindPaidPurchase(ctx context.Context, listingID string) (CheckoutSession, error)
	CreateSubscriptionCheckout(ctx context.Context, userID string) (string, error)
	FindPaidSubscription(ctx context.Context, userID string) (CheckoutSession, error)
}

// Notifier announces completed sales somewhere visible (Discord, in the
// shipped configuration). Implementations must tolerate being nil-checked
// by the service rather than panicking on nil receivers.
type Notifier interface {
	AnnounceSale(ctx context.Context, l Listing, buyerID string)
}
