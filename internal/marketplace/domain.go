package marketplace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	MembershipFree      = "free"
	MembershipVisionary = "visionary"

	ListingActive    = "active"
	ListingSold      = "sold"
	ListingCancelled = "cancelled"

	// A single visualization may change hands at most this many times in
	// a trailing TransferWindow.
	TransferLimit  = 3
	TransferWindow = 24 * time.Hour

	MembershipTerm = 30 * 24 * time.Hour

	MaxPriceCents = int64(1_000_000_00) // $1M cap on a single listing
	MaxTitleLen   = 120
)

var (
	ErrVisionaryRequired    = errors.New("visionary membership required")
	ErrOwnListing           = errors.New("cannot purchase your own listing")
	ErrNotFound             = errors.New("not found")
	ErrListingNotActive     = errors.New("listing is not active")
	ErrAlreadyListed        = errors.New("visualization already has an active listing")
	ErrInvalidPrice         = errors.New("price must be between 0 and the listing cap")
	ErrTransferRateLimited  = errors.New("transfer rate limit reached")
	ErrDuplicateIdempotency = errors.New("duplicate idempotency key")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrPaymentNotFound      = errors.New("no paid checkout session found")
	ErrTxConflict           = errors.New("transaction conflict, retry")
)

type Profile struct {
	UserID              string    `json:"user_id"`
	Email               string    `json:"email"`
	Username            string    `json:"username"`
	Membership          string    `json:"membership"`
	MembershipExpiresAt time.Time `json:"membership_expires_at"`
	CreatedAt           time.Time `json:"created_at"`
}

// Visionary reports whether the profile currently has a paid membership.
func (p Profile) Visionary(now time.Time) bool {
	return p.Membership == MembershipVisionary && p.MembershipExpiresAt.After(now)
}

type Visualization struct {
	ID          string    `json:"id"`
	OwnerUserID string    `json:"owner_user_id"`
	Title       string    `json:"title"`
	ImagePath   string    `json:"image_path"`
	GamePGN     string    `json:"game_pgn,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type Listing struct {
	ID              string    `json:"id"`
	VisualizationID string    `json:"visualization_id"`
	SellerID        string    `json:"seller_id"`
	BuyerID         string    `json:"buyer_id,omitempty"`
	PriceCents      int64     `json:"price_cents"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	SoldAt          time.Time `json:"sold_at,omitempty"`
}

type Transfer struct {
	ID              int64     `json:"id"`
	VisualizationID string    `json:"visualization_id"`
	ListingID       string    `json:"listing_id"`
	FromUserID      string    `json:"from_user_id"`
	ToUserID        string    `json:"to_user_id"`
	PriceCents      int64     `json:"price_cents"`
	TransferredAt   time.Time `json:"transferred_at"`
}

type CreateVisualizationInput struct {
	OwnerUserID string
	Title       string
	ImagePath   string
	GamePGN     string
}

type CreateListingInput struct {
	SellerID        string
	VisualizationID string
	PriceCents      int64
	IdempotencyKey  string
}

type PurchaseInput struct {
	BuyerID        string
	ListingID      string
	IdempotencyKey string
}

// PurchaseResult covers both purchase paths: a free transfer reports
// Success/Message/VisualizationID, a paid one reports the checkout URL.
type PurchaseResult struct {
	Success         bool   `json:"success"`
	Message         string `json:"message,omitempty"`
	VisualizationID string `json:"visualization_id,omitempty"`
	CheckoutURL     string `json:"url,omitempty"`
}

type Dashboard struct {
	Profile         Profile         `json:"profile"`
	Visualizations  []Visualization `json:"visualizations"`
	OpenListings    []Listing       `json:"open_listings"`
	RecentTransfers []Transfer      `json:"recent_transfers"`
}

func ValidatePriceCents(cents int64) error {
	if cents < 0 || cents > MaxPriceCents {
		return ErrInvalidPrice
	}
	return nil
}

func ValidateTitle(title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return fmt.Errorf("title is required")
	}
	if len(title) > MaxTitleLen {
		return fmt.Errorf("title too long (max %d chars)", MaxTitleLen)
	}
	return nil
}

func usernameFromEmail(email string) string {
	email = strings.TrimSpace(strings.ToLower(email))
	at := strings.IndexByte(email, '@')
	if at <= 0 {
		return "collector"
	}
	return sanitizeUsername(email[:at])
}

func sanitizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	res := strings.Trim(string(out), "_")
	if len(res) < 3 {
		res = "collector_" + res
	}
	if len(res) > 24 {
		res = res[:24]
	}
	return res
}
