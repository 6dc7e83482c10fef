package marketplace

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu             sync.RWMutex
	profiles       map[string]Profile
	visualizations map[string]Visualization
	listings       map[string]Listing
	transfers      []Transfer
	idempotency    map[string]string // userID+"\x00"+key -> action
	nextTransferID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:       make(map[string]Profile),
		visualizations: make(map[string]Visualization),
		listings:       make(map[string]Listing),
		idempotency:    make(map[string]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) UpsertProfile(ctx context.Context, p Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[p.UserID]; ok {
		return nil
	}
	s.profiles[p.UserID] = p
	return nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemoryStore) SetMembership(ctx context.Context, userID, membership string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.Membership = membership
	p.MembershipExpiresAt = expiresAt
	s.profiles[userID] = p
	return nil
}

func (s *MemoryStore) CreateVisualization(ctx context.Context, v Visualization) (Visualization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.ID = uuid.NewString()
	s.visualizations[v.ID] = v
	return v, nil
}

func (s *MemoryStore) GetVisualization(ctx context.Context, id string) (Visualization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.visualizations[id]
	if !ok {
		return Visualization{}, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) ListVisualizationsByOwner(ctx context.Context, userID string) ([]Visualization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Visualization
	for _, v := range s.visualizations {
		if v.OwnerUserID == userID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateListing(ctx context.Context, l Listing) (Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = uuid.NewString()
	s.listings[l.ID] = l
	return l, nil
}

func (s *MemoryStore) GetListing(ctx context.Context, id string) (Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (s *MemoryStore) HasActiveListing(ctx context.Context, visualizationID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.listings {
		if l.VisualizationID == visualizationID && l.Status == ListingActive {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ListActiveListings(ctx context.Context, limit int) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listing
	for _, l := range s.listings {
		if l.Status == ListingActive {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListListingsBySeller(ctx context.Context, sellerID string) ([]Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Listing
	for _, l := range s.listings {
		if l.SellerID == sellerID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CancelListing(ctx context.Context, listingID, sellerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[listingID]
	if !ok || l.SellerID != sellerID || l.Status != ListingActive {
		return ErrListingNotActive
	}
	l.Status = ListingCancelled
	s.listings[listingID] = l
	return nil
}

func (s *MemoryStore) ExpireListings(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, l := range s.listings {
		if l.Status == ListingActive && l.CreatedAt.Before(olderThan) {
			l.Status = ListingCancelled
			s.listings[id] = l
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountTransfersSince(ctx context.Context, visualizationID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.transfers {
		if t.VisualizationID == visualizationID && !t.TransferredAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListTransfersByUser(ctx context.Context, userID string, limit int) ([]Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Transfer
	for i := len(s.transfers) - 1; i >= 0 && len(out) < limit; i-- {
		t := s.transfers[i]
		if t.FromUserID == userID || t.ToUserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimIdempotency(ctx context.Context, userID, key, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := userID + "\x00" + key
	if _, ok := s.idempotency[k]; ok {
		return ErrDuplicateIdempotency
	}
	s.idempotency[k] = action
	return nil
}

func (s *MemoryStore) FinalizeTransfer(ctx context.Context, in TransferInput) error {
	if in.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	claim := in.ToUserID + "\x00" + in.IdempotencyKey
	if _, ok := s.idempotency[claim]; ok {
		return ErrDuplicateIdempotency
	}
	l, ok := s.listings[in.ListingID]
	if !ok {
		return ErrNotFound
	}
	if l.Status != ListingActive {
		return ErrListingNotActive
	}
	v, ok := s.visualizations[in.VisualizationID]
	if !ok || v.OwnerUserID != in.FromUserID {
		return ErrListingNotActive
	}
	now := time.Now().UTC()
	s.idempotency[claim] = in.IdempotencyAction
	v.OwnerUserID = in.ToUserID
	s.visualizations[v.ID] = v
	l.Status = ListingSold
	l.BuyerID = in.ToUserID
	l.SoldAt = now
	s.listings[l.ID] = l
	s.nextTransferID++
	s.transfers = append(s.transfers, Transfer{
		ID:              s.nextTransferID,
		VisualizationID: in.VisualizationID,
		ListingID:       in.ListingID,
		FromUserID:      in.FromUserID,
		ToUserID:        in.ToUserID,
		PriceCents:      in.PriceCents,
		TransferredAt:   now,
	})
	return nil
}

// Transfers returns a copy of the audit log. Tests only.
func (s *MemoryStore) Transfers() []Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Transfer, len(s.transfers))
	copy(out, s.transfers)
	return out
}

// FakePayments is a PaymentProvider stub. Tests only.
type FakePayments struct {
	mu               sync.Mutex
	CheckoutURL      string
	Sessions         []CheckoutSession
	CheckoutsCreated []string // listing ids
}

var _ PaymentProvider = (*FakePayments)(nil)

func (f *FakePayments) CreatePurchaseCheckout(ctx context.Context, l Listing, buyerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckoutsCreated = append(f.CheckoutsCreated, l.ID)
	if f.CheckoutURL == "" {
		return "https://checkout.test/session", nil
	}
	return f.CheckoutURL, nil
}

func (f *FakePayments) FindPaidPurchase(ctx context.Context, listingID string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Sessions {
		if s.ListingID == listingID && s.Paid {
			return s, nil
		}
	}
	return CheckoutSession{}, ErrPaymentNotFound
}

func (f *FakePayments) CreateSubscriptionCheckout(ctx context.Context, userID string) (string, error) {
	return "https://checkout.test/subscribe", nil
}

func (f *FakePayments) FindPaidSubscription(ctx context.Context, userID string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.Sessions {
		if s.UserID == userID && s.Paid {
			return s, nil
		}
	}
	return CheckoutSession{}, ErrPaymentNotFound
}
