package marketplace

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (s *PostgresStore) UpsertProfile(ctx context.Context, p Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users.profiles (user_id, email, username, membership, membership_expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, p.UserID, p.Email, p.Username, p.Membership, p.MembershipExpiresAt, p.CreatedAt)
	return err
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx, `
		SELECT user_id, email, username, membership, COALESCE(membership_expires_at, 'epoch'::timestamptz), created_at
		FROM users.profiles
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.Email, &p.Username, &p.Membership, &p.MembershipExpiresAt, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) SetMembership(ctx context.Context, userID, membership string, expiresAt time.Time) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE users.profiles
		SET membership = $1, membership_expires_at = $2
		WHERE user_id = $3
	`, membership, expiresAt, userID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreateVisualization(ctx context.Context, v Visualization) (Visualization, error) {
	v.ID = uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO vault.saved_visualizations (id, owner_user_id, title, image_path, game_pgn, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.OwnerUserID, v.Title, v.ImagePath, v.GamePGN, v.CreatedAt)
	return v, err
}

func (s *PostgresStore) GetVisualization(ctx context.Context, id string) (Visualization, error) {
	var v Visualization
	err := s.db.QueryRow(ctx, `
		SELECT id, owner_user_id, title, image_path, COALESCE(game_pgn, ''), created_at
		FROM vault.saved_visualizations
		WHERE id = $1
	`, id).Scan(&v.ID, &v.OwnerUserID, &v.Title, &v.ImagePath, &v.GamePGN, &v.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return v, ErrNotFound
	}
	return v, err
}

func (s *PostgresStore) ListVisualizationsByOwner(ctx context.Context, userID string) ([]Visualization, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, owner_user_id, title, image_path, COALESCE(game_pgn, ''), created_at
		FROM vault.saved_visualizations
		WHERE owner_user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Visualization
	for rows.Next() {
		var v Visualization
		if err := rows.Scan(&v.ID, &v.OwnerUserID, &v.Title, &v.ImagePath, &v.GamePGN, &v.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateListing(ctx context.Context, l Listing) (Listing, error) {
	l.ID = uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO vault.visualization_listings (id, visualization_id, seller_id, price_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, l.ID, l.VisualizationID, l.SellerID, l.PriceCents, l.Status, l.CreatedAt)
	return l, err
}

func (s *PostgresStore) GetListing(ctx context.Context, id string) (Listing, error) {
	var l Listing
	err := s.db.QueryRow(ctx, `
		SELECT id, visualization_id, seller_id, COALESCE(buyer_id, ''), price_cents, status, created_at, COALESCE(sold_at, 'epoch'::timestamptz)
		FROM vault.visualization_listings
		WHERE id = $1
	`, id).Scan(&l.ID, &l.VisualizationID, &l.SellerID, &l.BuyerID, &l.PriceCents, &l.Status, &l.CreatedAt, &l.SoldAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, ErrNotFound
	}
	return l, err
}

func (s *PostgresStore) HasActiveListing(ctx context.Context, visualizationID string) (bool, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM vault.visualization_listings
		WHERE visualization_id = $1 AND status = 'active'
	`, visualizationID).Scan(&n)
	return n > 0, err
}

func (s *PostgresStore) ListActiveListings(ctx context.Context, limit int) ([]Listing, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, visualization_id, seller_id, COALESCE(buyer_id, ''), price_cents, status, created_at, COALESCE(sold_at, 'epoch'::timestamptz)
		FROM vault.visualization_listings
		WHERE status = 'active'
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

func (s *PostgresStore) ListListingsBySeller(ctx context.Context, sellerID string) ([]Listing, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, visualization_id, seller_id, COALESCE(buyer_id, ''), price_cents, status, created_at, COALESCE(sold_at, 'epoch'::timestamptz)
		FROM vault.visualization_listings
		WHERE seller_id = $1
		ORDER BY created_at DESC
	`, sellerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanListings(rows)
}

func scanListings(rows pgx.Rows) ([]Listing, error) {
	var out []Listing
	for rows.Next() {
		var l Listing
		if err := rows.Scan(&l.ID, &l.VisualizationID, &l.SellerID, &l.BuyerID, &l.PriceCents, &l.Status, &l.CreatedAt, &l.SoldAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelListing(ctx context.Context, listingID, sellerID string) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE vault.visualization_listings
		SET status = 'cancelled'
		WHERE id = $1 AND seller_id = $2 AND status = 'active'
	`, listingID, sellerID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrListingNotActive
	}
	return nil
}

func (s *PostgresStore) ExpireListings(ctx context.Context, olderThan time.Time) (int64, error) {
	cmd, err := s.db.Exec(ctx, `
		UPDATE vault.visualization_listings
		SET status = 'cancelled'
		WHERE status = 'active' AND created_at < $1
	`, olderThan)
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func (s *PostgresStore) CountTransfersSince(ctx context.Context, visualizationID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM vault.visualization_transfers
		WHERE visualization_id = $1 AND transferred_at >= $2
	`, visualizationID, since).Scan(&n)
	return n, err
}

func (s *PostgresStore) ListTransfersByUser(ctx context.Context, userID string, limit int) ([]Transfer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, visualization_id, listing_id, from_user_id, to_user_id, price_cents, transferred_at
		FROM vault.visualization_transfers
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY transferred_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Transfer
	for rows.Next() {
		var t Transfer
		if err := rows.Scan(&t.ID, &t.VisualizationID, &t.ListingID, &t.FromUserID, &t.ToUserID, &t.PriceCents, &t.TransferredAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ClaimIdempotency(ctx context.Context, userID, key, action string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("idempotency key is required")
	}
	cmd, err := s.db.Exec(ctx, `
		INSERT INTO vault.idempotency_keys (user_id, key, action, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (user_id, key) DO NOTHING
	`, userID, key, action)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrDuplicateIdempotency
	}
	return nil
}

// FinalizeTransfer retries on serialization failures; every attempt holds
// the listing and the visualization rows for update before mutating either.
// The idempotency claim is the first statement of the transaction, so a
// rolled-back attempt never leaves the key claimed.
func (s *PostgresStore) FinalizeTransfer(ctx context.Context, in TransferInput) error {
	if strings.TrimSpace(in.IdempotencyKey) == "" {
		return errors.New("idempotency key is required")
	}
	const maxAttempts = 8
	retryDelay := 75 * time.Millisecond
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return err
		}
		err = func() error {
			defer tx.Rollback(ctx)

			claim, err := tx.Exec(ctx, `
				INSERT INTO vault.idempotency_keys (user_id, key, action, created_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (user_id, key) DO NOTHING
			`, in.ToUserID, in.IdempotencyKey, in.IdempotencyAction)
			if err != nil {
				return err
			}
			if claim.RowsAffected() == 0 {
				return ErrDuplicateIdempotency
			}

			var status string
			if err := tx.QueryRow(ctx, `
				SELECT status
				FROM vault.visualization_listings
				WHERE id = $1
				FOR UPDATE
			`, in.ListingID).Scan(&status); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}
			if status != ListingActive {
				return ErrListingNotActive
			}

			cmd, err := tx.Exec(ctx, `
				UPDATE vault.saved_visualizations
				SET owner_user_id = $1
				WHERE id = $2 AND owner_user_id = $3
			`, in.ToUserID, in.VisualizationID, in.FromUserID)
			if err != nil {
				return err
			}
			if cmd.RowsAffected() == 0 {
				return ErrListingNotActive
			}

			if _, err := tx.Exec(ctx, `
				UPDATE vault.visualization_listings
				SET status = 'sold', buyer_id = $1, sold_at = now()
				WHERE id = $2
			`, in.ToUserID, in.ListingID); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO vault.visualization_transfers
				    (visualization_id, listing_id, from_user_id, to_user_id, price_cents, transferred_at)
				VALUES ($1, $2, $3, $4, $5, now())
			`, in.VisualizationID, in.ListingID, in.FromUserID, in.ToUserID, in.PriceCents); err != nil {
				return err
			}
			return tx.Commit(ctx)
		}()
		if err == nil {
			return nil
		}
		if !isSerializationError(err) {
			return err
		}
		if attempt == maxAttempts-1 {
			return ErrTxConflict
		}
		if err := sleepWithContext(ctx, retryDelay); err != nil {
			return err
		}
		if retryDelay < 1200*time.Millisecond {
			retryDelay *= 2
		}
	}
	return ErrTxConflict
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "40001"
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
