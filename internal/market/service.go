package market

import (
	"context"
	"errors"
	"log/slog"
	mathrand "math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chessvault/internal/metrics"
)

var ErrUnknownSymbol = errors.New("unknown symbol")

// Service drives the synthetic demo market: the worker calls RunMarketTick
// on an interval and the read paths derive signal snapshots from whatever
// the tape currently says.
type Service struct {
	db  *pgxpool.Pool
	log *slog.Logger

	mu   sync.Mutex
	rand *mathrand.Rand
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	return &Service{
		db:   db,
		log:  logger,
		rand: mathrand.New(mathrand.NewSource(time.Now().UnixNano())),
	}
}

// Seed pins the walk for tests and demos.
func (s *Service) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rand = mathrand.New(mathrand.NewSource(seed))
}

func (s *Service) nextFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand.Float64()
}

// EnsureSeedSymbols inserts the default lineup on an empty deployment.
// Existing symbols are never touched.
func (s *Service) EnsureSeedSymbols(ctx context.Context) error {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM market.symbols`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, d := range defaultSymbols {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO market.symbols (code, display_name, price_cents, anchor_price_cents, updated_at)
			VALUES ($1, $2, $3, $3, now())
			ON CONFLICT (code) DO NOTHING
		`, d.Code, d.Name, d.Cents); err != nil {
			return err
		}
	}
	s.log.Info("seeded demo symbols", "count", len(defaultSymbols))
	return nil
}

// RunMarketTick advances every symbol one step and appends the new prices
// to the tape, all in one transaction so readers never see a half tick.
func (s *Service) RunMarketTick(ctx context.Context, volatility string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	params := dynamicsFor(volatility)
	regime, err := currentRegimeTx(ctx, tx)
	if err != nil {
		return err
	}
	if s.nextFloat() < params.RegimeSwitchProb {
		regime = randomRegime(s.nextFloat())
		if _, err := tx.Exec(ctx, `
			INSERT INTO market.state (singleton, regime, updated_at)
			VALUES (true, $1, now())
			ON CONFLICT (singleton) DO UPDATE SET regime = $1, updated_at = now()
		`, regime); err != nil {
			return err
		}
	}

	rows, err := tx.Query(ctx, `
		SELECT id, price_cents, anchor_price_cents
		FROM market.symbols
		FOR UPDATE
	`)
	if err != nil {
		return err
	}
	type row struct {
		id     int64
		price  int64
		anchor int64
	}
	var symbols []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.price, &r.anchor); err != nil {
			rows.Close()
			return err
		}
		symbols = append(symbols, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	const minPriceCents = int64(100)        // a dollar floor keeps the demo legible
	const maxPriceCents = int64(50_000_000) // half a million dollars
	for _, sym := range symbols {
		anchorRet := (0.30 * regimeDrift(regime)) + params.AnchorNoiseScale*normalish(s.nextFloat())
		if s.nextFloat() < params.ShockProb*0.20 {
			anchorRet += signedShock(s.nextFloat(), s.nextFloat(), params.ShockScale*0.40)
		}
		nextAnchor := evolvePrice(sym.anchor, anchorRet, params.MaxDropPerTick)
		if nextAnchor < minPriceCents {
			nextAnchor = minPriceCents
		}
		if nextAnchor > maxPriceCents {
			nextAnchor = maxPriceCents
		}

		ret := regimeDrift(regime) + params.NoiseScale*normalish(s.nextFloat()) + meanReversion(sym.price, sym.anchor, params.MeanReversion)
		if s.nextFloat() < params.ShockProb {
			ret += signedShock(s.nextFloat(), s.nextFloat(), params.ShockScale)
		}
		if s.nextFloat() < params.ExtremeShockProb {
			ret += signedShock(s.nextFloat(), s.nextFloat(), params.ExtremeShockScale)
		}

		next := evolvePrice(sym.price, ret, params.MaxDropPerTick)
		if next < minPriceCents {
			next = minPriceCents
		}
		if next > maxPriceCents {
			next = maxPriceCents
		}
		if _, err := tx.Exec(ctx, `
			UPDATE market.symbols
			SET price_cents = $1,
			    anchor_price_cents = $2,
			    updated_at = now()
			WHERE id = $3
		`, next, nextAnchor, sym.id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO market.ticks (symbol_id, tick_at, price_cents)
			VALUES ($1, now(), $2)
		`, sym.id, next); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	metrics.MarketTicks.Inc()
	return nil
}

func currentRegimeTx(ctx context.Context, tx pgx.Tx) (string, error) {
	var regime string
	err := tx.QueryRow(ctx, `SELECT regime FROM market.state WHERE singleton`).Scan(&regime)
	if errors.Is(err, pgx.ErrNoRows) {
		return RegimeNeutral, nil
	}
	if err != nil {
		return "", err
	}
	return regime, nil
}

func (s *Service) Regime(ctx context.Context) (string, error) {
	var regime string
	err := s.db.QueryRow(ctx, `SELECT regime FROM market.state WHERE singleton`).Scan(&regime)
	if errors.Is(err, pgx.ErrNoRows) {
		return RegimeNeutral, nil
	}
	if err != nil {
		return "", err
	}
	return regime, nil
}

func (s *Service) listSymbols(ctx context.Context) ([]Symbol, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, code, display_name, price_cents, anchor_price_cents, updated_at
		FROM market.symbols
		ORDER BY code
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Symbol
	for rows.Next() {
		var sym Symbol
		if err := rows.Scan(&sym.ID, &sym.Code, &sym.DisplayName, &sym.PriceCents, &sym.AnchorPriceCents, &sym.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *Service) recentSeries(ctx context.Context, symbolID int64, limit int) ([]PricePoint, error) {
	rows, err := s.db.Query(ctx, `
		SELECT tick_at, price_cents
		FROM market.ticks
		WHERE symbol_id = $1
		ORDER BY tick_at DESC
		LIMIT $2
	`, symbolID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PricePoint
	for rows.Next() {
		var p PricePoint
		if err := rows.Scan(&p.TickAt, &p.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first for the indicator math.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Snapshots computes one signal row per symbol, including pairwise
// correlations of recent returns.
func (s *Service) Snapshots(ctx context.Context) ([]Snapshot, error) {
	symbols, err := s.listSymbols(ctx)
	if err != nil {
		return nil, err
	}
	regime, err := s.Regime(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()

	returnsByCode := make(map[string][]float64, len(symbols))
	snaps := make([]Snapshot, 0, len(symbols))
	for _, sym := range symbols {
		series, err := s.recentSeries(ctx, sym.ID, SeriesLimit)
		if err != nil {
			return nil, err
		}
		prices := make([]int64, len(series))
		for i, p := range series {
			prices[i] = p.PriceCents
		}
		returnsByCode[sym.Code] = logReturns(prices)
		snaps = append(snaps, buildSnapshot(sym, series, regime, now))
	}

	for i := range snaps {
		corr := make(map[string]float64, len(snaps)-1)
		for j := range snaps {
			if i == j {
				continue
			}
			corr[snaps[j].Code] = correlation(returnsByCode[snaps[i].Code], returnsByCode[snaps[j].Code])
		}
		if len(corr) > 0 {
			snaps[i].Correlations = corr
		}
	}
	return snaps, nil
}

// Snapshot is the single-symbol view, with the raw series attached for
// charting.
func (s *Service) Snapshot(ctx context.Context, code string) (Snapshot, error) {
	var sym Symbol
	err := s.db.QueryRow(ctx, `
		SELECT id, code, display_name, price_cents, anchor_price_cents, updated_at
		FROM market.symbols
		WHERE code = $1
	`, code).Scan(&sym.ID, &sym.Code, &sym.DisplayName, &sym.PriceCents, &sym.AnchorPriceCents, &sym.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrUnknownSymbol
	}
	if err != nil {
		return Snapshot{}, err
	}
	series, err := s.recentSeries(ctx, sym.ID, SeriesLimit)
	if err != nil {
		return Snapshot{}, err
	}
	regime, err := s.Regime(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snap := buildSnapshot(sym, series, regime, time.Now().UTC())
	snap.Series = series
	return snap, nil
}
