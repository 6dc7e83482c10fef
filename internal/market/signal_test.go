package market

import (
	"testing"
	"time"
)

func risingSeries(start int64, step int64, n int) []int64 {
	out := make([]int64, n)
	for i := range out {
		out[i] = start + int64(i)*step
	}
	return out
}

func TestSMAUsesTailWindow(t *testing.T) {
	prices := []int64{100, 200, 300, 400}
	if got := sma(prices, 2); got != 350 {
		t.Fatalf("got %f want 350", got)
	}
	// Window longer than the series falls back to the whole series.
	if got := sma(prices, 10); got != 250 {
		t.Fatalf("got %f want 250", got)
	}
	if got := sma(nil, 5); got != 0 {
		t.Fatalf("empty series should score 0, got %f", got)
	}
}

func TestRSIExtremes(t *testing.T) {
	up := risingSeries(100_00, 50, RSIWindow+5)
	if got := rsi(up, RSIWindow); got != 100 {
		t.Fatalf("monotonic gains should score 100, got %f", got)
	}

	down := make([]int64, RSIWindow+5)
	for i := range down {
		down[i] = 200_00 - int64(i)*50
	}
	if got := rsi(down, RSIWindow); got != 0 {
		t.Fatalf("monotonic losses should score 0, got %f", got)
	}

	if got := rsi([]int64{100, 101}, RSIWindow); got != 50 {
		t.Fatalf("short series should be neutral, got %f", got)
	}
}

func TestDirectionBands(t *testing.T) {
	if got := direction(101, 100); got != DirectionUp {
		t.Fatalf("got %q want up", got)
	}
	if got := direction(99, 100); got != DirectionDown {
		t.Fatalf("got %q want down", got)
	}
	if got := direction(100.05, 100); got != DirectionFlat {
		t.Fatalf("hairline crossover should be flat, got %q", got)
	}
	if got := direction(100, 0); got != DirectionFlat {
		t.Fatalf("empty long window should be flat, got %q", got)
	}
}

func TestConfidenceStaysInBand(t *testing.T) {
	cases := []struct {
		short, long, rsi float64
	}{
		{100, 100, 50},   // no lean at all
		{500, 100, 100},  // absurd lean
		{100, 100, 0},    // RSI floor
		{103, 100, 62},   // ordinary lean
	}
	for _, tc := range cases {
		got := confidence(tc.short, tc.long, tc.rsi)
		if got < MinConfidence || got > MaxConfidence {
			t.Fatalf("confidence(%f,%f,%f)=%f out of [%f,%f]", tc.short, tc.long, tc.rsi, got, MinConfidence, MaxConfidence)
		}
	}
	if got := confidence(100, 100, 50); got != MinConfidence {
		t.Fatalf("flat tape should sit at the floor, got %f", got)
	}
	if got := confidence(500, 100, 100); got != MaxConfidence {
		t.Fatalf("absurd lean should clip at the ceiling, got %f", got)
	}
}

func TestCorrelation(t *testing.T) {
	a := []float64{0.01, 0.02, -0.01, 0.03, -0.02}
	if got := correlation(a, a); got != 1 {
		t.Fatalf("self correlation should be 1, got %f", got)
	}
	inv := make([]float64, len(a))
	for i, v := range a {
		inv[i] = -v
	}
	if got := correlation(a, inv); got != -1 {
		t.Fatalf("inverted series should score -1, got %f", got)
	}
	if got := correlation(a, []float64{0.01}); got != 0 {
		t.Fatalf("too-short series should score 0, got %f", got)
	}
	flat := []float64{0, 0, 0, 0, 0}
	if got := correlation(a, flat); got != 0 {
		t.Fatalf("zero-variance series should score 0, got %f", got)
	}
}

func TestCoherenceHueStableAndBounded(t *testing.T) {
	h1 := coherenceHue("GAMBIT", 132_00)
	h2 := coherenceHue("GAMBIT", 132_00)
	if h1 != h2 {
		t.Fatalf("hue should be deterministic: %d vs %d", h1, h2)
	}
	if h1 < 0 || h1 > 359 {
		t.Fatalf("hue out of range: %d", h1)
	}
	if coherenceHue("GAMBIT", 132_00) == coherenceHue("KNIGHT", 132_00) &&
		coherenceHue("GAMBIT", 1) == coherenceHue("KNIGHT", 1) {
		t.Fatal("distinct codes should not collide across prices")
	}
}

func TestBuildSnapshotMarksSynthetic(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	sym := Symbol{Code: "GAMBIT", DisplayName: "Queen's Gambit Index", PriceCents: 140_00}
	prices := risingSeries(100_00, 100, SeriesLimit)
	series := make([]PricePoint, len(prices))
	for i, p := range prices {
		series[i] = PricePoint{TickAt: now.Add(time.Duration(i) * time.Minute), PriceCents: p}
	}

	snap := buildSnapshot(sym, series, RegimeBull, now)
	if !snap.Synthetic {
		t.Fatal("snapshot must carry the synthetic flag")
	}
	if snap.Direction != DirectionUp {
		t.Fatalf("rising tape should read up, got %q", snap.Direction)
	}
	if snap.Confidence < MinConfidence || snap.Confidence > MaxConfidence {
		t.Fatalf("confidence out of band: %f", snap.Confidence)
	}
	if snap.Regime != RegimeBull {
		t.Fatalf("got regime %q", snap.Regime)
	}
	if snap.ShortMA <= snap.LongMA {
		t.Fatalf("rising tape should have short MA above long: %f vs %f", snap.ShortMA, snap.LongMA)
	}
}
