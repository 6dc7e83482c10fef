package market

import (
	"hash/fnv"
	"math"
	"time"
)

// Indicator math over a cent-denominated price series, oldest first.
// Everything here is derived from the synthetic tape; the snapshot carries
// a synthetic flag so no consumer can mistake it for analysis.

func sma(prices []int64, window int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if window > len(prices) {
		window = len(prices)
	}
	var sum int64
	for _, p := range prices[len(prices)-window:] {
		sum += p
	}
	return float64(sum) / float64(window)
}

// rsi is the classic 0..100 oscillator over the last window deltas.
// Returns 50 (no signal) when the series is too short to say anything.
func rsi(prices []int64, window int) float64 {
	if len(prices) < window+1 {
		return 50
	}
	var gain, loss float64
	tail := prices[len(prices)-window-1:]
	for i := 1; i < len(tail); i++ {
		d := float64(tail[i] - tail[i-1])
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		if gain == 0 {
			return 50
		}
		return 100
	}
	rs := (gain / float64(window)) / (loss / float64(window))
	return 100 - 100/(1+rs)
}

const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionFlat = "flat"
)

// trendBand keeps hairline crossovers from flapping between calls.
const trendBand = 0.001

func direction(short, long float64) string {
	if long <= 0 {
		return DirectionFlat
	}
	switch {
	case short > long*(1+trendBand):
		return DirectionUp
	case short < long*(1-trendBand):
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// confidence scores how far the indicators lean, clipped to the band the
// UI renders. The floor is above 50 on purpose: the panel always looks
// like it has an opinion.
func confidence(short, long, rsiVal float64) float64 {
	score := MinConfidence
	if long > 0 {
		spread := math.Abs(short-long) / long
		score += 600 * spread
	}
	score += 0.45 * math.Abs(rsiVal-50)
	if score > MaxConfidence {
		return MaxConfidence
	}
	if score < MinConfidence {
		return MinConfidence
	}
	return math.Round(score*10) / 10
}

func logReturns(prices []int64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] <= 0 || prices[i] <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(float64(prices[i])/float64(prices[i-1])))
	}
	return out
}

// correlation is Pearson's r over the aligned tails of two return series.
func correlation(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]
	var meanA, meanB float64
	for i := 0; i < n; i++ {
		meanA += a[i]
		meanB += b[i]
	}
	meanA /= float64(n)
	meanB /= float64(n)
	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}
	if varA == 0 || varB == 0 {
		return 0
	}
	r := cov / math.Sqrt(varA*varB)
	// Float noise can push r a hair outside [-1, 1].
	if r > 1 {
		r = 1
	}
	if r < -1 {
		r = -1
	}
	return math.Round(r*1000) / 1000
}

// coherenceHue picks a stable display hue per symbol, nudged by price so
// the swatch drifts as the tape moves.
func coherenceHue(code string, priceCents int64) int {
	h := fnv.New32a()
	h.Write([]byte(code))
	return int((uint64(h.Sum32()) + uint64(priceCents)/25) % 360)
}

func buildSnapshot(sym Symbol, series []PricePoint, regime string, now time.Time) Snapshot {
	prices := make([]int64, len(series))
	for i, p := range series {
		prices[i] = p.PriceCents
	}
	short := sma(prices, ShortWindow)
	long := sma(prices, LongWindow)
	r := rsi(prices, RSIWindow)
	return Snapshot{
		Code:         sym.Code,
		DisplayName:  sym.DisplayName,
		PriceCents:   sym.PriceCents,
		Direction:    direction(short, long),
		Confidence:   confidence(short, long, r),
		ShortMA:      math.Round(short*100) / 100,
		LongMA:       math.Round(long*100) / 100,
		RSI:          math.Round(r*10) / 10,
		CoherenceHue: coherenceHue(sym.Code, sym.PriceCents),
		Regime:       regime,
		Synthetic:    true,
		GeneratedAt:  now,
	}
}
