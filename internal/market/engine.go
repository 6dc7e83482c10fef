package market

import "math"

// Price evolution is a bounded geometric random walk with occasional
// shocks and a pull toward a slow-moving anchor. All inputs are seeds in
// [0,1) so the whole engine is deterministic under a seeded source.

func randomRegime(seed float64) string {
	switch {
	case seed < 0.33:
		return RegimeBear
	case seed < 0.66:
		return RegimeNeutral
	default:
		return RegimeBull
	}
}

func regimeDrift(regime string) float64 {
	switch regime {
	case RegimeBull:
		return 0.0085
	case RegimeBear:
		return -0.0085
	default:
		return 0.0000
	}
}

func meanReversion(price, anchor int64, strength float64) float64 {
	if anchor <= 0 {
		return 0
	}
	return strength * (float64(anchor-price) / float64(anchor))
}

// normalish maps a uniform seed to a crude zero-centered draw. Good
// enough for a demo tape, cheap enough to run every tick.
func normalish(seed float64) float64 {
	return (seed + seed - 1)
}

func signedShock(magSeed, signSeed, base float64) float64 {
	mag := base * (0.35 + 2.8*magSeed*magSeed)
	if signSeed < 0.5 {
		return -mag
	}
	return mag
}

func evolvePrice(priceCents int64, ret, maxDropPerTick float64) int64 {
	if priceCents <= 0 {
		return 1
	}
	// Bound only the downside; upside can run.
	if ret < -maxDropPerTick {
		ret = -maxDropPerTick
	}
	next := int64(math.Round(float64(priceCents) * math.Exp(ret)))
	if next < 1 {
		next = 1
	}
	return next
}
