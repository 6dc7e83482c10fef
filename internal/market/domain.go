package market

import "time"

// The demo market is narrative furniture: prices are a seeded random walk,
// signals are derived from that walk, and every payload says so. Nothing in
// this package is a forecast.

const (
	RegimeBull    = "bull"
	RegimeBear    = "bear"
	RegimeNeutral = "neutral"

	// Confidence scores stay inside the band the dashboard renders.
	MinConfidence = 52.0
	MaxConfidence = 95.0

	ShortWindow = 8
	LongWindow  = 32
	RSIWindow   = 14

	SeriesLimit = 64
)

type Symbol struct {
	ID               int64     `json:"id"`
	Code             string    `json:"code"`
	DisplayName      string    `json:"display_name"`
	PriceCents       int64     `json:"price_cents"`
	AnchorPriceCents int64     `json:"anchor_price_cents"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type PricePoint struct {
	TickAt     time.Time `json:"tick_at"`
	PriceCents int64     `json:"price_cents"`
}

// Snapshot is one proof-panel row: a direction call with a bounded
// confidence score plus the raw indicators it was derived from.
type Snapshot struct {
	Code         string             `json:"code"`
	DisplayName  string             `json:"display_name"`
	PriceCents   int64              `json:"price_cents"`
	Direction    string             `json:"direction"`
	Confidence   float64            `json:"confidence"`
	ShortMA      float64            `json:"short_ma"`
	LongMA       float64            `json:"long_ma"`
	RSI          float64            `json:"rsi"`
	Correlations map[string]float64 `json:"correlations,omitempty"`
	CoherenceHue int                `json:"coherence_hue"`
	Regime       string             `json:"regime"`
	Synthetic    bool               `json:"synthetic"`
	Series       []PricePoint       `json:"series,omitempty"`
	GeneratedAt  time.Time          `json:"generated_at"`
}

type dynamics struct {
	NoiseScale        float64
	ShockProb         float64
	ShockScale        float64
	ExtremeShockProb  float64
	ExtremeShockScale float64
	MeanReversion     float64
	AnchorNoiseScale  float64
	RegimeSwitchProb  float64
	MaxDropPerTick    float64
}

func dynamicsFor(mode string) dynamics {
	switch mode {
	case "calm":
		return dynamics{
			NoiseScale:        0.015,
			ShockProb:         0.04,
			ShockScale:        0.08,
			ExtremeShockProb:  0.006,
			ExtremeShockScale: 0.20,
			MeanReversion:     0.030,
			AnchorNoiseScale:  0.010,
			RegimeSwitchProb:  0.03,
			MaxDropPerTick:    1.00,
		}
	case "wild":
		return dynamics{
			NoiseScale:        0.055,
			ShockProb:         0.16,
			ShockScale:        0.18,
			ExtremeShockProb:  0.045,
			ExtremeShockScale: 0.55,
			MeanReversion:     0.010,
			AnchorNoiseScale:  0.034,
			RegimeSwitchProb:  0.10,
			MaxDropPerTick:    2.40,
		}
	default: // "mor"
		return dynamics{
			NoiseScale:        0.032,
			ShockProb:         0.10,
			ShockScale:        0.13,
			ExtremeShockProb:  0.018,
			ExtremeShockScale: 0.32,
			MeanReversion:     0.018,
			AnchorNoiseScale:  0.020,
			RegimeSwitchProb:  0.06,
			MaxDropPerTick:    1.80,
		}
	}
}

// Seed lineup for a fresh deployment. Codes follow the six-letter ticker
// convention of the rest of the product.
var defaultSymbols = []struct {
	Code  string
	Name  string
	Cents int64
}{
	{"GAMBIT", "Queen's Gambit Index", 132_00},
	{"KNIGHT", "Knight Outpost Capital", 98_50},
	{"BISHOP", "Bishop Pair Holdings", 114_25},
	{"ROOKED", "Seventh Rank Rook Co", 87_40},
	{"CASTLE", "Long Castle Trust", 105_10},
	{"ENPASS", "En Passant Ventures", 76_80},
	{"ZUGZWA", "Zugzwang Dynamics", 143_60},
	{"FIANCO", "Fianchetto Grid", 91_30},
	{"TEMPOS", "Tempo Systems", 121_75},
	{"PAWNUP", "Passed Pawn Energy", 68_90},
}
