// Package refine synthesizes the merged extraction and market research into
// a final price recommendation, either through an AI call or a deterministic
// statistical fallback.
package refine

import (
	"context"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/resaleops/scanpipe/internal/scan"
)

// Strategy selects how findings are produced. The statistical strategy can be
// requested explicitly; it is also the automatic fallback when the AI path
// fails twice.
type Strategy string

const (
	StrategyAI          Strategy = "ai"
	StrategyStatistical Strategy = "statistical"
)

// aiAttempts is how many times the AI path is tried before falling back.
const aiAttempts = 2

// Usage contains token usage and cost information for one model call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Synthesizer is an AI model that can produce refined findings.
type Synthesizer interface {
	Synthesize(ctx context.Context, extracted *scan.ExtractedData, research *scan.ResearchResults) (*scan.RefinedFindings, Usage, error)
}

// Config holds the tunable refinement policy knobs.
type Config struct {
	// SmallSampleSize is the sold-listing count under which the statistical
	// band is widened.
	SmallSampleSize int
	// WideningFactor is the fractional widening applied per side for small
	// samples, e.g. 0.25 widens the band by 25% each way.
	WideningFactor float64
	// NoComparableBand is returned, at zero confidence, when there are no
	// comparable listings at all.
	NoComparableBand scan.PriceRange
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		SmallSampleSize: 5,
		WideningFactor:  0.25,
		NoComparableBand: scan.PriceRange{
			Low:         5,
			Recommended: 20,
			High:        60,
			Currency:    "USD",
		},
	}
}

// Engine is the refinement stage. It holds no per-call state, so one engine
// serves concurrent runs.
type Engine struct {
	ai  Synthesizer
	cfg Config
}

// NewEngine creates a refinement engine. ai may be nil, which forces the
// statistical path.
func NewEngine(ai Synthesizer, cfg Config) *Engine {
	if cfg.SmallSampleSize <= 0 {
		cfg.SmallSampleSize = DefaultConfig().SmallSampleSize
	}
	if cfg.WideningFactor <= 0 {
		cfg.WideningFactor = DefaultConfig().WideningFactor
	}
	if cfg.NoComparableBand == (scan.PriceRange{}) {
		cfg.NoComparableBand = DefaultConfig().NoComparableBand
	}
	return &Engine{ai: ai, cfg: cfg}
}

// Refine produces the final findings along with the usage of the AI call, if
// one was made. The AI path is tried twice before the statistical fallback
// takes over; the fallback itself never fails.
func (e *Engine) Refine(ctx context.Context, strategy Strategy, extracted *scan.ExtractedData, research *scan.ResearchResults) (*scan.RefinedFindings, Usage, error) {
	if strategy != StrategyStatistical && e.ai != nil {
		for attempt := 1; attempt <= aiAttempts; attempt++ {
			findings, usage, err := e.ai.Synthesize(ctx, extracted, research)
			if err == nil {
				findings.Method = scan.MethodAI
				normalizeRange(&findings.PriceRange)
				findings.Confidence = clamp01(findings.Confidence)
				return findings, usage, nil
			}
			log.Warn().Err(err).Int("attempt", attempt).Msg("ai refinement failed")
		}
		log.Info().Msg("falling back to statistical refinement")
	}

	return e.statistical(research), Usage{}, nil
}

// statistical derives a price range from sold-listing prices: p25/median/p75,
// widened for small samples. Active listings stand in when nothing has sold.
// Zero comparables yields the configured wide band at zero confidence.
func (e *Engine) statistical(research *scan.ResearchResults) *scan.RefinedFindings {
	comparables := research.SoldListings
	confidenceCeiling := 0.8
	if len(comparables) == 0 {
		// Asking prices only; weaker signal than realized sales.
		comparables = research.ActiveListings
		confidenceCeiling = 0.5
	}

	if len(comparables) == 0 {
		band := e.cfg.NoComparableBand
		if research.Currency != "" {
			band.Currency = research.Currency
		}
		return &scan.RefinedFindings{
			PriceRange:     band,
			Confidence:     0,
			Demand:         "unknown",
			MarketActivity: "none",
			Method:         scan.MethodStatistical,
		}
	}

	prices := make([]float64, 0, len(comparables))
	for _, l := range comparables {
		if l.Price > 0 {
			prices = append(prices, l.Price)
		}
	}
	sort.Float64s(prices)

	low := percentile(prices, 0.25)
	high := percentile(prices, 0.75)
	recommended := percentile(prices, 0.5)

	if len(prices) < e.cfg.SmallSampleSize {
		spread := (high - low) * e.cfg.WideningFactor
		if spread == 0 {
			spread = recommended * e.cfg.WideningFactor
		}
		low -= spread
		high += spread
	}
	if low < 0 {
		low = 0
	}

	currency := research.Currency
	if currency == "" {
		currency = e.cfg.NoComparableBand.Currency
	}

	confidence := confidenceCeiling * float64(len(prices)) / float64(e.cfg.SmallSampleSize*2)
	if confidence > confidenceCeiling {
		confidence = confidenceCeiling
	}

	findings := &scan.RefinedFindings{
		PriceRange: scan.PriceRange{
			Low:         round2(low),
			Recommended: round2(recommended),
			High:        round2(high),
			Currency:    currency,
		},
		Confidence:     clamp01(confidence),
		Demand:         demandFor(len(research.SoldListings)),
		MarketActivity: activityFor(len(research.ActiveListings) + len(research.SoldListings)),
		Method:         scan.MethodStatistical,
	}
	normalizeRange(&findings.PriceRange)
	return findings
}

// normalizeRange enforces 0 <= Low <= Recommended <= High on any output.
func normalizeRange(r *scan.PriceRange) {
	vals := []float64{r.Low, r.Recommended, r.High}
	for i, v := range vals {
		if v < 0 {
			vals[i] = 0
		}
	}
	sort.Float64s(vals)
	r.Low, r.Recommended, r.High = vals[0], vals[1], vals[2]
}

// percentile returns the value at fraction p of a sorted slice, with linear
// interpolation between neighbors.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(pos)
	frac := pos - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}

func demandFor(soldCount int) string {
	switch {
	case soldCount >= 10:
		return "high"
	case soldCount >= 3:
		return "medium"
	case soldCount > 0:
		return "low"
	default:
		return "unknown"
	}
}

func activityFor(total int) string {
	switch {
	case total >= 15:
		return "active"
	case total >= 5:
		return "moderate"
	case total > 0:
		return "quiet"
	default:
		return "none"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
