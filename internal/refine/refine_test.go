package refine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resaleops/scanpipe/internal/scan"
)

// fakeSynthesizer fails a configured number of times before succeeding.
type fakeSynthesizer struct {
	failures int
	calls    int
	findings *scan.RefinedFindings
}

func (f *fakeSynthesizer) Synthesize(_ context.Context, _ *scan.ExtractedData, _ *scan.ResearchResults) (*scan.RefinedFindings, Usage, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, Usage{}, errors.New("model error")
	}
	return f.findings, Usage{InputTokens: 100, OutputTokens: 50, CostUSD: 0.001}, nil
}

func soldAt(prices ...float64) *scan.ResearchResults {
	r := &scan.ResearchResults{Currency: "USD"}
	for _, p := range prices {
		r.SoldListings = append(r.SoldListings, scan.Listing{
			Price: p, Currency: "USD", Platform: "ebay",
			URL: "https://example.com", Sold: true, Title: "item",
		})
	}
	return r
}

func assertRangeInvariant(t *testing.T, r scan.PriceRange) {
	t.Helper()
	assert.GreaterOrEqual(t, r.Low, 0.0)
	assert.LessOrEqual(t, r.Low, r.Recommended)
	assert.LessOrEqual(t, r.Recommended, r.High)
}

func TestRefineAIPath(t *testing.T) {
	ai := &fakeSynthesizer{findings: &scan.RefinedFindings{
		PriceRange: scan.PriceRange{Low: 20, Recommended: 35, High: 50, Currency: "USD"},
		Confidence: 0.8,
		Demand:     "medium",
	}}
	engine := NewEngine(ai, DefaultConfig())

	findings, usage, err := engine.Refine(context.Background(), StrategyAI, &scan.ExtractedData{}, soldAt(30, 35, 40))
	require.NoError(t, err)

	assert.Equal(t, scan.MethodAI, findings.Method)
	assert.Equal(t, 1, ai.calls)
	assert.Equal(t, int64(100), usage.InputTokens)
	assert.Equal(t, 0.001, usage.CostUSD)
	assertRangeInvariant(t, findings.PriceRange)
}

func TestRefineAINormalizesMisorderedRange(t *testing.T) {
	// A model that returns low > high must still satisfy the invariant.
	ai := &fakeSynthesizer{findings: &scan.RefinedFindings{
		PriceRange: scan.PriceRange{Low: 50, Recommended: 35, High: 20, Currency: "USD"},
		Confidence: 1.5,
	}}
	engine := NewEngine(ai, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyAI, &scan.ExtractedData{}, soldAt(30))
	require.NoError(t, err)

	assertRangeInvariant(t, findings.PriceRange)
	assert.Equal(t, 20.0, findings.PriceRange.Low)
	assert.Equal(t, 50.0, findings.PriceRange.High)
	assert.LessOrEqual(t, findings.Confidence, 1.0)
}

func TestRefineFallsBackAfterTwoAIFailures(t *testing.T) {
	ai := &fakeSynthesizer{failures: 2}
	engine := NewEngine(ai, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyAI, &scan.ExtractedData{}, soldAt(20, 30, 40, 50, 60, 70))
	require.NoError(t, err)

	assert.Equal(t, 2, ai.calls)
	assert.Equal(t, scan.MethodStatistical, findings.Method)
	assertRangeInvariant(t, findings.PriceRange)
}

func TestRefineExplicitStatisticalSkipsAI(t *testing.T) {
	ai := &fakeSynthesizer{findings: &scan.RefinedFindings{}}
	engine := NewEngine(ai, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyStatistical, &scan.ExtractedData{}, soldAt(20, 30, 40, 50, 60, 70))
	require.NoError(t, err)

	assert.Zero(t, ai.calls)
	assert.Equal(t, scan.MethodStatistical, findings.Method)
	assert.Equal(t, 45.0, findings.PriceRange.Recommended)
}

func TestStatisticalMedianAndPercentiles(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())

	// Sample is large enough that no widening applies.
	findings, _, err := engine.Refine(context.Background(), StrategyStatistical, &scan.ExtractedData{},
		soldAt(10, 20, 30, 40, 50, 60, 70, 80, 90))
	require.NoError(t, err)

	assert.Equal(t, 50.0, findings.PriceRange.Recommended)
	assert.Equal(t, 30.0, findings.PriceRange.Low)
	assert.Equal(t, 70.0, findings.PriceRange.High)
	assert.Equal(t, "USD", findings.PriceRange.Currency)
	assertRangeInvariant(t, findings.PriceRange)
}

func TestStatisticalSmallSampleWidensBand(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyStatistical, &scan.ExtractedData{},
		soldAt(40, 50, 60))
	require.NoError(t, err)

	// p25=45, p75=55, widened by 25% of the spread per side.
	assert.Equal(t, 42.5, findings.PriceRange.Low)
	assert.Equal(t, 57.5, findings.PriceRange.High)
	assert.Equal(t, 50.0, findings.PriceRange.Recommended)
	assertRangeInvariant(t, findings.PriceRange)
}

func TestStatisticalActiveListingsWhenNothingSold(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())

	research := &scan.ResearchResults{
		Currency: "EUR",
		ActiveListings: []scan.Listing{
			{Price: 20, Currency: "EUR", URL: "https://example.com", Platform: "vinted"},
			{Price: 30, Currency: "EUR", URL: "https://example.com", Platform: "vinted"},
			{Price: 40, Currency: "EUR", URL: "https://example.com", Platform: "vinted"},
		},
	}
	findings, _, err := engine.Refine(context.Background(), StrategyStatistical, &scan.ExtractedData{}, research)
	require.NoError(t, err)

	assert.Equal(t, "EUR", findings.PriceRange.Currency)
	assert.LessOrEqual(t, findings.Confidence, 0.5)
	assertRangeInvariant(t, findings.PriceRange)
}

func TestStatisticalZeroComparablesWideBand(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyStatistical, &scan.ExtractedData{}, &scan.ResearchResults{})
	require.NoError(t, err)

	assert.Zero(t, findings.Confidence)
	assert.Equal(t, scan.MethodStatistical, findings.Method)
	assert.Equal(t, "none", findings.MarketActivity)
	assert.Greater(t, findings.PriceRange.High, findings.PriceRange.Low)
	assertRangeInvariant(t, findings.PriceRange)
}

// echoSynthesizer derives its usage from the input so concurrent callers can
// tell results apart. It keeps no state.
type echoSynthesizer struct{}

func (echoSynthesizer) Synthesize(_ context.Context, extracted *scan.ExtractedData, _ *scan.ResearchResults) (*scan.RefinedFindings, Usage, error) {
	tokens := int64(len(extracted.Brand))
	return &scan.RefinedFindings{
		PriceRange: scan.PriceRange{Low: 10, Recommended: 20, High: 30, Currency: "USD"},
		Confidence: 0.7,
		Reasoning:  extracted.Brand,
	}, Usage{InputTokens: tokens, OutputTokens: tokens * 2}, nil
}

func TestRefineConcurrentCallsKeepUsageSeparate(t *testing.T) {
	engine := NewEngine(echoSynthesizer{}, DefaultConfig())

	brands := []string{"x", "xx", "xxx", "xxxx", "xxxxx", "xxxxxx", "xxxxxxx", "xxxxxxxx"}
	var wg sync.WaitGroup
	for _, brand := range brands {
		wg.Add(1)
		go func() {
			defer wg.Done()
			findings, usage, err := engine.Refine(context.Background(), StrategyAI,
				&scan.ExtractedData{Brand: brand}, soldAt(30))
			assert.NoError(t, err)
			assert.Equal(t, brand, findings.Reasoning)
			assert.Equal(t, int64(len(brand)), usage.InputTokens)
			assert.Equal(t, int64(len(brand)*2), usage.OutputTokens)
		}()
	}
	wg.Wait()
}

func TestRefineNilSynthesizerForcesStatistical(t *testing.T) {
	engine := NewEngine(nil, DefaultConfig())

	findings, _, err := engine.Refine(context.Background(), StrategyAI, &scan.ExtractedData{}, soldAt(25, 35))
	require.NoError(t, err)
	assert.Equal(t, scan.MethodStatistical, findings.Method)
}
