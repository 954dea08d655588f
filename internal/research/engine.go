// Package research turns a merged extraction into market comparables: it
// decodes brand style codes (through a persistent lookup cache), queries the
// search provider with the merged search terms, and aggregates listings.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/resaleops/scanpipe/internal/market"
	"github.com/resaleops/scanpipe/internal/scan"
	"github.com/resaleops/scanpipe/internal/storage"
)

// Cache is the subset of the store the engine needs for style-code lookups.
type Cache interface {
	GetCacheEntry(brand, normalizedCode string) (*storage.CacheEntry, error)
	PutCacheEntry(entry *storage.CacheEntry) error
	TouchCacheEntry(brand, normalizedCode string) error
	UpdateCacheSnapshot(brand, normalizedCode string, snapshot *scan.ResearchResults) error
}

// Config holds the tunable research policy knobs.
type Config struct {
	// SnapshotTTL is how long a cached market snapshot stays fresh.
	SnapshotTTL time.Duration
	// MinListings is the listing count at which the query loop stops early.
	MinListings int
}

// DefaultConfig returns the documented policy defaults.
func DefaultConfig() Config {
	return Config{
		SnapshotTTL: 72 * time.Hour,
		MinListings: 8,
	}
}

// Engine is the research stage.
type Engine struct {
	searcher market.Searcher
	cache    Cache
	cfg      Config
}

// NewEngine creates a research engine. cache may be nil, in which case
// style-code decodes are computed fresh every run.
func NewEngine(searcher market.Searcher, cache Cache, cfg Config) *Engine {
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = DefaultConfig().SnapshotTTL
	}
	if cfg.MinListings <= 0 {
		cfg.MinListings = DefaultConfig().MinListings
	}
	return &Engine{searcher: searcher, cache: cache, cfg: cfg}
}

// Research gathers market comparables for the merged extraction. Individual
// query failures are skipped; only when every query fails does the stage fail
// with scan.ErrResearchUnavailable.
func (e *Engine) Research(ctx context.Context, extracted *scan.ExtractedData) (*scan.ResearchResults, error) {
	decoded, cachedSnapshot := e.consultCache(extracted)
	if cachedSnapshot != nil {
		log.Info().
			Str("brand", extracted.Brand).
			Str("styleCode", extracted.StyleCode).
			Msg("reusing cached market snapshot")
		cachedSnapshot.DecodedCode = decoded
		return cachedSnapshot, nil
	}

	results, err := e.runQueries(ctx, extracted.SearchTerms)
	if err != nil {
		return nil, err
	}
	results.DecodedCode = decoded

	e.storeSnapshot(extracted, results)
	return results, nil
}

// consultCache normalizes the brand/code pair and looks it up. A hit bumps
// the hit counter and reuses the decode unconditionally; the market snapshot
// is reused only while fresh. A miss runs the decoder and persists the entry.
func (e *Engine) consultCache(extracted *scan.ExtractedData) (*scan.DecodedStyleCode, *scan.ResearchResults) {
	brand := NormalizeBrand(extracted.Brand)
	code := NormalizeCode(extracted.StyleCode)
	if brand == "" || code == "" {
		return nil, nil
	}

	if e.cache == nil {
		decoded := Decode(brand, code)
		return &decoded, nil
	}

	entry, err := e.cache.GetCacheEntry(brand, code)
	if err != nil {
		log.Warn().Err(err).Msg("failed to check research cache")
	}

	if entry != nil {
		if err := e.cache.TouchCacheEntry(brand, code); err != nil {
			log.Warn().Err(err).Msg("failed to touch research cache entry")
		}
		decoded := entry.Decoded
		if entry.Snapshot != nil && time.Since(entry.SnapshotAt) < e.cfg.SnapshotTTL {
			return &decoded, entry.Snapshot
		}
		return &decoded, nil
	}

	decoded := Decode(brand, code)
	if err := e.cache.PutCacheEntry(&storage.CacheEntry{
		Brand:          brand,
		NormalizedCode: code,
		Decoded:        decoded,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to persist research cache entry")
	}
	return &decoded, nil
}

// runQueries walks the search terms in order, most specific first, and stops
// once a query yields enough listings to price from.
func (e *Engine) runQueries(ctx context.Context, terms []string) (*scan.ResearchResults, error) {
	results := &scan.ResearchResults{
		ActiveListings: []scan.Listing{},
		SoldListings:   []scan.Listing{},
		FetchedAt:      time.Now().UTC(),
	}

	queriesFailed := 0
	for _, term := range terms {
		listings, err := e.searcher.Search(ctx, term)
		results.QueriesTried = append(results.QueriesTried, term)
		if err != nil {
			queriesFailed++
			log.Warn().Err(err).Str("query", term).Msg("research query failed, trying next")
			continue
		}

		for _, l := range listings {
			if l.Sold {
				results.SoldListings = append(results.SoldListings, l)
			} else {
				results.ActiveListings = append(results.ActiveListings, l)
			}
		}

		if len(listings) >= e.cfg.MinListings {
			log.Debug().
				Str("query", term).
				Int("count", len(listings)).
				Msg("query saturated, stopping early")
			break
		}
	}

	if len(terms) > 0 && queriesFailed == len(terms) {
		return nil, fmt.Errorf("%w: all %d queries failed", scan.ErrResearchUnavailable, queriesFailed)
	}

	results.Currency, results.MarketRegion = majorityMarket(append(results.ActiveListings, results.SoldListings...))
	return results, nil
}

// storeSnapshot records the fresh results on the cache entry, last write wins.
func (e *Engine) storeSnapshot(extracted *scan.ExtractedData, results *scan.ResearchResults) {
	if e.cache == nil {
		return
	}
	brand := NormalizeBrand(extracted.Brand)
	code := NormalizeCode(extracted.StyleCode)
	if brand == "" || code == "" {
		return
	}
	if err := e.cache.UpdateCacheSnapshot(brand, code, results); err != nil {
		log.Warn().Err(err).Msg("failed to update cached market snapshot")
	}
}

// regionByCurrency maps a majority currency to a coarse market region.
var regionByCurrency = map[string]string{
	"USD": "US",
	"CAD": "CA",
	"EUR": "EU",
	"GBP": "UK",
	"JPY": "JP",
	"AUD": "AU",
}

// majorityMarket picks the currency appearing on most listings and the
// region implied by it. Ties resolve to the lexicographically smaller
// currency so the result is deterministic.
func majorityMarket(listings []scan.Listing) (currency, region string) {
	counts := make(map[string]int)
	for _, l := range listings {
		if l.Currency != "" {
			counts[l.Currency]++
		}
	}

	for c, n := range counts {
		if n > counts[currency] || (n == counts[currency] && (currency == "" || c < currency)) {
			currency = c
		}
	}
	return currency, regionByCurrency[currency]
}
