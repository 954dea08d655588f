package research

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resaleops/scanpipe/internal/scan"
	"github.com/resaleops/scanpipe/internal/storage"
)

// fakeSearcher returns canned results or errors per query.
type fakeSearcher struct {
	results map[string][]scan.Listing
	errs    map[string]error
	calls   []string
}

func (f *fakeSearcher) Search(_ context.Context, query string) ([]scan.Listing, error) {
	f.calls = append(f.calls, query)
	if err, ok := f.errs[query]; ok {
		return nil, err
	}
	return f.results[query], nil
}

// fakeCache is an in-memory Cache.
type fakeCache struct {
	entries map[string]*storage.CacheEntry
	touches map[string]int
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		entries: map[string]*storage.CacheEntry{},
		touches: map[string]int{},
	}
}

func cacheKey(brand, code string) string { return brand + "|" + code }

func (f *fakeCache) GetCacheEntry(brand, code string) (*storage.CacheEntry, error) {
	return f.entries[cacheKey(brand, code)], nil
}

func (f *fakeCache) PutCacheEntry(entry *storage.CacheEntry) error {
	key := cacheKey(entry.Brand, entry.NormalizedCode)
	if _, exists := f.entries[key]; exists {
		return nil // first write wins
	}
	f.entries[key] = entry
	return nil
}

func (f *fakeCache) TouchCacheEntry(brand, code string) error {
	key := cacheKey(brand, code)
	f.touches[key]++
	if e := f.entries[key]; e != nil {
		e.HitCount++
		e.LastHitAt = time.Now()
	}
	return nil
}

func (f *fakeCache) UpdateCacheSnapshot(brand, code string, snapshot *scan.ResearchResults) error {
	if e := f.entries[cacheKey(brand, code)]; e != nil {
		e.Snapshot = snapshot
		e.SnapshotAt = time.Now()
	}
	return nil
}

func listingN(n int, sold bool) []scan.Listing {
	var out []scan.Listing
	for i := 0; i < n; i++ {
		out = append(out, scan.Listing{
			Title:    fmt.Sprintf("listing %d", i),
			Price:    float64(20 + i),
			Currency: "USD",
			Platform: "ebay",
			URL:      fmt.Sprintf("https://example.com/%d", i),
			Sold:     sold,
		})
	}
	return out
}

func extractedWith(terms ...string) *scan.ExtractedData {
	return &scan.ExtractedData{SearchTerms: terms}
}

func TestResearchStopsEarlyOnSaturatedQuery(t *testing.T) {
	searcher := &fakeSearcher{results: map[string][]scan.Listing{
		"first":  listingN(10, false),
		"second": listingN(5, false),
	}}
	engine := NewEngine(searcher, nil, Config{MinListings: 8})

	results, err := engine.Research(context.Background(), extractedWith("first", "second"))
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, searcher.calls)
	assert.Equal(t, []string{"first"}, results.QueriesTried)
	assert.Len(t, results.ActiveListings, 10)
}

func TestResearchSkipsFailedQueries(t *testing.T) {
	searcher := &fakeSearcher{
		results: map[string][]scan.Listing{"second": listingN(3, true)},
		errs:    map[string]error{"first": errors.New("timeout")},
	}
	engine := NewEngine(searcher, nil, Config{})

	results, err := engine.Research(context.Background(), extractedWith("first", "second"))
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, results.QueriesTried)
	assert.Len(t, results.SoldListings, 3)
	assert.Empty(t, results.ActiveListings)
}

func TestResearchAllQueriesFail(t *testing.T) {
	searcher := &fakeSearcher{errs: map[string]error{
		"first":  errors.New("timeout"),
		"second": errors.New("503"),
	}}
	engine := NewEngine(searcher, nil, Config{})

	_, err := engine.Research(context.Background(), extractedWith("first", "second"))
	assert.ErrorIs(t, err, scan.ErrResearchUnavailable)
}

func TestResearchZeroListingsIsNotAnError(t *testing.T) {
	searcher := &fakeSearcher{}
	engine := NewEngine(searcher, nil, Config{})

	results, err := engine.Research(context.Background(), extractedWith("first", "second"))
	require.NoError(t, err)
	assert.Empty(t, results.ActiveListings)
	assert.Empty(t, results.SoldListings)
}

func TestResearchMajorityCurrencyAndRegion(t *testing.T) {
	listings := append(listingN(4, false), scan.Listing{
		Title: "eu item", Price: 30, Currency: "EUR", Platform: "vinted",
		URL: "https://example.com/eu", Sold: false,
	})
	searcher := &fakeSearcher{results: map[string][]scan.Listing{"q": listings}}
	engine := NewEngine(searcher, nil, Config{})

	results, err := engine.Research(context.Background(), extractedWith("q"))
	require.NoError(t, err)
	assert.Equal(t, "USD", results.Currency)
	assert.Equal(t, "US", results.MarketRegion)
}

func TestResearchCacheMissDecodesAndPersists(t *testing.T) {
	cache := newFakeCache()
	searcher := &fakeSearcher{results: map[string][]scan.Listing{"q": listingN(2, true)}}
	engine := NewEngine(searcher, cache, Config{})

	extracted := extractedWith("q")
	extracted.Brand = "Ralph Lauren"
	extracted.StyleCode = "710-548506-002"

	results, err := engine.Research(context.Background(), extracted)
	require.NoError(t, err)

	require.NotNil(t, results.DecodedCode)
	assert.Equal(t, "710548506002", results.DecodedCode.Code)

	entry := cache.entries[cacheKey("ralph lauren", "710548506002")]
	require.NotNil(t, entry)
	assert.Equal(t, int64(0), entry.HitCount)
	assert.NotNil(t, entry.Snapshot)
}

func TestResearchCacheHitReusesDecodeAndBumpsCounter(t *testing.T) {
	cache := newFakeCache()
	decoded := scan.DecodedStyleCode{Brand: "ralph lauren", Code: "710548506002", ProductLine: "from cache", Confidence: 0.85}
	cache.entries[cacheKey("ralph lauren", "710548506002")] = &storage.CacheEntry{
		Brand:          "ralph lauren",
		NormalizedCode: "710548506002",
		Decoded:        decoded,
	}

	searcher := &fakeSearcher{results: map[string][]scan.Listing{"q": listingN(2, true)}}
	engine := NewEngine(searcher, cache, Config{})

	extracted := extractedWith("q")
	extracted.Brand = "Ralph Lauren"
	extracted.StyleCode = "710548506002"

	results, err := engine.Research(context.Background(), extracted)
	require.NoError(t, err)

	assert.Equal(t, "from cache", results.DecodedCode.ProductLine)
	assert.Equal(t, 1, cache.touches[cacheKey("ralph lauren", "710548506002")])
}

func TestResearchFreshSnapshotSkipsProvider(t *testing.T) {
	cache := newFakeCache()
	snapshot := &scan.ResearchResults{SoldListings: listingN(3, true), Currency: "USD"}
	cache.entries[cacheKey("nike", "CW2288111")] = &storage.CacheEntry{
		Brand:          "nike",
		NormalizedCode: "CW2288111",
		Decoded:        scan.DecodedStyleCode{Brand: "nike", Code: "CW2288111"},
		Snapshot:       snapshot,
		SnapshotAt:     time.Now().Add(-1 * time.Hour),
	}

	searcher := &fakeSearcher{results: map[string][]scan.Listing{"q": listingN(10, false)}}
	engine := NewEngine(searcher, cache, Config{SnapshotTTL: 72 * time.Hour})

	extracted := extractedWith("q")
	extracted.Brand = "Nike"
	extracted.StyleCode = "CW2288-111"

	results, err := engine.Research(context.Background(), extracted)
	require.NoError(t, err)

	assert.Empty(t, searcher.calls, "provider should not be queried on a fresh snapshot")
	assert.Len(t, results.SoldListings, 3)
}

func TestResearchStaleSnapshotRequeries(t *testing.T) {
	cache := newFakeCache()
	cache.entries[cacheKey("nike", "CW2288111")] = &storage.CacheEntry{
		Brand:          "nike",
		NormalizedCode: "CW2288111",
		Decoded:        scan.DecodedStyleCode{Brand: "nike", Code: "CW2288111"},
		Snapshot:       &scan.ResearchResults{SoldListings: listingN(3, true)},
		SnapshotAt:     time.Now().Add(-100 * time.Hour),
	}

	searcher := &fakeSearcher{results: map[string][]scan.Listing{"q": listingN(10, false)}}
	engine := NewEngine(searcher, cache, Config{SnapshotTTL: 72 * time.Hour})

	extracted := extractedWith("q")
	extracted.Brand = "Nike"
	extracted.StyleCode = "CW2288-111"

	results, err := engine.Research(context.Background(), extracted)
	require.NoError(t, err)

	assert.Equal(t, []string{"q"}, searcher.calls)
	assert.Len(t, results.ActiveListings, 10)

	// The fresh results replace the stale snapshot.
	entry := cache.entries[cacheKey("nike", "CW2288111")]
	assert.Len(t, entry.Snapshot.ActiveListings, 10)
}
