package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resaleops/scanpipe/internal/scan"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestScanLifecycle(t *testing.T) {
	store := newTestStore(t)

	sc := &scan.Scan{ID: "scan-1", UserID: "user-1", Status: scan.StatusUploaded}
	require.NoError(t, store.CreateScan(sc))

	got, err := store.GetScan("scan-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scan.StatusUploaded, got.Status)
	assert.Equal(t, "user-1", got.UserID)
	assert.Nil(t, got.Extracted)
	assert.Nil(t, got.Research)
	assert.Nil(t, got.Findings)

	require.NoError(t, store.UpdateScanStatus("scan-1", scan.StatusExtracting, ""))
	require.NoError(t, store.SaveExtracted("scan-1", &scan.ExtractedData{
		Brand:       "Ralph Lauren",
		StyleCode:   "710803520001",
		SearchTerms: []string{"ralph lauren 710803520001"},
	}))
	require.NoError(t, store.SaveResearch("scan-1", &scan.ResearchResults{
		SoldListings: []scan.Listing{{Title: "RL jacket", Price: 45, Currency: "USD", Platform: "ebay", URL: "https://ebay.com/itm/1", Sold: true}},
		Currency:     "USD",
		QueriesTried: []string{"ralph lauren 710803520001"},
		FetchedAt:    time.Now().UTC(),
	}))
	require.NoError(t, store.SaveFindings("scan-1", &scan.RefinedFindings{
		PriceRange: scan.PriceRange{Low: 35, High: 55, Recommended: 45, Currency: "USD"},
		Confidence: 0.8,
		Method:     scan.MethodAI,
	}))
	require.NoError(t, store.UpdateScanStatus("scan-1", scan.StatusCompleted, ""))

	got, err = store.GetScan("scan-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, scan.StatusCompleted, got.Status)
	require.NotNil(t, got.Extracted)
	assert.Equal(t, "Ralph Lauren", got.Extracted.Brand)
	require.NotNil(t, got.Research)
	assert.Len(t, got.Research.SoldListings, 1)
	require.NotNil(t, got.Findings)
	assert.Equal(t, 45.0, got.Findings.PriceRange.Recommended)
}

func TestGetScanNotFound(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetScan("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestListScansByStatus(t *testing.T) {
	store := newTestStore(t)

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.CreateScan(&scan.Scan{ID: id, UserID: "u", Status: scan.StatusUploaded}))
	}
	require.NoError(t, store.UpdateScanStatus("b", scan.StatusExtracting, ""))

	uploaded, err := store.ListScansByStatus(scan.StatusUploaded)
	require.NoError(t, err)
	require.Len(t, uploaded, 2)
	assert.Equal(t, "a", uploaded[0].ID)
	assert.Equal(t, "c", uploaded[1].ID)
}

func TestImageAnalysisAndError(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateScan(&scan.Scan{ID: "scan-1", UserID: "u", Status: scan.StatusUploaded}))
	require.NoError(t, store.CreateImage(&scan.Image{ID: "img-1", ScanID: "scan-1", BlobRef: "blob://1"}))
	require.NoError(t, store.CreateImage(&scan.Image{ID: "img-2", ScanID: "scan-1", BlobRef: "blob://2"}))

	require.NoError(t, store.SetImageAnalysis("img-1", &scan.ImageAnalysis{
		ImageType:  scan.ImageTypeTag,
		Confidence: 0.9,
		Tag:        &scan.TagFields{Brand: "Levi's", StyleCode: "501-0115"},
	}))
	require.NoError(t, store.SetImageError("img-2", "blurry beyond recognition"))

	images, err := store.GetImages("scan-1")
	require.NoError(t, err)
	require.Len(t, images, 2)

	assert.Equal(t, scan.ImageTypeTag, images[0].ImageType)
	assert.True(t, images[0].Processed)
	require.NotNil(t, images[0].Analysis)
	assert.Equal(t, "Levi's", images[0].Analysis.Tag.Brand)

	assert.True(t, images[1].Processed)
	assert.Equal(t, "blurry beyond recognition", images[1].Error)
	assert.Nil(t, images[1].Analysis)
	assert.Equal(t, scan.ImageTypeUnknown, images[1].ImageType)
}

func TestCacheDecodeImmutable(t *testing.T) {
	store := newTestStore(t)

	first := &CacheEntry{
		Brand:          "levis",
		NormalizedCode: "501011540",
		Decoded:        scan.DecodedStyleCode{Brand: "levis", Code: "501011540", ProductLine: "501 Original", Confidence: 0.9},
	}
	require.NoError(t, store.PutCacheEntry(first))

	// A second put for the same key must not overwrite the first decode.
	require.NoError(t, store.PutCacheEntry(&CacheEntry{
		Brand:          "levis",
		NormalizedCode: "501011540",
		Decoded:        scan.DecodedStyleCode{Brand: "levis", Code: "501011540", ProductLine: "something else", Confidence: 0.1},
	}))

	entry, err := store.GetCacheEntry("levis", "501011540")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "501 Original", entry.Decoded.ProductLine)
	assert.Equal(t, 0.9, entry.Decoded.Confidence)
	assert.Equal(t, int64(0), entry.HitCount)
}

func TestCacheTouchIncrements(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutCacheEntry(&CacheEntry{
		Brand:          "nike",
		NormalizedCode: "DH1234100",
		Decoded:        scan.DecodedStyleCode{Brand: "nike", Code: "DH1234100", Confidence: 0.75},
	}))

	require.NoError(t, store.TouchCacheEntry("nike", "DH1234100"))
	require.NoError(t, store.TouchCacheEntry("nike", "DH1234100"))

	entry, err := store.GetCacheEntry("nike", "DH1234100")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, int64(2), entry.HitCount)
	assert.False(t, entry.LastHitAt.IsZero())
}

func TestCacheSnapshotUpdate(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.PutCacheEntry(&CacheEntry{
		Brand:          "carhartt",
		NormalizedCode: "J130",
		Decoded:        scan.DecodedStyleCode{Brand: "carhartt", Code: "J130", ProductLine: "jacket", Confidence: 0.8},
	}))

	entry, err := store.GetCacheEntry("carhartt", "J130")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Nil(t, entry.Snapshot)
	assert.True(t, entry.SnapshotAt.IsZero())

	snapshot := &scan.ResearchResults{
		SoldListings: []scan.Listing{{Title: "Carhartt J130", Price: 80, Currency: "USD", Platform: "ebay", URL: "https://ebay.com/itm/9", Sold: true}},
		Currency:     "USD",
		FetchedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.UpdateCacheSnapshot("carhartt", "J130", snapshot))

	entry, err = store.GetCacheEntry("carhartt", "J130")
	require.NoError(t, err)
	require.NotNil(t, entry.Snapshot)
	assert.Len(t, entry.Snapshot.SoldListings, 1)
	assert.False(t, entry.SnapshotAt.IsZero())
}

func TestCacheMiss(t *testing.T) {
	store := newTestStore(t)

	entry, err := store.GetCacheEntry("unknown", "X999")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestAppendPipelineRun(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.AppendPipelineRun(&PipelineRun{
		ID:           "run-1",
		ScanID:       "scan-1",
		Stage:        scan.StageExtraction,
		Provider:     "gemini",
		DurationMs:   1200,
		Success:      true,
		InputTokens:  950,
		OutputTokens: 210,
		CostUSD:      0.0011,
	}))
	require.NoError(t, store.AppendPipelineRun(&PipelineRun{
		ID:      "run-2",
		ScanID:  "scan-1",
		Stage:   scan.StageResearch,
		Success: false,
		Error:   "search provider unavailable",
	}))
}
