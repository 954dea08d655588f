package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/resaleops/scanpipe/internal/scan"
)

// CacheEntry is one decoded style-code lookup. The decode portion never
// changes after first write; the market snapshot is last-write-wins and goes
// stale after the configured horizon.
type CacheEntry struct {
	Brand          string
	NormalizedCode string
	Decoded        scan.DecodedStyleCode
	Snapshot       *scan.ResearchResults
	SnapshotAt     time.Time
	HitCount       int64
	LastHitAt      time.Time
	CreatedAt      time.Time
}

// PipelineRun is one append-only audit row per stage invocation.
type PipelineRun struct {
	ID           string
	ScanID       string
	Stage        scan.Stage
	Provider     string
	DurationMs   int64
	Success      bool
	Error        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	CreatedAt    time.Time
}

// Store defines the persistence boundary for the pipeline.
type Store interface {
	CreateScan(s *scan.Scan) error
	GetScan(id string) (*scan.Scan, error)
	UpdateScanStatus(id string, status scan.Status, errorMessage string) error
	SaveExtracted(id string, data *scan.ExtractedData) error
	SaveResearch(id string, results *scan.ResearchResults) error
	SaveFindings(id string, findings *scan.RefinedFindings) error
	ListScansByStatus(status scan.Status) ([]scan.Scan, error)

	CreateImage(img *scan.Image) error
	GetImages(scanID string) ([]scan.Image, error)
	SetImageAnalysis(imageID string, analysis *scan.ImageAnalysis) error
	SetImageError(imageID string, errorMessage string) error

	GetCacheEntry(brand, normalizedCode string) (*CacheEntry, error)
	PutCacheEntry(entry *CacheEntry) error
	TouchCacheEntry(brand, normalizedCode string) error
	UpdateCacheSnapshot(brand, normalizedCode string, snapshot *scan.ResearchResults) error

	AppendPipelineRun(run *PipelineRun) error

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore creates a new SQLite-backed store at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS scans (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT NOT NULL DEFAULT '',
			extracted TEXT,
			research TEXT,
			findings TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scan_images (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL,
			blob_ref TEXT NOT NULL,
			image_type TEXT NOT NULL DEFAULT 'unknown',
			analysis TEXT,
			processed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_scan_images_scan_id ON scan_images(scan_id);`,
		`CREATE TABLE IF NOT EXISTS research_cache (
			brand TEXT NOT NULL,
			normalized_code TEXT NOT NULL,
			decoded TEXT NOT NULL,
			snapshot TEXT,
			snapshot_at DATETIME,
			hit_count INTEGER NOT NULL DEFAULT 0,
			last_hit_at DATETIME,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (brand, normalized_code)
		);`,
		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id TEXT PRIMARY KEY,
			scan_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_scan_id ON pipeline_runs(scan_id);`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// CreateScan inserts a new scan record.
func (s *SQLiteStore) CreateScan(sc *scan.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = now
	}
	sc.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO scans (id, user_id, status, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.UserID, string(sc.Status), sc.ErrorMessage, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scan: %w", err)
	}
	return nil
}

// GetScan retrieves a scan by ID. Returns nil, nil if it doesn't exist.
func (s *SQLiteStore) GetScan(id string) (*scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sc scan.Scan
	var status string
	var extracted, research, findings sql.NullString

	err := s.db.QueryRow(`
		SELECT id, user_id, status, error_message, extracted, research, findings, created_at, updated_at
		FROM scans WHERE id = ?
	`, id).Scan(&sc.ID, &sc.UserID, &status, &sc.ErrorMessage, &extracted, &research, &findings, &sc.CreatedAt, &sc.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query scan: %w", err)
	}

	sc.Status = scan.Status(status)
	if err := unmarshalColumn(extracted, &sc.Extracted); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(research, &sc.Research); err != nil {
		return nil, err
	}
	if err := unmarshalColumn(findings, &sc.Findings); err != nil {
		return nil, err
	}
	return &sc, nil
}

func unmarshalColumn[T any](col sql.NullString, dst **T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal([]byte(col.String), v); err != nil {
		return fmt.Errorf("failed to unmarshal stored payload: %w", err)
	}
	*dst = v
	return nil
}

// UpdateScanStatus writes the scan's status and error message.
func (s *SQLiteStore) UpdateScanStatus(id string, status scan.Status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE scans SET status = ?, error_message = ?, updated_at = ? WHERE id = ?
	`, string(status), errorMessage, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update scan status: %w", err)
	}
	return nil
}

// SaveExtracted persists the merged extraction for a scan.
func (s *SQLiteStore) SaveExtracted(id string, data *scan.ExtractedData) error {
	return s.savePayload(id, "extracted", data)
}

// SaveResearch persists research results for a scan.
func (s *SQLiteStore) SaveResearch(id string, results *scan.ResearchResults) error {
	return s.savePayload(id, "research", results)
}

// SaveFindings persists refined findings for a scan.
func (s *SQLiteStore) SaveFindings(id string, findings *scan.RefinedFindings) error {
	return s.savePayload(id, "findings", findings)
}

func (s *SQLiteStore) savePayload(id, column string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", column, err)
	}

	// column is one of the fixed names above, never user input
	query := fmt.Sprintf("UPDATE scans SET %s = ?, updated_at = ? WHERE id = ?", column)
	if _, err := s.db.Exec(query, string(data), time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to save %s: %w", column, err)
	}
	return nil
}

// ListScansByStatus returns all scans currently in the given status.
func (s *SQLiteStore) ListScansByStatus(status scan.Status) ([]scan.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, user_id, status, error_message, created_at, updated_at
		FROM scans WHERE status = ? ORDER BY created_at
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer rows.Close()

	var scans []scan.Scan
	for rows.Next() {
		var sc scan.Scan
		var st string
		if err := rows.Scan(&sc.ID, &sc.UserID, &st, &sc.ErrorMessage, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sc.Status = scan.Status(st)
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// CreateImage inserts a new scan image record.
func (s *SQLiteStore) CreateImage(img *scan.Image) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if img.CreatedAt.IsZero() {
		img.CreatedAt = time.Now().UTC()
	}
	if img.ImageType == "" {
		img.ImageType = scan.ImageTypeUnknown
	}

	_, err := s.db.Exec(`
		INSERT INTO scan_images (id, scan_id, blob_ref, image_type, processed, error, created_at)
		VALUES (?, ?, ?, ?, 0, '', ?)
	`, img.ID, img.ScanID, img.BlobRef, string(img.ImageType), img.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create scan image: %w", err)
	}
	return nil
}

// GetImages returns all images belonging to a scan, oldest first.
func (s *SQLiteStore) GetImages(scanID string) ([]scan.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, scan_id, blob_ref, image_type, analysis, processed, error, created_at
		FROM scan_images WHERE scan_id = ? ORDER BY created_at, id
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scan images: %w", err)
	}
	defer rows.Close()

	var images []scan.Image
	for rows.Next() {
		var img scan.Image
		var imageType string
		var analysis sql.NullString
		if err := rows.Scan(&img.ID, &img.ScanID, &img.BlobRef, &imageType, &analysis, &img.Processed, &img.Error, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		img.ImageType = scan.ImageType(imageType)
		if err := unmarshalColumn(analysis, &img.Analysis); err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// SetImageAnalysis records an image's analysis result and marks it processed.
// Written exactly once per image per pipeline run.
func (s *SQLiteStore) SetImageAnalysis(imageID string, analysis *scan.ImageAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(analysis)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE scan_images SET analysis = ?, image_type = ?, processed = 1, error = '' WHERE id = ?
	`, string(data), string(analysis.ImageType), imageID)
	if err != nil {
		return fmt.Errorf("failed to set image analysis: %w", err)
	}
	return nil
}

// SetImageError records a per-image failure and marks the image processed.
func (s *SQLiteStore) SetImageError(imageID string, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE scan_images SET processed = 1, error = ? WHERE id = ?
	`, errorMessage, imageID)
	if err != nil {
		return fmt.Errorf("failed to set image error: %w", err)
	}
	return nil
}

// GetCacheEntry retrieves a research-cache entry. Returns nil, nil on miss.
func (s *SQLiteStore) GetCacheEntry(brand, normalizedCode string) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entry CacheEntry
	var decoded string
	var snapshot sql.NullString
	var snapshotAt, lastHitAt sql.NullTime

	err := s.db.QueryRow(`
		SELECT brand, normalized_code, decoded, snapshot, snapshot_at, hit_count, last_hit_at, created_at
		FROM research_cache WHERE brand = ? AND normalized_code = ?
	`, brand, normalizedCode).Scan(
		&entry.Brand, &entry.NormalizedCode, &decoded, &snapshot, &snapshotAt,
		&entry.HitCount, &lastHitAt, &entry.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cache entry: %w", err)
	}

	if err := json.Unmarshal([]byte(decoded), &entry.Decoded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decoded code: %w", err)
	}
	if err := unmarshalColumn(snapshot, &entry.Snapshot); err != nil {
		return nil, err
	}
	if snapshotAt.Valid {
		entry.SnapshotAt = snapshotAt.Time
	}
	if lastHitAt.Valid {
		entry.LastHitAt = lastHitAt.Time
	}
	return &entry, nil
}

// PutCacheEntry inserts a new cache entry. The decoded portion is immutable:
// a concurrent insert for the same key keeps the first writer's decode.
func (s *SQLiteStore) PutCacheEntry(entry *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	decoded, err := json.Marshal(entry.Decoded)
	if err != nil {
		return fmt.Errorf("failed to marshal decoded code: %w", err)
	}

	var snapshot, snapshotAt any
	if entry.Snapshot != nil {
		data, err := json.Marshal(entry.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}
		snapshot = string(data)
		snapshotAt = entry.SnapshotAt
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`
		INSERT INTO research_cache (brand, normalized_code, decoded, snapshot, snapshot_at, hit_count, last_hit_at, created_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, ?)
		ON CONFLICT(brand, normalized_code) DO NOTHING
	`, entry.Brand, entry.NormalizedCode, string(decoded), snapshot, snapshotAt, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// TouchCacheEntry increments the hit counter and stamps the last hit. The
// increment happens in SQL so concurrent runs never lose a hit.
func (s *SQLiteStore) TouchCacheEntry(brand, normalizedCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE research_cache SET hit_count = hit_count + 1, last_hit_at = ?
		WHERE brand = ? AND normalized_code = ?
	`, time.Now().UTC(), brand, normalizedCode)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	return nil
}

// UpdateCacheSnapshot replaces the cached market snapshot, last write wins.
func (s *SQLiteStore) UpdateCacheSnapshot(brand, normalizedCode string, snapshot *scan.ResearchResults) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE research_cache SET snapshot = ?, snapshot_at = ?
		WHERE brand = ? AND normalized_code = ?
	`, string(data), time.Now().UTC(), brand, normalizedCode)
	if err != nil {
		return fmt.Errorf("failed to update cache snapshot: %w", err)
	}
	return nil
}

// AppendPipelineRun appends one audit row. Rows are never updated or deleted.
func (s *SQLiteStore) AppendPipelineRun(run *PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO pipeline_runs (id, scan_id, stage, provider, duration_ms, success, error, input_tokens, output_tokens, cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.ScanID, string(run.Stage), run.Provider, run.DurationMs, run.Success,
		run.Error, run.InputTokens, run.OutputTokens, run.CostUSD, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append pipeline run: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
