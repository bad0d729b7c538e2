// Package store is the SQLite catalog of scanned files and the rename
// and move suggestions produced for them. The agent side writes here
// when an analysis task finishes; the execution pipeline reads approved
// suggestions back out and marks them applied once their transaction
// commits.
//
// The catalog is bookkeeping, not truth: the filesystem stays
// authoritative, and a stale row costs at most a validation failure
// later. That is why writes are best-effort from the agent's point of
// view and why nothing here ever touches user files.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"filenerd/internal/logging"
)

// =============================================================================
// CATALOG
// =============================================================================

// SuggestionKind distinguishes what a suggestion wants done.
const (
	KindRename = "rename" // New basename, same directory
	KindMove   = "move"   // New location, value carries a path separator
)

// Sentinel errors for catalog lookups.
var (
	ErrFileNotFound       = fmt.Errorf("file not found in catalog")
	ErrSuggestionNotFound = fmt.Errorf("suggestion not found")
)

// FileRecord is one scanned file. Path is the absolute cleaned path the
// file had when last seen; MediaKind is a coarse bucket (document,
// image, code, ...) assigned by analysis.
type FileRecord struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	MediaKind string    `json:"media_kind,omitempty"`
	ScannedAt time.Time `json:"scanned_at"`
}

// Suggestion is one proposed rename or move for a catalogued file.
// AdjustedConfidence holds a post-hoc correction (user feedback,
// recalibration); zero means no adjustment was ever made.
type Suggestion struct {
	ID                 string    `json:"id"`
	FileID             string    `json:"file_id"`
	Kind               string    `json:"kind"`
	SuggestedValue     string    `json:"suggested_value"`
	Confidence         float64   `json:"confidence"`
	AdjustedConfidence float64   `json:"adjusted_confidence,omitempty"`
	AnalysisType       string    `json:"analysis_type,omitempty"`
	Model              string    `json:"model,omitempty"`
	IsRecommended      bool      `json:"is_recommended"`
	Approved           bool      `json:"approved"`
	Applied            bool      `json:"applied"`
	CreatedAt          time.Time `json:"created_at"`
}

// EffectiveConfidence is the confidence selection and thresholds use:
// the adjusted value when one exists, the model's raw value otherwise.
func (s Suggestion) EffectiveConfidence() float64 {
	if s.AdjustedConfidence > 0 {
		return s.AdjustedConfidence
	}
	return s.Confidence
}

// SuggestionFilter narrows suggestion queries. Zero-valued fields do
// not constrain. Approved/Applied use a tri-state so callers can ask
// for "pending only" as well as "everything".
type SuggestionFilter struct {
	FileID        string
	Kind          string
	AnalysisType  string
	MinConfidence float64 // Applied to effective confidence
	Approved      *bool
	Applied       *bool
	Limit         int
	Offset        int
}

// Counts summarizes catalog contents for status output.
type Counts struct {
	Files       int `json:"files"`
	Suggestions int `json:"suggestions"`
	Pending     int `json:"pending"`  // Neither approved nor applied
	Approved    int `json:"approved"` // Approved, not yet applied
	Applied     int `json:"applied"`
}

// Catalog is the SQLite-backed file and suggestion store. Like the
// journal it runs on a single connection; the mutex serializes the
// multi-statement paths (upsert, bulk approve).
type Catalog struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// New opens (or creates) the catalog database at path.
func New(path string) (*Catalog, error) {
	timer := logging.StartTimer(logging.CategoryStore, "New")
	defer timer.Stop()

	logging.Store("Opening catalog at path: %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		logging.StoreError("Failed to create directory %s: %v", dir, err)
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.StoreError("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}

	c := &Catalog{db: db, dbPath: path}
	if err := c.initialize(); err != nil {
		logging.StoreError("Failed to initialize catalog schema: %v", err)
		db.Close()
		return nil, err
	}

	logging.Store("Catalog ready")
	return c, nil
}

// initialize creates the schema when missing and applies column
// migrations to databases created by older builds.
func (c *Catalog) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		id         TEXT PRIMARY KEY,
		path       TEXT NOT NULL UNIQUE,
		size       INTEGER NOT NULL DEFAULT 0,
		mod_time   INTEGER NOT NULL DEFAULT 0,
		media_kind TEXT NOT NULL DEFAULT '',
		scanned_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);

	CREATE TABLE IF NOT EXISTS suggestions (
		id                  TEXT PRIMARY KEY,
		file_id             TEXT NOT NULL,
		kind                TEXT NOT NULL,
		suggested_value     TEXT NOT NULL,
		confidence          REAL NOT NULL DEFAULT 0,
		adjusted_confidence REAL NOT NULL DEFAULT 0,
		analysis_type       TEXT NOT NULL DEFAULT '',
		model               TEXT NOT NULL DEFAULT '',
		is_recommended      INTEGER NOT NULL DEFAULT 0,
		approved            INTEGER NOT NULL DEFAULT 0,
		applied             INTEGER NOT NULL DEFAULT 0,
		created_at          INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_suggestions_file ON suggestions(file_id);
	CREATE INDEX IF NOT EXISTS idx_suggestions_state ON suggestions(approved, applied);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return c.migrate()
}

// migrate adds columns introduced after the first release. SQLite has
// no ADD COLUMN IF NOT EXISTS, so presence is probed via table_info.
func (c *Catalog) migrate() error {
	migrations := []struct {
		table, column, ddl string
	}{
		{"suggestions", "adjusted_confidence",
			"ALTER TABLE suggestions ADD COLUMN adjusted_confidence REAL NOT NULL DEFAULT 0"},
		{"suggestions", "applied",
			"ALTER TABLE suggestions ADD COLUMN applied INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range migrations {
		exists, err := c.columnExists(m.table, m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := c.db.Exec(m.ddl); err != nil {
			return fmt.Errorf("failed to add %s.%s: %w", m.table, m.column, err)
		}
		logging.Store("Migrated catalog: added %s.%s", m.table, m.column)
	}
	return nil
}

func (c *Catalog) columnExists(table, column string) (bool, error) {
	rows, err := c.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("failed to inspect %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close releases the database handle.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	logging.Store("Closing catalog")
	return c.db.Close()
}

// Path returns the database file location.
func (c *Catalog) Path() string { return c.dbPath }

// Stats returns row counts for status output.
func (c *Catalog) Stats(ctx context.Context) (Counts, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out Counts
	if err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files").Scan(&out.Files); err != nil {
		return out, fmt.Errorf("failed to count files: %w", err)
	}
	err := c.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN approved = 0 AND applied = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN approved = 1 AND applied = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN applied = 1 THEN 1 ELSE 0 END), 0)
		FROM suggestions`).
		Scan(&out.Suggestions, &out.Pending, &out.Approved, &out.Applied)
	if err != nil {
		return out, fmt.Errorf("failed to count suggestions: %w", err)
	}
	return out, nil
}

// normalizeCatalogPath cleans a path into its stored form.
func normalizeCatalogPath(p string) string {
	return filepath.Clean(strings.TrimSpace(p))
}
