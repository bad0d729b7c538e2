package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"filenerd/internal/logging"
)

// =============================================================================
// FILE RECORDS
// =============================================================================

// UpsertFile inserts or refreshes a file record keyed by path. A record
// that already exists keeps its id, so suggestions stay attached across
// rescans. The returned record carries the id actually stored.
func (c *Catalog) UpsertFile(ctx context.Context, rec FileRecord) (FileRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec.Path = normalizeCatalogPath(rec.Path)
	if rec.Path == "" || rec.Path == "." {
		return rec, fmt.Errorf("file record requires a path")
	}
	if rec.ScannedAt.IsZero() {
		rec.ScannedAt = time.Now()
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	var modMs int64
	if !rec.ModTime.IsZero() {
		modMs = rec.ModTime.UnixMilli()
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO files (id, path, size, mod_time, media_kind, scanned_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size       = excluded.size,
			mod_time   = excluded.mod_time,
			media_kind = CASE WHEN excluded.media_kind != '' THEN excluded.media_kind ELSE files.media_kind END,
			scanned_at = excluded.scanned_at`,
		rec.ID, rec.Path, rec.Size, modMs, rec.MediaKind, rec.ScannedAt.UnixMilli())
	if err != nil {
		logging.StoreError("Failed to upsert file %s: %v", rec.Path, err)
		return rec, fmt.Errorf("failed to upsert file: %w", err)
	}

	// The conflict branch keeps the original id; read it back so the
	// caller holds the id suggestions reference.
	var storedID string
	if err := c.db.QueryRowContext(ctx,
		"SELECT id FROM files WHERE path = ?", rec.Path).Scan(&storedID); err != nil {
		return rec, fmt.Errorf("failed to read back file id: %w", err)
	}
	rec.ID = storedID

	logging.StoreDebug("Upserted file %s (%s)", rec.Path, rec.ID)
	return rec, nil
}

// FileByID returns one file record.
func (c *Catalog) FileByID(ctx context.Context, id string) (FileRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanFile(c.db.QueryRowContext(ctx, `
		SELECT id, path, size, mod_time, media_kind, scanned_at
		FROM files WHERE id = ?`, id))
}

// FileByPath returns the record stored for a path, if any.
func (c *Catalog) FileByPath(ctx context.Context, path string) (FileRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.scanFile(c.db.QueryRowContext(ctx, `
		SELECT id, path, size, mod_time, media_kind, scanned_at
		FROM files WHERE path = ?`, normalizeCatalogPath(path)))
}

// FilesUnder lists records whose path sits at or below root, ordered by
// path. The match is segment-aware: /a does not cover /ab.
func (c *Catalog) FilesUnder(ctx context.Context, root string) ([]FileRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	root = normalizeCatalogPath(root)
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, path, size, mod_time, media_kind, scanned_at
		FROM files
		WHERE path = ? OR path LIKE ? ESCAPE '\'
		ORDER BY path ASC`,
		root, escapeLike(root)+`/%`)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		rec, err := c.scanFile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordMove points a file record at its new path after a committed
// rename or move, keeping the id stable so history and suggestions
// still resolve.
func (c *Catalog) RecordMove(ctx context.Context, fileID, newPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	newPath = normalizeCatalogPath(newPath)
	res, err := c.db.ExecContext(ctx,
		"UPDATE files SET path = ?, scanned_at = ? WHERE id = ?",
		newPath, time.Now().UnixMilli(), fileID)
	if err != nil {
		logging.StoreError("Failed to record move for %s: %v", fileID, err)
		return fmt.Errorf("failed to record move: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrFileNotFound
	}
	logging.StoreDebug("File %s now at %s", fileID, newPath)
	return nil
}

// RemoveFile drops a record and its suggestions, used when a catalogued
// file is deleted outside the pipeline.
func (c *Catalog) RemoveFile(ctx context.Context, fileID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM files WHERE id = ?", fileID)
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFileNotFound
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM suggestions WHERE file_id = ?", fileID); err != nil {
		return fmt.Errorf("failed to delete suggestions: %w", err)
	}
	return tx.Commit()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (c *Catalog) scanFile(row scanner) (FileRecord, error) {
	var (
		rec       FileRecord
		modTime   int64
		scannedAt int64
	)
	err := row.Scan(&rec.ID, &rec.Path, &rec.Size, &modTime, &rec.MediaKind, &scannedAt)
	if err == sql.ErrNoRows {
		return rec, ErrFileNotFound
	}
	if err != nil {
		return rec, fmt.Errorf("failed to scan file row: %w", err)
	}
	if modTime != 0 {
		rec.ModTime = time.UnixMilli(modTime)
	}
	rec.ScannedAt = time.UnixMilli(scannedAt)
	return rec, nil
}

// escapeLike protects LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
