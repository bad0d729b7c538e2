package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"filenerd/internal/logging"
)

// minRetention is the floor for Purge. Undo history younger than this
// is never discarded, whatever the configuration asks for.
const minRetention = 30 * 24 * time.Hour

// Stats describes the journal's current contents.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByOpType     map[string]int64 `json:"by_op_type"`
	OldestEntry  time.Time        `json:"oldest_entry,omitempty"`
	NewestEntry  time.Time        `json:"newest_entry,omitempty"`
	DBSizeBytes  int64            `json:"db_size_bytes"`
}

// Purge deletes entries older than the retention window, together with
// their backup files. Whole transactions go at once: a transaction is
// purged only when its newest entry is past the cutoff, so stored
// dependency lists never point at deleted rows. Returns the number of
// entries removed.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	timer := logging.StartTimer(logging.CategoryJournal, "Purge")
	defer timer.Stop()

	if olderThan < minRetention {
		logging.JournalWarn("Purge window %s below retention floor, clamping to %s", olderThan, minRetention)
		olderThan = minRetention
	}
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id FROM journal_entries
		GROUP BY transaction_id
		HAVING MAX(created_at) < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	var txIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		txIDs = append(txIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(txIDs) == 0 {
		logging.JournalDebug("Purge: nothing older than %s", cutoff.Format(time.RFC3339))
		return 0, nil
	}

	purged := 0
	backupsRemoved := 0
	for _, txID := range txIDs {
		backups, err := s.txBackupPaths(ctx, txID)
		if err != nil {
			return purged, err
		}

		res, err := s.db.ExecContext(ctx,
			`DELETE FROM journal_entries WHERE transaction_id = ?`, txID)
		if err != nil {
			logging.Get(logging.CategoryJournal).Error("Purge of transaction %s failed: %v", txID, err)
			return purged, err
		}
		if n, err := res.RowsAffected(); err == nil {
			purged += int(n)
		}

		for _, backup := range backups {
			if err := os.Remove(backup); err != nil {
				if !os.IsNotExist(err) {
					logging.JournalDebug("Purge could not remove backup %s: %v", backup, err)
				}
				continue
			}
			backupsRemoved++
			// Per-transaction stash directory, removable once empty.
			if err := os.Remove(filepath.Dir(backup)); err != nil && !os.IsNotExist(err) {
				logging.JournalDebug("Stash dir for %s not yet empty: %v", txID, err)
			}
		}
	}

	logging.Audit().JournalPurge(purged, backupsRemoved, cutoff.Format(time.RFC3339))
	logging.Journal("Purged %d entries across %d transactions (%d backups removed)",
		purged, len(txIDs), backupsRemoved)
	return purged, nil
}

// txBackupPaths lists the non-empty backup paths of one transaction.
func (s *Store) txBackupPaths(ctx context.Context, txID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT backup_path FROM journal_entries
		WHERE transaction_id = ? AND backup_path != ''`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p sql.NullString
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		if p.String != "" {
			paths = append(paths, p.String)
		}
	}
	return paths, rows.Err()
}

// Stats reports entry totals by status and operation type, the age
// bounds of the journal, and the database file size.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByStatus: make(map[string]int64),
		ByOpType: make(map[string]int64),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM journal_entries`).Scan(&stats.TotalEntries); err != nil {
		return nil, err
	}

	byStatus, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM journal_entries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	for byStatus.Next() {
		var status string
		var count int64
		if err := byStatus.Scan(&status, &count); err != nil {
			byStatus.Close()
			return nil, err
		}
		stats.ByStatus[status] = count
	}
	byStatus.Close()

	byType, err := s.db.QueryContext(ctx,
		`SELECT op_type, COUNT(*) FROM journal_entries GROUP BY op_type`)
	if err != nil {
		return nil, err
	}
	for byType.Next() {
		var opType string
		var count int64
		if err := byType.Scan(&opType, &count); err != nil {
			byType.Close()
			return nil, err
		}
		stats.ByOpType[opType] = count
	}
	byType.Close()

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at), MAX(created_at) FROM journal_entries`).Scan(&oldest, &newest); err != nil {
		return nil, err
	}
	if oldest.Valid {
		stats.OldestEntry = time.UnixMilli(oldest.Int64)
	}
	if newest.Valid {
		stats.NewestEntry = time.UnixMilli(newest.Int64)
	}

	if info, err := os.Stat(s.dbPath); err == nil {
		stats.DBSizeBytes = info.Size()
	}

	logging.JournalDebug("Stats: %d entries, %d statuses, db=%d bytes",
		stats.TotalEntries, len(stats.ByStatus), stats.DBSizeBytes)
	return stats, nil
}
