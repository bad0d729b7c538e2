package journal

import (
	"database/sql"
	"fmt"

	"filenerd/internal/logging"
)

// migration adds a column an older journal database may lack.
type migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists schema additions since the first release.
// Fresh databases get these columns through CREATE TABLE; existing
// databases pick them up here.
var pendingMigrations = []migration{
	// Intra-transaction chain tracking (added for dependency-aware undo)
	{"journal_entries", "dependencies", "TEXT DEFAULT '[]'"},
	// Operation metadata passthrough (added for suggestion provenance)
	{"journal_entries", "metadata", "TEXT DEFAULT '{}'"},
}

// runMigrations applies schema migrations for existing databases.
func runMigrations(db *sql.DB) error {
	logging.JournalDebug("Running journal migrations (%d pending)", len(pendingMigrations))

	applied := 0
	for _, m := range pendingMigrations {
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(query); err != nil {
			// Column may already exist in a different form; don't fail the open.
			logging.Get(logging.CategoryJournal).Warn("Migration failed (may already exist): %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		logging.Journal("Migration applied: added %s.%s", m.Table, m.Column)
		applied++
	}

	if applied > 0 {
		logging.Journal("Journal migrations complete: applied=%d", applied)
	}
	return nil
}

// columnExists checks a column's presence using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		logging.JournalDebug("PRAGMA table_info(%s) failed: %v", table, err)
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notnull, pk int
		var name, ctype string
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
