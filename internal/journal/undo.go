package journal

import (
	"context"
	"fmt"
	"os"
	"time"

	"filenerd/internal/fileops"
	"filenerd/internal/logging"
)

// UndoReport summarizes an UndoTransaction run. Failed and Err are set
// when the LIFO walk stopped early.
type UndoReport struct {
	TxID   string `json:"tx_id"`
	Undone int    `json:"undone"`
	Failed *Entry `json:"failed,omitempty"`
	Err    error  `json:"-"`
}

// UndoCheck is the admission verdict for one entry. When OK is false,
// Dependents lists committed entries that must be undone first, and
// Reason explains any other obstacle.
type UndoCheck struct {
	OK         bool     `json:"can_undo"`
	Reason     string   `json:"reason,omitempty"`
	Dependents []string `json:"dependents,omitempty"`
}

// CanUndo reports whether an entry is currently undoable and, when it
// is not, why.
//
// An entry E is undoable iff its status is committed, no committed
// entry F exists with F.created_at > E.created_at and F.source_path ==
// E.target_path, and E's reverse operation is currently applicable:
// its source (the stashed backup for deletes) still exists and its
// target is vacant. Later entries that picked the file up at E's
// target must be undone first, or E's reverse would clobber a path the
// file no longer occupies. Entries recorded in the same millisecond
// are caught through the stored dependency lists instead of the
// timestamp comparison.
func (s *Store) CanUndo(ctx context.Context, id string) (UndoCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.getLocked(ctx, id)
	if err != nil {
		return UndoCheck{}, err
	}
	if entry.Status != StatusCommitted {
		logging.JournalDebug("Entry %s not undoable: status=%s", id, entry.Status)
		return UndoCheck{Reason: fmt.Sprintf("entry status is %s", entry.Status)}, nil
	}

	dependents, err := s.dependentsLocked(ctx, entry)
	if err != nil {
		return UndoCheck{}, err
	}
	if len(dependents) > 0 {
		return UndoCheck{Dependents: dependents}, nil
	}

	if reason := reverseBlocker(entry.reverseOperation()); reason != "" {
		logging.JournalDebug("Entry %s not undoable: %s", id, reason)
		return UndoCheck{Reason: reason}, nil
	}
	return UndoCheck{OK: true}, nil
}

// reverseBlocker reports why an entry's reverse operation cannot be
// applied right now, or "" when it can. The check mirrors the reverse
// execution: the file to move back (the backup for deletes) must still
// exist, and the path it returns to must be vacant. Both conditions
// are repairable by hand, so a blocked entry stays committed and
// becomes undoable again once the filesystem is put right.
func reverseBlocker(rev fileops.Operation) string {
	if rev.SourcePath != "" {
		if _, err := os.Lstat(rev.SourcePath); err != nil {
			return fmt.Sprintf("reverse source %s is missing", rev.SourcePath)
		}
	}
	if rev.TargetPath != "" {
		if _, err := os.Lstat(rev.TargetPath); err == nil {
			return fmt.Sprintf("reverse target %s is occupied", rev.TargetPath)
		}
	}
	return ""
}

// dependentsLocked collects committed entries that must be undone
// before entry. Callers hold at least the read lock.
func (s *Store) dependentsLocked(ctx context.Context, entry *Entry) ([]string, error) {
	seen := make(map[string]bool)
	var dependents []string

	// Cross-transaction chains: a later committed entry consumed the
	// file at this entry's target.
	if entry.TargetPath != "" {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id FROM journal_entries
			WHERE status = ? AND created_at > ? AND source_path = ?
			ORDER BY created_at ASC`,
			StatusCommitted, entry.CreatedAt.UnixMilli(), entry.TargetPath)
		if err != nil {
			return nil, err
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			if !seen[id] {
				seen[id] = true
				dependents = append(dependents, id)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, err
		}
	}

	// Intra-transaction chains recorded at commit time.
	siblings, err := s.db.QueryContext(ctx, `
		SELECT id, dependencies FROM journal_entries
		WHERE transaction_id = ? AND status = ? AND id != ?`,
		entry.TransactionID, StatusCommitted, entry.ID)
	if err != nil {
		return nil, err
	}
	defer siblings.Close()
	for siblings.Next() {
		var id, depsJSON string
		if err := siblings.Scan(&id, &depsJSON); err != nil {
			return nil, err
		}
		if seen[id] {
			continue
		}
		for _, dep := range decodeDeps(depsJSON) {
			if dep == entry.ID {
				seen[id] = true
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents, siblings.Err()
}

// Undo reverses one journaled operation. The entry must be committed
// and unblocked; success marks it undone, a failed reverse marks it
// undo-failed and leaves the filesystem for manual repair.
func (s *Store) Undo(ctx context.Context, id string) error {
	timer := logging.StartTimer(logging.CategoryJournal, "Undo")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.getLocked(ctx, id)
	if err != nil {
		return err
	}
	return s.undoEntryLocked(ctx, entry)
}

// undoEntryLocked runs the reverse operation and flips the entry
// status. Caller holds the write lock.
func (s *Store) undoEntryLocked(ctx context.Context, entry *Entry) error {
	switch entry.Status {
	case StatusCommitted:
	case StatusUndone:
		return fmt.Errorf("entry %s is already undone", entry.ID)
	default:
		return fmt.Errorf("entry %s has status %s and needs manual repair", entry.ID, entry.Status)
	}

	dependents, err := s.dependentsLocked(ctx, entry)
	if err != nil {
		return err
	}
	if len(dependents) > 0 {
		return fmt.Errorf("entry %s is blocked by %d later entries (undo %s first)",
			entry.ID, len(dependents), dependents[0])
	}

	rev := entry.reverseOperation()
	// Refuse, rather than attempt and wedge, when the filesystem cannot
	// take the reverse. The entry stays committed and undoable once the
	// user restores the missing file or clears the occupied path.
	if reason := reverseBlocker(rev); reason != "" {
		return fmt.Errorf("entry %s cannot be undone: %s", entry.ID, reason)
	}
	logging.JournalDebug("Undoing entry %s: %s %s -> %s",
		entry.ID, rev.Type, rev.SourcePath, rev.TargetPath)

	if err := fileops.Apply(ctx, rev); err != nil {
		if _, uerr := s.db.ExecContext(ctx,
			`UPDATE journal_entries SET status = ? WHERE id = ?`,
			StatusUndoFailed, entry.ID); uerr != nil {
			logging.Get(logging.CategoryJournal).Error("Failed to mark entry %s undo-failed: %v", entry.ID, uerr)
		}
		logging.Audit().JournalUndo(entry.ID, false, err.Error())
		logging.Get(logging.CategoryJournal).Error("Undo of entry %s failed: %v", entry.ID, err)
		return fmt.Errorf("undo %s: %w", entry.ID, err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE journal_entries SET status = ?, undone_at = ? WHERE id = ?`,
		StatusUndone, time.Now().UnixMilli(), entry.ID); err != nil {
		logging.Get(logging.CategoryJournal).Error("Failed to mark entry %s undone: %v", entry.ID, err)
		return err
	}

	logging.Audit().JournalUndo(entry.ID, true, "")
	logging.Journal("Undid entry %s: reversed %s of %s", entry.ID, entry.OpType, entry.SourcePath)
	return nil
}

// UndoTransaction reverses every committed entry of a transaction,
// newest first, stopping at the first failure. The returned error
// covers lookup problems only; a stopped walk is reported through
// Failed and Err.
func (s *Store) UndoTransaction(ctx context.Context, txID string) (UndoReport, error) {
	timer := logging.StartTimer(logging.CategoryJournal, "UndoTransaction")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	report := UndoReport{TxID: txID}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, operation_id, op_type, source_path, target_path,
		       reverse_type, reverse_source, reverse_target, backup_path,
		       dependencies, metadata, status, created_at, undone_at
		FROM journal_entries
		WHERE transaction_id = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC`,
		txID, StatusCommitted)
	if err != nil {
		return report, err
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return report, err
	}
	if len(entries) == 0 {
		logging.JournalDebug("UndoTransaction %s: no committed entries", txID)
		return report, nil
	}

	logging.Journal("Undoing transaction %s (%d entries)", txID, len(entries))
	for i := range entries {
		if err := s.undoEntryLocked(ctx, &entries[i]); err != nil {
			report.Failed = &entries[i]
			report.Err = err
			logging.Get(logging.CategoryJournal).Warn("UndoTransaction %s stopped at entry %s: %v",
				txID, entries[i].ID, err)
			return report, nil
		}
		report.Undone++
	}

	logging.Journal("Transaction %s fully undone (%d entries)", txID, report.Undone)
	return report, nil
}
