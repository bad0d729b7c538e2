package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filenerd/internal/fileops"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readContent(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// moveRecord builds the journal record the transaction manager would
// emit for a committed move.
func moveRecord(txID, source, target string) fileops.JournalRecord {
	op := fileops.NewOperation(fileops.OpMove, source, target)
	return fileops.JournalRecord{
		TxID: txID,
		Op:   op,
		Reverse: fileops.Operation{
			ID:         op.ID + "-rev",
			Type:       fileops.OpMove,
			SourcePath: target,
			TargetPath: source,
		},
	}
}

// deleteRecord builds the record for a committed delete with a stashed
// backup.
func deleteRecord(txID, source, backup string) fileops.JournalRecord {
	op := fileops.NewOperation(fileops.OpDelete, source, "")
	return fileops.JournalRecord{
		TxID: txID,
		Op:   op,
		Reverse: fileops.Operation{
			ID:         op.ID + "-rev",
			Type:       fileops.OpCopy,
			SourcePath: backup,
			TargetPath: source,
		},
		BackupPath: backup,
	}
}

func TestJournal_RecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := moveRecord("tx_1", "/tmp/docs/a.txt", "/tmp/docs/b.txt")
	rec.Op.Metadata = map[string]string{"suggestion": "sg_42"}
	if err := store.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}

	entries, err := store.History(ctx, Filter{TxID: "tx_1"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	entry, err := store.Get(ctx, entries[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.OpType != "move" {
		t.Errorf("expected op_type move, got %s", entry.OpType)
	}
	if entry.SourcePath != "/tmp/docs/a.txt" || entry.TargetPath != "/tmp/docs/b.txt" {
		t.Errorf("unexpected paths: %s -> %s", entry.SourcePath, entry.TargetPath)
	}
	if entry.ReverseType != "move" || entry.ReverseSource != "/tmp/docs/b.txt" || entry.ReverseTarget != "/tmp/docs/a.txt" {
		t.Errorf("unexpected reverse: %s %s -> %s", entry.ReverseType, entry.ReverseSource, entry.ReverseTarget)
	}
	if entry.Status != StatusCommitted {
		t.Errorf("expected status committed, got %s", entry.Status)
	}
	if entry.Metadata["suggestion"] != "sg_42" {
		t.Errorf("metadata lost: %v", entry.Metadata)
	}
	if entry.UndoneAt != nil {
		t.Errorf("fresh entry should not have undone_at")
	}
	if time.Since(entry.CreatedAt) > time.Minute {
		t.Errorf("created_at looks wrong: %v", entry.CreatedAt)
	}
}

func TestJournal_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "no-such-entry")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("expected ErrEntryNotFound, got %v", err)
	}
}

func TestJournal_HasTx(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, moveRecord("tx_known", "/x/a", "/x/b")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	ok, err := store.HasTx(ctx, "tx_known")
	if err != nil || !ok {
		t.Errorf("expected HasTx(tx_known)=true, got %v, %v", ok, err)
	}
	ok, err = store.HasTx(ctx, "tx_unknown")
	if err != nil || ok {
		t.Errorf("expected HasTx(tx_unknown)=false, got %v, %v", ok, err)
	}
}

func TestJournal_HistoryFiltersAndOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Record(ctx, moveRecord("tx_a", "/docs/one.txt", "/archive/one.txt")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Record(ctx, deleteRecord("tx_b", "/docs/two.txt", "/backups/tx_b/two.txt")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Record(ctx, moveRecord("tx_b", "/music/three.mp3", "/archive/three.mp3")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	all, err := store.History(ctx, Filter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].SourcePath != "/music/three.mp3" || all[2].SourcePath != "/docs/one.txt" {
		t.Errorf("expected newest-first order, got %s .. %s", all[0].SourcePath, all[2].SourcePath)
	}

	byTx, err := store.History(ctx, Filter{TxID: "tx_b"})
	if err != nil {
		t.Fatalf("History by tx: %v", err)
	}
	if len(byTx) != 2 {
		t.Errorf("expected 2 entries for tx_b, got %d", len(byTx))
	}

	byPrefix, err := store.History(ctx, Filter{PathPrefix: "/docs"})
	if err != nil {
		t.Fatalf("History by prefix: %v", err)
	}
	if len(byPrefix) != 2 {
		t.Errorf("expected 2 entries under /docs, got %d", len(byPrefix))
	}

	byType, err := store.History(ctx, Filter{OpType: "delete"})
	if err != nil {
		t.Fatalf("History by type: %v", err)
	}
	if len(byType) != 1 || byType[0].OpType != "delete" {
		t.Errorf("expected the delete entry, got %d entries", len(byType))
	}

	page, err := store.History(ctx, Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("History paginated: %v", err)
	}
	if len(page) != 1 || page[0].OpType != "delete" {
		t.Fatalf("expected the middle entry on page 2, got %d entries", len(page))
	}

	since, err := store.History(ctx, Filter{Since: all[1].CreatedAt})
	if err != nil {
		t.Fatalf("History since: %v", err)
	}
	if len(since) != 2 {
		t.Errorf("expected 2 entries since the middle one, got %d", len(since))
	}
}

func TestJournal_CanUndoDependencyChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	// Two transactions moved the same file along: /a -> /b, then /b -> /c.
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	pathC := filepath.Join(dir, "c.txt")
	writeTestFile(t, pathC, "travelling")

	if err := store.Record(ctx, moveRecord("tx_first", pathA, pathB)); err != nil {
		t.Fatalf("Record first: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := store.Record(ctx, moveRecord("tx_second", pathB, pathC)); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	hist, err := store.History(ctx, Filter{})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	second, first := hist[0], hist[1]

	check, err := store.CanUndo(ctx, first.ID)
	if err != nil {
		t.Fatalf("CanUndo(first): %v", err)
	}
	if check.OK {
		t.Errorf("first move should be blocked while the second is committed")
	}
	if len(check.Dependents) != 1 || check.Dependents[0] != second.ID {
		t.Errorf("expected dependents [%s], got %v", second.ID, check.Dependents)
	}

	check, err = store.CanUndo(ctx, second.ID)
	if err != nil {
		t.Fatalf("CanUndo(second): %v", err)
	}
	if !check.OK || len(check.Dependents) != 0 {
		t.Errorf("second move should be undoable, got %+v", check)
	}

	// Undoing out of order is refused.
	if err := store.Undo(ctx, first.ID); err == nil {
		t.Fatalf("expected blocked undo of first entry")
	}

	if err := store.Undo(ctx, second.ID); err != nil {
		t.Fatalf("Undo(second): %v", err)
	}
	if !exists(pathB) || exists(pathC) {
		t.Errorf("expected file back at %s", pathB)
	}

	check, err = store.CanUndo(ctx, first.ID)
	if err != nil {
		t.Fatalf("CanUndo(first) after unblock: %v", err)
	}
	if !check.OK {
		t.Errorf("first move should be undoable once the second is undone")
	}

	if err := store.Undo(ctx, first.ID); err != nil {
		t.Fatalf("Undo(first): %v", err)
	}
	if !exists(pathA) || exists(pathB) {
		t.Errorf("expected file back at %s", pathA)
	}
	if readContent(t, pathA) != "travelling" {
		t.Errorf("content changed on the way back")
	}

	entry, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("Get(first): %v", err)
	}
	if entry.Status != StatusUndone || entry.UndoneAt == nil {
		t.Errorf("expected undone with timestamp, got %s %v", entry.Status, entry.UndoneAt)
	}
}

func TestJournal_IntraTransactionChain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	// One transaction chained /a -> /b -> /c. Both entries may share a
	// created_at millisecond; the stored dependency list still links them.
	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	pathC := filepath.Join(dir, "c.txt")
	writeTestFile(t, pathC, "chained")

	if err := store.Record(ctx, moveRecord("tx_chain", pathA, pathB)); err != nil {
		t.Fatalf("Record a->b: %v", err)
	}
	if err := store.Record(ctx, moveRecord("tx_chain", pathB, pathC)); err != nil {
		t.Fatalf("Record b->c: %v", err)
	}

	hist, err := store.History(ctx, Filter{TxID: "tx_chain"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(hist))
	}
	later, earlier := hist[0], hist[1]

	if len(later.Dependencies) != 1 || later.Dependencies[0] != earlier.ID {
		t.Errorf("expected stored dependency on %s, got %v", earlier.ID, later.Dependencies)
	}

	check, err := store.CanUndo(ctx, earlier.ID)
	if err != nil {
		t.Fatalf("CanUndo(earlier): %v", err)
	}
	if check.OK || len(check.Dependents) != 1 || check.Dependents[0] != later.ID {
		t.Errorf("expected earlier blocked by %s, got %+v", later.ID, check)
	}
}

func TestJournal_UndoDeleteRestoresFromBackup(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	doomed := filepath.Join(dir, "doomed.txt")
	backup := filepath.Join(dir, "backups", "tx_del", "stash_doomed.txt")
	writeTestFile(t, backup, "last words")

	if err := store.Record(ctx, deleteRecord("tx_del", doomed, backup)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	hist, _ := store.History(ctx, Filter{TxID: "tx_del"})
	if err := store.Undo(ctx, hist[0].ID); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if readContent(t, doomed) != "last words" {
		t.Errorf("expected restored content at %s", doomed)
	}
	if !exists(backup) {
		t.Errorf("backup should survive until purge")
	}

	// A second undo of the same entry is refused.
	if err := store.Undo(ctx, hist[0].ID); err == nil {
		t.Errorf("expected error undoing an undone entry")
	}
}

func TestJournal_CanUndoRequiresReverseSource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	writeTestFile(t, pathB, "wandering")

	if err := store.Record(ctx, moveRecord("tx_fs", pathA, pathB)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	hist, _ := store.History(ctx, Filter{TxID: "tx_fs"})
	id := hist[0].ID

	// The moved file vanished out-of-band: the reverse has nothing to
	// move back, so the undo must be refused, not attempted.
	if err := os.Remove(pathB); err != nil {
		t.Fatalf("remove: %v", err)
	}
	check, err := store.CanUndo(ctx, id)
	if err != nil {
		t.Fatalf("CanUndo: %v", err)
	}
	if check.OK || len(check.Dependents) != 0 {
		t.Errorf("expected blocked with no dependents, got %+v", check)
	}
	if !strings.Contains(check.Reason, pathB) {
		t.Errorf("expected reason naming %s, got %q", pathB, check.Reason)
	}
	if err := store.Undo(ctx, id); err == nil {
		t.Fatalf("expected refused undo")
	}

	// A refusal leaves the entry committed, not wedged.
	entry, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != StatusCommitted {
		t.Errorf("refused undo must leave the entry committed, got %s", entry.Status)
	}

	// Restoring the file makes the entry undoable again.
	writeTestFile(t, pathB, "wandering")
	check, err = store.CanUndo(ctx, id)
	if err != nil {
		t.Fatalf("CanUndo after restore: %v", err)
	}
	if !check.OK {
		t.Fatalf("expected undoable after restore, got %+v", check)
	}
	if err := store.Undo(ctx, id); err != nil {
		t.Fatalf("Undo after restore: %v", err)
	}
	if !exists(pathA) || exists(pathB) {
		t.Errorf("expected file back at %s", pathA)
	}
}

func TestJournal_CanUndoRefusesOccupiedReverseTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	writeTestFile(t, pathB, "moved out")

	if err := store.Record(ctx, moveRecord("tx_occ", pathA, pathB)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	hist, _ := store.History(ctx, Filter{TxID: "tx_occ"})
	id := hist[0].ID

	// Something new took the original path; moving back would clobber it.
	writeTestFile(t, pathA, "squatter")
	check, err := store.CanUndo(ctx, id)
	if err != nil {
		t.Fatalf("CanUndo: %v", err)
	}
	if check.OK {
		t.Errorf("expected blocked while reverse target is occupied")
	}
	if !strings.Contains(check.Reason, pathA) || !strings.Contains(check.Reason, "occupied") {
		t.Errorf("expected occupied-target reason naming %s, got %q", pathA, check.Reason)
	}
	if err := store.Undo(ctx, id); err == nil {
		t.Fatalf("expected refused undo")
	}
	if readContent(t, pathA) != "squatter" {
		t.Errorf("refused undo must not touch the occupying file")
	}

	if err := os.Remove(pathA); err != nil {
		t.Fatalf("remove: %v", err)
	}
	check, err = store.CanUndo(ctx, id)
	if err != nil {
		t.Fatalf("CanUndo after clear: %v", err)
	}
	if !check.OK {
		t.Fatalf("expected undoable once the target is vacant, got %+v", check)
	}
	if err := store.Undo(ctx, id); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if readContent(t, pathA) != "moved out" {
		t.Errorf("expected original content restored at %s", pathA)
	}
}

func TestJournal_UndoFailureMarksEntry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	// The backup path exists but is a directory, so the applicability
	// check passes and the restore itself fails.
	doomed := filepath.Join(dir, "doomed.txt")
	badBackup := filepath.Join(dir, "backups", "tx_bad", "stash")
	if err := os.MkdirAll(badBackup, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := store.Record(ctx, deleteRecord("tx_bad", doomed, badBackup)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	hist, _ := store.History(ctx, Filter{TxID: "tx_bad"})
	if err := store.Undo(ctx, hist[0].ID); err == nil {
		t.Fatalf("expected undo failure")
	}

	entry, err := store.Get(ctx, hist[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if entry.Status != StatusUndoFailed {
		t.Errorf("expected status undo-failed, got %s", entry.Status)
	}

	check, err := store.CanUndo(ctx, entry.ID)
	if err != nil {
		t.Fatalf("CanUndo: %v", err)
	}
	if check.OK {
		t.Errorf("undo-failed entry must not be undoable")
	}
	if err := store.Undo(ctx, entry.ID); err == nil {
		t.Errorf("expected error undoing an undo-failed entry")
	}
}

func TestJournal_UndoTransactionLIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	pathA := filepath.Join(dir, "a.txt")
	pathB := filepath.Join(dir, "b.txt")
	pathC := filepath.Join(dir, "c.txt")
	writeTestFile(t, pathC, "round trip")

	if err := store.Record(ctx, moveRecord("tx_lifo", pathA, pathB)); err != nil {
		t.Fatalf("Record a->b: %v", err)
	}
	if err := store.Record(ctx, moveRecord("tx_lifo", pathB, pathC)); err != nil {
		t.Fatalf("Record b->c: %v", err)
	}

	report, err := store.UndoTransaction(ctx, "tx_lifo")
	if err != nil {
		t.Fatalf("UndoTransaction: %v", err)
	}
	if report.Undone != 2 || report.Failed != nil || report.Err != nil {
		t.Fatalf("expected clean undo of 2 entries, got %+v", report)
	}
	if !exists(pathA) || exists(pathB) || exists(pathC) {
		t.Errorf("expected file back at %s only", pathA)
	}
	if readContent(t, pathA) != "round trip" {
		t.Errorf("content changed on the way back")
	}

	// Nothing committed remains; a second run is a no-op.
	report, err = store.UndoTransaction(ctx, "tx_lifo")
	if err != nil {
		t.Fatalf("UndoTransaction again: %v", err)
	}
	if report.Undone != 0 || report.Failed != nil {
		t.Errorf("expected no-op report, got %+v", report)
	}
}

func TestJournal_UndoTransactionStopsOnFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	okPath := filepath.Join(dir, "ok.txt")
	okMoved := filepath.Join(dir, "ok-moved.txt")
	writeTestFile(t, okMoved, "fine")

	if err := store.Record(ctx, moveRecord("tx_stop", okPath, okMoved)); err != nil {
		t.Fatalf("Record ok: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	// The newest entry's moved file has vanished, so its undo fails first.
	if err := store.Record(ctx, moveRecord("tx_stop", filepath.Join(dir, "lost.txt"), filepath.Join(dir, "lost-moved.txt"))); err != nil {
		t.Fatalf("Record lost: %v", err)
	}

	report, err := store.UndoTransaction(ctx, "tx_stop")
	if err != nil {
		t.Fatalf("UndoTransaction: %v", err)
	}
	if report.Undone != 0 {
		t.Errorf("expected stop before any undo, got %d", report.Undone)
	}
	if report.Failed == nil || report.Failed.SourcePath != filepath.Join(dir, "lost.txt") {
		t.Errorf("expected the lost entry reported as failed")
	}
	if report.Err == nil {
		t.Errorf("expected report error")
	}

	// The older entry is untouched and the moved file still in place.
	if !exists(okMoved) {
		t.Errorf("older entry must not have been undone")
	}
	hist, _ := store.History(ctx, Filter{TxID: "tx_stop", OpType: "move"})
	for _, e := range hist {
		if e.SourcePath == okPath && e.Status != StatusCommitted {
			t.Errorf("older entry should stay committed, got %s", e.Status)
		}
	}
}

func TestJournal_PurgeRespectsRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	oldBackup := filepath.Join(dir, "backups", "tx_old", "stash_old.txt")
	writeTestFile(t, oldBackup, "ancient")

	if err := store.Record(ctx, deleteRecord("tx_old", filepath.Join(dir, "old.txt"), oldBackup)); err != nil {
		t.Fatalf("Record old: %v", err)
	}
	if err := store.Record(ctx, moveRecord("tx_fresh", filepath.Join(dir, "new.txt"), filepath.Join(dir, "newer.txt"))); err != nil {
		t.Fatalf("Record fresh: %v", err)
	}

	// Nothing is old enough yet, and windows below 30 days are clamped.
	n, err := store.Purge(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing purged, got %d", n)
	}

	// Age the old transaction past the retention floor.
	aged := time.Now().Add(-45 * 24 * time.Hour).UnixMilli()
	if _, err := store.db.Exec(`UPDATE journal_entries SET created_at = ? WHERE transaction_id = ?`, aged, "tx_old"); err != nil {
		t.Fatalf("age entries: %v", err)
	}

	n, err = store.Purge(ctx, minRetention)
	if err != nil {
		t.Fatalf("Purge aged: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry purged, got %d", n)
	}
	if exists(oldBackup) {
		t.Errorf("purge should remove the backup file")
	}
	if exists(filepath.Dir(oldBackup)) {
		t.Errorf("purge should remove the emptied stash dir")
	}

	fresh, err := store.History(ctx, Filter{TxID: "tx_fresh"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(fresh) != 1 {
		t.Errorf("fresh transaction must survive the purge")
	}
	if _, err := store.HasTx(ctx, "tx_old"); err != nil {
		t.Fatalf("HasTx: %v", err)
	}
	ok, _ := store.HasTx(ctx, "tx_old")
	if ok {
		t.Errorf("purged transaction should be gone")
	}
}

func TestJournal_Stats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	moved := filepath.Join(dir, "moved.txt")
	writeTestFile(t, moved, "here")

	if err := store.Record(ctx, moveRecord("tx_s1", filepath.Join(dir, "orig.txt"), moved)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := store.Record(ctx, deleteRecord("tx_s2", filepath.Join(dir, "del.txt"), filepath.Join(dir, "bk.txt"))); err != nil {
		t.Fatalf("Record: %v", err)
	}

	hist, _ := store.History(ctx, Filter{TxID: "tx_s1"})
	if err := store.Undo(ctx, hist[0].ID); err != nil {
		t.Fatalf("Undo: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("expected 2 entries, got %d", stats.TotalEntries)
	}
	if stats.ByStatus[StatusCommitted] != 1 || stats.ByStatus[StatusUndone] != 1 {
		t.Errorf("unexpected status counts: %v", stats.ByStatus)
	}
	if stats.ByOpType["move"] != 1 || stats.ByOpType["delete"] != 1 {
		t.Errorf("unexpected op type counts: %v", stats.ByOpType)
	}
	if stats.OldestEntry.IsZero() || stats.NewestEntry.Before(stats.OldestEntry) {
		t.Errorf("unexpected age bounds: %v .. %v", stats.OldestEntry, stats.NewestEntry)
	}
	if stats.DBSizeBytes <= 0 {
		t.Errorf("expected a non-empty database file")
	}
}

func TestJournal_ManagerIntegration(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	src := filepath.Join(dir, "inbox", "report.pdf")
	dst := filepath.Join(dir, "documents", "report.pdf")
	writeTestFile(t, src, "quarterly numbers")

	mgr := fileops.NewManager(filepath.Join(dir, "backups"), store)
	txID := mgr.Begin()
	if err := mgr.Add(txID, fileops.NewOperation(fileops.OpMove, src, dst)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	report, err := mgr.Execute(ctx, txID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.Status != fileops.TxCommitted {
		t.Fatalf("expected committed, got %s", report.Status)
	}

	// The commit landed in the journal through the fileops.Journal seam.
	ok, err := store.HasTx(ctx, txID)
	if err != nil || !ok {
		t.Fatalf("expected journaled transaction, got %v, %v", ok, err)
	}
	hist, err := store.History(ctx, Filter{TxID: txID})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(hist) != 1 || hist[0].OpType != "move" {
		t.Fatalf("expected one journaled move, got %d entries", len(hist))
	}

	// Undo walks the file back to where it started.
	if err := store.Undo(ctx, hist[0].ID); err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if readContent(t, src) != "quarterly numbers" {
		t.Errorf("expected file restored at %s", src)
	}
	if exists(dst) {
		t.Errorf("target should be gone after undo")
	}
}
