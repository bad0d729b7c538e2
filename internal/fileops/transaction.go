package fileops

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"filenerd/internal/logging"
)

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TxStatus tracks a transaction through its lifecycle.
type TxStatus string

const (
	TxPending    TxStatus = "pending"
	TxPreparing  TxStatus = "preparing"
	TxExecuting  TxStatus = "executing"
	TxCommitted  TxStatus = "committed"
	TxRolledBack TxStatus = "rolled-back"
	TxFailed     TxStatus = "failed"
)

// Terminal reports whether the transaction can no longer change.
func (s TxStatus) Terminal() bool {
	return s == TxCommitted || s == TxRolledBack || s == TxFailed
}

var (
	// ErrTxNotFound is returned for unknown transaction ids.
	ErrTxNotFound = errors.New("fileops: transaction not found")
	// ErrTxFinished is returned when a terminal transaction is reused.
	ErrTxFinished = errors.New("fileops: transaction already finished")
	// ErrTxActive is returned when a transaction is touched mid-execute.
	ErrTxActive = errors.New("fileops: transaction is executing")
)

// preparedOp is an operation plus everything compensation needs.
type preparedOp struct {
	op          Operation
	reverse     Operation
	backupPath  string   // stash of content the op destroys, "" if none
	sourceStash string   // requested copy of the source, "" if none
	createdDirs []string // directories created during execute, deepest first
}

// Transaction is a unit of filesystem work that either fully applies or
// fully compensates.
type Transaction struct {
	ID         string      `json:"id"`
	Status     TxStatus    `json:"status"`
	Ops        []Operation `json:"ops,omitempty"`
	Results    []OpResult  `json:"results,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	FinishedAt time.Time   `json:"finished_at,omitempty"`
	Err        string      `json:"error,omitempty"`

	prepared []preparedOp
}

// ExecReport summarizes one Execute call.
type ExecReport struct {
	TxID       string
	Status     TxStatus
	Executed   int        // operations applied before commit or failure
	RolledBack int        // compensations applied after a failure
	FailedOp   *Operation // operation at which execution stopped
	Results    []OpResult
	Err        error // the triggering error

	// CompensationErr is set only when Status is TxFailed: an applied
	// operation could not be walked back and the filesystem needs
	// manual repair.
	CompensationErr error
}

// JournalRecord is what the journal persists for one committed
// operation.
type JournalRecord struct {
	TxID       string
	Op         Operation
	Reverse    Operation
	BackupPath string
}

// Journal persists committed operations for undo. Implemented by
// internal/journal; nil disables journaling.
type Journal interface {
	Record(ctx context.Context, rec JournalRecord) error
	HasTx(ctx context.Context, txID string) (bool, error)
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager owns transactions and is the only component that mutates the
// filesystem. Validation stays in Validator; pipelines compose the two.
type Manager struct {
	mu         sync.RWMutex
	txns       map[string]*Transaction
	backupRoot string
	journal    Journal
}

// NewManager creates a transaction manager stashing backups under
// backupRoot. journal may be nil, which disables undo history.
func NewManager(backupRoot string, journal Journal) *Manager {
	return &Manager{
		txns:       make(map[string]*Transaction),
		backupRoot: backupRoot,
		journal:    journal,
	}
}

// Begin opens an empty transaction and returns its id.
func (m *Manager) Begin() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := fmt.Sprintf("tx_%d", time.Now().UnixNano())
	m.txns[id] = &Transaction{
		ID:        id,
		Status:    TxPending,
		CreatedAt: time.Now(),
	}
	logging.FileOpsDebug("transaction %s opened", id)
	return id
}

// Add appends an operation to a pending transaction.
func (m *Manager) Add(txID string, op Operation) error {
	if err := op.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	switch {
	case txn.Status.Terminal():
		return ErrTxFinished
	case txn.Status != TxPending:
		return ErrTxActive
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	txn.Ops = append(txn.Ops, op)
	logging.FileOpsDebug("transaction %s: added %s %s -> %s", txID, op.Type, op.SourcePath, op.TargetPath)
	return nil
}

// Get returns a copy of the transaction.
func (m *Manager) Get(txID string) (Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[txID]
	if !ok {
		return Transaction{}, ErrTxNotFound
	}
	cp := *txn
	cp.Ops = append([]Operation(nil), txn.Ops...)
	cp.Results = append([]OpResult(nil), txn.Results...)
	cp.prepared = nil
	return cp, nil
}

// Status returns the current transaction status.
func (m *Manager) Status(txID string) (TxStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[txID]
	if !ok {
		return "", ErrTxNotFound
	}
	return txn.Status, nil
}

// Rollback aborts a transaction before execution. Nothing has touched
// the filesystem yet, so the abort only flips state.
func (m *Manager) Rollback(txID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	txn, ok := m.txns[txID]
	if !ok {
		return ErrTxNotFound
	}
	switch {
	case txn.Status.Terminal():
		return ErrTxFinished
	case txn.Status != TxPending:
		return ErrTxActive
	}
	txn.Status = TxRolledBack
	txn.FinishedAt = time.Now()
	logging.FileOps("transaction %s: aborted before execution", txID)
	return nil
}

// CleanupFinished drops terminal transactions older than maxAge from
// memory. Backups and journal entries are not touched.
func (m *Manager) CleanupFinished(maxAge time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, txn := range m.txns {
		if txn.Status.Terminal() && !txn.FinishedAt.IsZero() && txn.FinishedAt.Before(cutoff) {
			delete(m.txns, id)
			n++
		}
	}
	return n
}

// =============================================================================
// EXECUTION
// =============================================================================

// Execute applies the transaction's operations in order. The first
// failure triggers compensation of everything already applied, newest
// first. A fully compensated transaction reports RolledBack with the
// triggering error; a failed compensation reports Failed and leaves the
// filesystem inconsistent.
func (m *Manager) Execute(ctx context.Context, txID string) (*ExecReport, error) {
	m.mu.Lock()
	txn, ok := m.txns[txID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrTxNotFound
	}
	switch {
	case txn.Status.Terminal():
		m.mu.Unlock()
		return nil, ErrTxFinished
	case txn.Status != TxPending:
		m.mu.Unlock()
		return nil, ErrTxActive
	}
	txn.Status = TxPreparing
	txn.StartedAt = time.Now()
	ops := append([]Operation(nil), txn.Ops...)
	m.mu.Unlock()

	logging.FileOps("transaction %s: executing %d operations", txID, len(ops))
	report := &ExecReport{TxID: txID, Status: TxExecuting}

	// Prepare: reverse ops and stashes. Nothing is applied yet, so a
	// failure here aborts cleanly.
	prepared, err := m.prepare(txID, ops)
	if err != nil {
		m.removeBackups(txID)
		m.finish(txn, TxRolledBack, err)
		report.Status = TxRolledBack
		report.Err = err
		logging.FileOpsError("transaction %s: prepare failed: %v", txID, err)
		return report, nil
	}

	m.mu.Lock()
	txn.Status = TxExecuting
	txn.prepared = prepared
	m.mu.Unlock()

	for i := range prepared {
		if cerr := ctx.Err(); cerr != nil {
			m.recordResults(txn, report.Results)
			return m.compensateFrom(txn, report, prepared, i, fmt.Errorf("execution interrupted: %w", cerr)), nil
		}
		start := time.Now()
		err := m.applyPrepared(&prepared[i])
		res := OpResult{
			OpID:     prepared[i].op.ID,
			Type:     prepared[i].op.Type,
			Source:   prepared[i].op.SourcePath,
			Target:   prepared[i].op.TargetPath,
			Success:  err == nil,
			Duration: time.Since(start),
		}
		if err != nil {
			res.Err = err.Error()
			report.Results = append(report.Results, res)
			m.recordResults(txn, report.Results)
			return m.compensateFrom(txn, report, prepared, i, err), nil
		}
		report.Results = append(report.Results, res)
		report.Executed++
		auditOp(txID, prepared[i].op, true, "")
	}

	m.journalCommitted(ctx, txID, prepared)
	m.recordResults(txn, report.Results)
	m.finish(txn, TxCommitted, nil)
	report.Status = TxCommitted
	logging.FileOps("transaction %s: committed %d operations", txID, report.Executed)
	return report, nil
}

// prepare computes reverse operations and stashes content the
// transaction will destroy. Only backup copies touch the disk here.
// Source existence is not required for move and copy because an earlier
// operation in the same transaction may produce the source.
func (m *Manager) prepare(txID string, ops []Operation) ([]preparedOp, error) {
	prepared := make([]preparedOp, 0, len(ops))
	for i, op := range ops {
		p := preparedOp{op: op}

		switch op.Type {
		case OpMove, OpRename, OpCopy:
			if info, err := os.Lstat(op.TargetPath); err == nil {
				if info.IsDir() {
					return nil, fmt.Errorf("operation %d: target %s is a directory", i, op.TargetPath)
				}
				if !op.Force {
					return nil, fmt.Errorf("operation %d: target %s: %w and force is off", i, op.TargetPath, os.ErrExist)
				}
				stashPath, err := stash(m.backupRoot, txID, op.TargetPath)
				if err != nil {
					return nil, fmt.Errorf("operation %d: %w", i, err)
				}
				p.backupPath = stashPath
			}
			if op.CreateBackup {
				stashPath, err := stash(m.backupRoot, txID, op.SourcePath)
				if err != nil {
					return nil, fmt.Errorf("operation %d: %w", i, err)
				}
				p.sourceStash = stashPath
			}
		case OpDelete:
			info, err := os.Lstat(op.SourcePath)
			if err != nil {
				return nil, fmt.Errorf("operation %d: source: %w", i, err)
			}
			if info.Mode().IsRegular() {
				stashPath, err := stash(m.backupRoot, txID, op.SourcePath)
				if err != nil {
					return nil, fmt.Errorf("operation %d: %w", i, err)
				}
				p.backupPath = stashPath
			}
			// A directory delete carries no stash; only empty ones
			// succeed at execution time.
		case OpCreateDir:
			// Nothing to stash.
		}

		p.reverse = reverseFor(op, p.backupPath)
		prepared = append(prepared, p)
	}
	return prepared, nil
}

// applyPrepared performs one operation, recording directories it had to
// create so compensation can walk them back.
func (m *Manager) applyPrepared(p *preparedOp) error {
	op := p.op
	switch op.Type {
	case OpMove, OpRename:
		p.createdDirs = missingDirs(filepath.Dir(normalizePath(op.TargetPath)))
		return moveFile(op.SourcePath, op.TargetPath)
	case OpCopy:
		p.createdDirs = missingDirs(filepath.Dir(normalizePath(op.TargetPath)))
		_, err := copyFile(op.SourcePath, op.TargetPath)
		return err
	case OpDelete:
		return os.Remove(op.SourcePath)
	case OpCreateDir:
		p.createdDirs = missingDirs(normalizePath(op.TargetPath))
		return os.MkdirAll(op.TargetPath, 0755)
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// compensateFrom unwinds operations [0, failedIdx) newest first.
func (m *Manager) compensateFrom(txn *Transaction, report *ExecReport, prepared []preparedOp, failedIdx int, trigger error) *ExecReport {
	report.Err = trigger
	report.FailedOp = &prepared[failedIdx].op
	auditOp(txn.ID, prepared[failedIdx].op, false, trigger.Error())
	logging.FileOpsWarn("transaction %s: operation %d (%s) failed, compensating %d applied: %v",
		txn.ID, failedIdx, prepared[failedIdx].op.Type, failedIdx, trigger)

	for j := failedIdx - 1; j >= 0; j-- {
		if err := m.undoPrepared(&prepared[j]); err != nil {
			m.finish(txn, TxFailed, trigger)
			report.Status = TxFailed
			report.CompensationErr = fmt.Errorf("compensation for operation %d (%s): %w", j, prepared[j].op.Type, err)
			logging.FileOpsError("transaction %s: compensation failed at operation %d, filesystem needs manual repair: %v",
				txn.ID, j, err)
			logging.AuditWithTx(txn.ID).Rollback(txn.ID, report.RolledBack, false, err.Error())
			logging.Audit().Error("fileops", report.CompensationErr, true)
			return report
		}
		report.RolledBack++
	}

	// Every applied operation was undone and the pre-state is restored.
	m.removeBackups(txn.ID)
	m.finish(txn, TxRolledBack, trigger)
	report.Status = TxRolledBack
	logging.FileOps("transaction %s: rolled back %d operations", txn.ID, report.RolledBack)
	logging.AuditWithTx(txn.ID).Rollback(txn.ID, report.RolledBack, true, trigger.Error())
	return report
}

// undoPrepared restores the pre-state of one applied operation.
func (m *Manager) undoPrepared(p *preparedOp) error {
	op := p.op
	switch op.Type {
	case OpMove, OpRename:
		if err := moveFile(op.TargetPath, op.SourcePath); err != nil {
			return err
		}
		if p.backupPath != "" {
			if _, err := copyFile(p.backupPath, op.TargetPath); err != nil {
				return fmt.Errorf("restore overwritten target: %w", err)
			}
		}
	case OpCopy:
		if err := os.Remove(op.TargetPath); err != nil {
			return err
		}
		if p.backupPath != "" {
			if _, err := copyFile(p.backupPath, op.TargetPath); err != nil {
				return fmt.Errorf("restore overwritten target: %w", err)
			}
		}
	case OpDelete:
		if p.backupPath == "" {
			// Directory delete: put the empty directory back.
			return os.Mkdir(op.SourcePath, 0755)
		}
		if _, err := copyFile(p.backupPath, op.SourcePath); err != nil {
			return fmt.Errorf("restore deleted file: %w", err)
		}
	case OpCreateDir:
		// Deepest first so each remove sees an empty directory.
		for _, d := range p.createdDirs {
			if err := os.Remove(d); err != nil {
				return err
			}
		}
	}
	if op.Type != OpCreateDir {
		// Directories created for the target are walked back too. Best
		// effort: a non-empty one belongs to someone else now.
		for _, d := range p.createdDirs {
			_ = os.Remove(d)
		}
	}
	return nil
}

// journalCommitted writes one entry per executed operation. Journal
// failures do not fail the transaction: the filesystem work is done,
// only undo coverage is lost.
func (m *Manager) journalCommitted(ctx context.Context, txID string, prepared []preparedOp) {
	if m.journal == nil {
		return
	}
	for i := range prepared {
		backup := prepared[i].backupPath
		if backup == "" {
			backup = prepared[i].sourceStash
		}
		rec := JournalRecord{
			TxID:       txID,
			Op:         prepared[i].op,
			Reverse:    prepared[i].reverse,
			BackupPath: backup,
		}
		if err := m.journal.Record(ctx, rec); err != nil {
			logging.FileOpsError("transaction %s: journal write for op %s failed, undo unavailable: %v",
				txID, prepared[i].op.ID, err)
		}
	}
}

func (m *Manager) finish(txn *Transaction, status TxStatus, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn.Status = status
	txn.FinishedAt = time.Now()
	if err != nil {
		txn.Err = err.Error()
	}
}

func (m *Manager) recordResults(txn *Transaction, results []OpResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn.Results = append([]OpResult(nil), results...)
}

// removeBackups clears a transaction's stash directory.
func (m *Manager) removeBackups(txID string) {
	dir := filepath.Join(m.backupRoot, txID)
	if err := os.RemoveAll(dir); err != nil {
		logging.FileOpsWarn("could not remove backups for %s: %v", txID, err)
	}
}

// auditOp writes the audit trail entry for one executed operation.
func auditOp(txID string, op Operation, success bool, errMsg string) {
	var evt logging.AuditEventType
	switch op.Type {
	case OpMove:
		evt = logging.AuditFileMove
	case OpRename:
		evt = logging.AuditFileRename
	case OpCopy:
		evt = logging.AuditFileCopy
	case OpDelete:
		evt = logging.AuditFileDelete
	case OpCreateDir:
		evt = logging.AuditFileMkdir
	default:
		evt = logging.AuditFileError
	}
	logging.AuditWithTx(txID).FileOp(evt, op.SourcePath, op.TargetPath, success, errMsg)
}

// =============================================================================
// STANDALONE APPLICATION
// =============================================================================

// Apply executes a single operation outside any transaction. The
// journal uses it to run reverse operations during undo.
func Apply(ctx context.Context, op Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := op.validate(); err != nil {
		return err
	}
	var err error
	switch op.Type {
	case OpMove, OpRename:
		err = moveFile(op.SourcePath, op.TargetPath)
	case OpCopy:
		_, err = copyFile(op.SourcePath, op.TargetPath)
	case OpDelete:
		err = os.Remove(op.SourcePath)
	case OpCreateDir:
		err = os.MkdirAll(op.TargetPath, 0755)
	}
	logging.FileOpsDebug("applied %s %s -> %s (err=%v)", op.Type, op.SourcePath, op.TargetPath, err)
	return err
}

// =============================================================================
// ORPHAN SWEEP
// =============================================================================

// orphanGraceAge shields freshly abandoned stashes from the sweep so an
// operator can inspect them first.
const orphanGraceAge = 24 * time.Hour

// SweepOrphanBackups scans the backup root for transaction stashes that
// neither the journal nor this manager knows about. A crash between
// prepare and commit leaves such stashes behind. Orphans older than the
// grace age are removed, younger ones only reported; nothing is ever
// restored automatically. Returns the orphan directories found.
func (m *Manager) SweepOrphanBackups(ctx context.Context) ([]string, error) {
	if m.journal == nil {
		return nil, nil
	}
	entries, err := os.ReadDir(m.backupRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup root: %w", err)
	}

	var orphans []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		txID := e.Name()

		m.mu.RLock()
		_, known := m.txns[txID]
		m.mu.RUnlock()
		if known {
			continue
		}

		journaled, err := m.journal.HasTx(ctx, txID)
		if err != nil {
			return orphans, fmt.Errorf("journal lookup for %s: %w", txID, err)
		}
		if journaled {
			continue // committed work, retained for undo
		}

		dir := filepath.Join(m.backupRoot, txID)
		orphans = append(orphans, dir)

		info, ierr := e.Info()
		if ierr == nil && time.Since(info.ModTime()) < orphanGraceAge {
			logging.FileOpsWarn("orphan backup %s is recent, keeping for inspection", dir)
			continue
		}
		if rerr := os.RemoveAll(dir); rerr != nil {
			logging.FileOpsError("could not remove orphan backup %s: %v", dir, rerr)
			continue
		}
		logging.FileOps("removed orphan backup %s", dir)
	}
	return orphans, nil
}
