// Package pipeline turns approved suggestions into committed filesystem
// transactions. It is the only caller that strings the whole apply path
// together: catalog read, operation conversion, batch validation,
// transactional execution, journaling (via the transaction manager),
// and catalog writeback.
//
// The pipeline runs synchronously on the caller's goroutine. Batches
// execute one at a time so a misbehaving run degrades into rolled-back
// transactions rather than interleaved half-applied state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"filenerd/internal/events"
	"filenerd/internal/fileops"
	"filenerd/internal/logging"
	"filenerd/internal/store"
)

// =============================================================================
// PIPELINE
// =============================================================================

// ErrCriticalIssues aborts a run before any batch executes.
var ErrCriticalIssues = fmt.Errorf("pipeline: batch has critical validation issues")

// ErrRunAborted marks a run stopped partway by the failure policy.
var ErrRunAborted = fmt.Errorf("pipeline: run aborted")

// maxBatchRetries bounds re-execution of a rolled-back batch; waits
// double from Config.RetryBackoffBase (1 s, 2 s, 4 s).
const maxBatchRetries = 3

// loadLimit caps how many approved suggestions one run considers.
const loadLimit = 1000

// Catalog is the slice of the suggestion store the pipeline needs.
type Catalog interface {
	ApprovedSuggestions(ctx context.Context, f store.SuggestionFilter) ([]store.Suggestion, error)
	FileByID(ctx context.Context, id string) (store.FileRecord, error)
	MarkApplied(ctx context.Context, ids []string) (int, error)
	RecordMove(ctx context.Context, fileID, newPath string) error
}

// Executor is the slice of the transaction manager the pipeline drives.
type Executor interface {
	Begin() string
	Add(txID string, op fileops.Operation) error
	Execute(ctx context.Context, txID string) (*fileops.ExecReport, error)
}

// Config tunes run defaults. RunOptions override per run.
type Config struct {
	MinConfidence      float64
	MaxBatchSize       int
	SelectiveBatchSize int // Chunk size when IncludeIDs narrow the run
	GroupBy            GroupMode
	FailureRateLimit   float64 // Fraction of planned ops that may fail before the run stops

	// RetryBackoffBase is the first wait before re-executing a
	// rolled-back batch; it doubles per retry.
	RetryBackoffBase time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:      0.7,
		MaxBatchSize:       50,
		SelectiveBatchSize: 25,
		GroupBy:            GroupType,
		FailureRateLimit:   0.2,
		RetryBackoffBase:   time.Second,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		c.MinConfidence = def.MinConfidence
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.SelectiveBatchSize <= 0 || c.SelectiveBatchSize > c.MaxBatchSize {
		c.SelectiveBatchSize = def.SelectiveBatchSize
		if c.SelectiveBatchSize > c.MaxBatchSize {
			c.SelectiveBatchSize = c.MaxBatchSize
		}
	}
	if !c.GroupBy.valid() {
		c.GroupBy = def.GroupBy
	}
	if c.FailureRateLimit <= 0 || c.FailureRateLimit > 1 {
		c.FailureRateLimit = def.FailureRateLimit
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = def.RetryBackoffBase
	}
}

// Pipeline executes approved suggestions. Construct with New; the
// zero value is not usable.
type Pipeline struct {
	cfg       Config
	catalog   Catalog
	validator *fileops.Validator
	exec      Executor
	events    *events.Dispatcher // May be nil
}

// New wires a pipeline. The dispatcher may be nil when nobody listens.
func New(cfg Config, catalog Catalog, validator *fileops.Validator, exec Executor, disp *events.Dispatcher) *Pipeline {
	cfg.normalize()
	if validator == nil {
		validator = fileops.NewValidator()
	}
	return &Pipeline{
		cfg:       cfg,
		catalog:   catalog,
		validator: validator,
		exec:      exec,
		events:    disp,
	}
}

// =============================================================================
// RUN TYPES
// =============================================================================

// RunOptions narrow one run. Zero fields fall back to Config.
type RunOptions struct {
	// MinConfidence drops suggestions whose effective confidence sits
	// below it. Zero uses the configured default.
	MinConfidence float64

	// IncludeIDs limits the run to these suggestion ids (selective
	// mode, smaller chunks). ExcludeIDs always wins over inclusion.
	IncludeIDs []string
	ExcludeIDs []string

	// OpType runs only rename or only move suggestions.
	OpType fileops.OpType

	GroupBy      GroupMode
	MaxBatchSize int

	// DryRun stops after planning and reports what would execute.
	DryRun bool

	// Force lets operations overwrite existing targets.
	Force bool
}

// SkipReason explains why one planned suggestion did not execute.
type SkipReason struct {
	SuggestionID string `json:"suggestion_id"`
	Path         string `json:"path,omitempty"`
	Reason       string `json:"reason"`
}

// BatchReport is the outcome of one executed chunk.
type BatchReport struct {
	Index    int              `json:"index"`
	Label    string           `json:"label"`
	TxID     string           `json:"tx_id,omitempty"`
	Ops      int              `json:"ops"`
	Status   fileops.TxStatus `json:"status"`
	Attempts int              `json:"attempts"`
	Err      string           `json:"error,omitempty"`
}

// Report is the full outcome of a run.
type Report struct {
	Planned   int           `json:"planned"`   // Suggestions selected
	Validated int           `json:"validated"` // Operations that passed validation
	Executed  int           `json:"executed"`  // Operations in committed batches
	Failed    int           `json:"failed"`    // Operations in failed batches
	Skipped   []SkipReason  `json:"skipped,omitempty"`
	Batches   []BatchReport `json:"batches,omitempty"`
	TxIDs     []string      `json:"tx_ids,omitempty"`
	DryRun    bool          `json:"dry_run,omitempty"`
	Aborted   bool          `json:"aborted,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// =============================================================================
// RUN
// =============================================================================

// Run executes approved suggestions under opts. The report is returned
// even when err is non-nil so callers can render partial outcomes.
func (p *Pipeline) Run(ctx context.Context, opts RunOptions) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "Run")
	defer timer.Stop()
	start := time.Now()

	report := &Report{DryRun: opts.DryRun}
	defer func() { report.Duration = time.Since(start) }()

	plan, err := p.plan(ctx, opts, report)
	if err != nil {
		return report, err
	}

	batches := p.group(plan, opts)
	logging.Pipeline("run planned: %d suggestions, %d valid ops, %d batches (group=%s, dry_run=%v)",
		report.Planned, report.Validated, len(batches), p.groupMode(opts), opts.DryRun)

	p.emit(events.Event{
		Type:        events.TypePipelineStarted,
		QueuedCount: report.Validated,
		Details: map[string]string{
			"batches":  fmt.Sprintf("%d", len(batches)),
			"group_by": string(p.groupMode(opts)),
			"dry_run":  fmt.Sprintf("%v", opts.DryRun),
		},
	})
	logging.Audit().PipelineEvent(logging.AuditPipelineStart, 0, len(batches), true)

	if opts.DryRun {
		for i, b := range batches {
			report.Batches = append(report.Batches, BatchReport{
				Index:  i,
				Label:  b.label,
				Ops:    len(b.items),
				Status: fileops.TxPending,
			})
		}
		p.finish(report, nil)
		return report, nil
	}

	runErr := p.executeAll(ctx, batches, report)
	p.finish(report, runErr)
	return report, runErr
}

// executeAll walks the batches in order, applying the partial-failure
// policy between them.
func (p *Pipeline) executeAll(ctx context.Context, batches []batch, report *Report) error {
	totalOps := report.Validated
	var abortErr error

	for i, b := range batches {
		if abortErr != nil {
			p.skipBatch(report, b, "run aborted: "+abortErr.Error())
			continue
		}
		if cerr := ctx.Err(); cerr != nil {
			abortErr = cerr
			p.skipBatch(report, b, "run cancelled")
			continue
		}

		rep, attempts, execErr := p.executeBatch(ctx, b)
		br := BatchReport{
			Index:    i,
			Label:    b.label,
			Ops:      len(b.items),
			Attempts: attempts,
		}
		if rep != nil {
			br.TxID = rep.TxID
			br.Status = rep.Status
		}

		switch {
		case execErr == nil && rep != nil && rep.Status == fileops.TxCommitted:
			report.Executed += len(b.items)
			report.TxIDs = append(report.TxIDs, rep.TxID)
			p.writeBack(ctx, b, rep.TxID)
			logging.Pipeline("batch %d/%d (%s) committed: %d ops, tx=%s",
				i+1, len(batches), b.label, len(b.items), rep.TxID)
			logging.Audit().PipelineEvent(logging.AuditPipelineBatch, i+1, len(batches), true)
			p.emitBatch(br, true)

		default:
			report.Failed += len(b.items)
			if execErr != nil {
				br.Err = execErr.Error()
			} else if rep != nil && rep.Err != nil {
				br.Err = rep.Err.Error()
			}
			logging.PipelineError("batch %d/%d (%s) failed after %d attempts: %s",
				i+1, len(batches), b.label, attempts, br.Err)
			logging.Audit().PipelineEvent(logging.AuditPipelineBatch, i+1, len(batches), false)
			p.emitBatch(br, false)

			// Compensation failure means the filesystem may be half
			// applied; nothing else is allowed to run.
			if rep != nil && rep.Status == fileops.TxFailed {
				abortErr = fmt.Errorf("%w: compensation failed in tx %s: %v",
					ErrRunAborted, rep.TxID, rep.CompensationErr)
			} else if rate := float64(report.Failed) / float64(totalOps); rate >= p.cfg.FailureRateLimit {
				abortErr = fmt.Errorf("%w: failure rate %.0f%% reached the %.0f%% limit",
					ErrRunAborted, rate*100, p.cfg.FailureRateLimit*100)
			}
		}
		report.Batches = append(report.Batches, br)
	}

	if abortErr != nil {
		report.Aborted = true
	}
	return abortErr
}

// executeBatch runs one chunk as a transaction, retrying rolled-back
// batches on recoverable errors. Each retry is a fresh transaction:
// a finished one cannot be reused.
func (p *Pipeline) executeBatch(ctx context.Context, b batch) (*fileops.ExecReport, int, error) {
	var lastRep *fileops.ExecReport

	for attempt := 1; ; attempt++ {
		txID := p.exec.Begin()
		for _, it := range b.items {
			if err := p.exec.Add(txID, it.op); err != nil {
				return lastRep, attempt, fmt.Errorf("add operation to %s: %w", txID, err)
			}
		}

		rep, err := p.exec.Execute(ctx, txID)
		if err != nil {
			// Structural misuse, not an operation failure.
			return rep, attempt, err
		}
		lastRep = rep

		switch {
		case rep.Status == fileops.TxCommitted:
			return rep, attempt, nil
		case rep.Status == fileops.TxFailed,
			attempt > maxBatchRetries,
			!retryable(rep.Err):
			return rep, attempt, rep.Err
		}

		backoff := p.cfg.RetryBackoffBase << uint(attempt-1)
		logging.PipelineWarn("batch %s rolled back (attempt %d/%d), retrying in %s: %v",
			b.label, attempt, maxBatchRetries+1, backoff, rep.Err)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return lastRep, attempt, ctx.Err()
		}
	}
}

// writeBack marks the batch's suggestions applied and repoints file
// records at their new paths. Catalog failures are logged, not fatal:
// the filesystem change is already committed and journaled.
func (p *Pipeline) writeBack(ctx context.Context, b batch, txID string) {
	ids := make([]string, 0, len(b.items))
	for _, it := range b.items {
		ids = append(ids, it.sugg.ID)
	}
	if _, err := p.catalog.MarkApplied(ctx, ids); err != nil {
		logging.PipelineWarn("tx %s committed but marking %d suggestions applied failed: %v",
			txID, len(ids), err)
	}
	for _, it := range b.items {
		if err := p.catalog.RecordMove(ctx, it.file.ID, it.op.TargetPath); err != nil {
			logging.PipelineWarn("tx %s committed but file %s not repointed: %v",
				txID, it.file.ID, err)
		}
	}
}

func (p *Pipeline) skipBatch(report *Report, b batch, reason string) {
	for _, it := range b.items {
		report.Skipped = append(report.Skipped, SkipReason{
			SuggestionID: it.sugg.ID,
			Path:         it.file.Path,
			Reason:       reason,
		})
	}
}

func (p *Pipeline) finish(report *Report, runErr error) {
	if runErr != nil {
		p.emit(events.Event{
			Type: events.TypePipelineAborted,
			Err:  runErr.Error(),
			Details: map[string]string{
				"executed": fmt.Sprintf("%d", report.Executed),
				"failed":   fmt.Sprintf("%d", report.Failed),
			},
		})
		logging.Audit().PipelineEvent(logging.AuditPipelineAbort, len(report.Batches), len(report.Batches), false)
		return
	}
	p.emit(events.Event{
		Type: events.TypePipelineCompleted,
		Details: map[string]string{
			"executed": fmt.Sprintf("%d", report.Executed),
			"failed":   fmt.Sprintf("%d", report.Failed),
			"skipped":  fmt.Sprintf("%d", len(report.Skipped)),
			"dry_run":  fmt.Sprintf("%v", report.DryRun),
		},
	})
	logging.Audit().PipelineEvent(logging.AuditPipelineComplete, len(report.Batches), len(report.Batches), true)
	logging.Pipeline("run finished: executed=%d failed=%d skipped=%d",
		report.Executed, report.Failed, len(report.Skipped))
}

func (p *Pipeline) emitBatch(br BatchReport, success bool) {
	ev := events.Event{
		Type: events.TypePipelineBatch,
		Details: map[string]string{
			"label":    br.Label,
			"tx_id":    br.TxID,
			"ops":      fmt.Sprintf("%d", br.Ops),
			"status":   string(br.Status),
			"attempts": fmt.Sprintf("%d", br.Attempts),
		},
	}
	if !success {
		ev.Err = br.Err
	}
	p.emit(ev)
}

func (p *Pipeline) emit(ev events.Event) {
	if p.events == nil {
		return
	}
	ev.Source = "pipeline"
	p.events.Emit(ev)
}

func (p *Pipeline) groupMode(opts RunOptions) GroupMode {
	if opts.GroupBy != "" {
		return opts.GroupBy
	}
	return p.cfg.GroupBy
}

// retryable reports whether a rolled-back batch is worth re-running.
// Permission, disk, and missing- or occupied-path errors will fail the
// same way again; everything else gets the benefit of the doubt.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) ||
		errors.Is(err, os.ErrExist) ||
		errors.Is(err, os.ErrNotExist) ||
		errors.Is(err, syscall.EROFS) ||
		errors.Is(err, syscall.ENOSPC) {
		return false
	}
	return true
}
