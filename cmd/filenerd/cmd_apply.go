package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"filenerd/internal/events"
	"filenerd/internal/fileops"
	"filenerd/internal/pipeline"
)

var (
	applyMinConfidence float64
	applyGroupBy       string
	applyIDs           []string
	applyExclude       []string
	applyOpType        string
	applyBatchSize     int
	applyDryRun        bool
	applyForce         bool
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Execute approved suggestions as transactional file operations",
	Long: `Loads approved suggestions from the catalog, converts them to rename
and move operations, validates the whole set, and executes it in
grouped transactional batches. Failed batches roll back; committed
batches are journaled and can be undone.

Examples:
  filenerd apply --dry-run
  filenerd apply --min-confidence 0.9 --group-by directory
  filenerd apply --ids 3f2a9c1e --force`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().Float64Var(&applyMinConfidence, "min-confidence", 0, "Confidence floor (default from config)")
	applyCmd.Flags().StringVar(&applyGroupBy, "group-by", "", "Batch grouping: none, confidence, type, directory")
	applyCmd.Flags().StringSliceVar(&applyIDs, "ids", nil, "Run only these suggestion ids")
	applyCmd.Flags().StringSliceVar(&applyExclude, "exclude", nil, "Skip these suggestion ids")
	applyCmd.Flags().StringVar(&applyOpType, "type", "", "Run only one kind: rename or move")
	applyCmd.Flags().IntVar(&applyBatchSize, "batch-size", 0, "Operations per transaction (default from config)")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Plan and validate without touching files")
	applyCmd.Flags().BoolVar(&applyForce, "force", false, "Allow overwriting existing targets")
}

func runApply(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	opts, err := applyOptions()
	if err != nil {
		return err
	}

	catalog, err := openCatalog(cfg, ws)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer catalog.Close()

	jnl, err := openJournal(cfg, ws)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer jnl.Close()

	disp := events.NewDispatcher()
	disp.Start()
	disp.Subscribe(events.LogSubscriber())
	disp.Subscribe(applyProgressPrinter())

	tfm := newTransactionManager(cfg, ws, jnl)

	// Backups left behind by an interrupted run are reclaimed before new
	// work starts. Sweep failures are logged, never block the run.
	if orphans, err := tfm.SweepOrphanBackups(ctx); err != nil {
		logger.Warn("orphan backup sweep failed", zap.Error(err))
	} else if len(orphans) > 0 {
		logger.Info("swept orphan backups", zap.Int("count", len(orphans)))
		fmt.Printf("Cleaned %d orphaned backup(s) from an interrupted run\n", len(orphans))
	}

	// Retention trims history the undo window no longer needs.
	retention := time.Duration(cfg.Journal.RetentionDays) * 24 * time.Hour
	if n, err := jnl.Purge(ctx, retention); err != nil {
		logger.Warn("journal retention purge failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("purged journal history", zap.Int("entries", n))
	}

	p := pipeline.New(pipelineConfig(cfg), catalog, fileops.NewValidator(), tfm, disp)

	logger.Info("running pipeline",
		zap.Bool("dry_run", opts.DryRun),
		zap.Int("selected_ids", len(opts.IncludeIDs)))

	report, runErr := p.Run(ctx, opts)

	// Stop drains buffered events so progress lines land before the
	// summary.
	disp.Stop()

	printApplyReport(report)

	switch {
	case errors.Is(runErr, pipeline.ErrCriticalIssues):
		return fmt.Errorf("refused: %w", runErr)
	case errors.Is(runErr, pipeline.ErrRunAborted):
		return fmt.Errorf("aborted: committed work stands, see 'filenerd history': %w", runErr)
	}
	return runErr
}

// applyOptions converts flags to pipeline options, rejecting values the
// pipeline would silently normalize away.
func applyOptions() (pipeline.RunOptions, error) {
	opts := pipeline.RunOptions{
		MinConfidence: applyMinConfidence,
		IncludeIDs:    applyIDs,
		ExcludeIDs:    applyExclude,
		MaxBatchSize:  applyBatchSize,
		DryRun:        applyDryRun,
		Force:         applyForce,
	}

	switch applyOpType {
	case "":
	case "rename":
		opts.OpType = fileops.OpRename
	case "move":
		opts.OpType = fileops.OpMove
	default:
		return opts, fmt.Errorf("invalid --type %q (rename or move)", applyOpType)
	}

	switch mode := pipeline.GroupMode(applyGroupBy); mode {
	case "", pipeline.GroupNone, pipeline.GroupConfidence, pipeline.GroupType, pipeline.GroupDirectory:
		opts.GroupBy = mode
	default:
		return opts, fmt.Errorf("invalid --group-by %q (none, confidence, type, directory)", applyGroupBy)
	}

	return opts, nil
}

// applyProgressPrinter prints batch progress as transactions finish.
func applyProgressPrinter() func(events.Event) {
	return func(ev events.Event) {
		switch ev.Type {
		case events.TypePipelineStarted:
			fmt.Printf("Pipeline started: %d operations in %s batches (group=%s)\n",
				ev.QueuedCount, ev.Details["batches"], ev.Details["group_by"])
		case events.TypePipelineBatch:
			if ev.Err != "" {
				fmt.Printf("  ✗ batch %s (%s ops) %s: %s\n",
					ev.Details["label"], ev.Details["ops"], ev.Details["status"], ev.Err)
			} else {
				fmt.Printf("  ✓ batch %s (%s ops) committed tx=%s\n",
					ev.Details["label"], ev.Details["ops"], shortID(ev.Details["tx_id"]))
			}
		}
	}
}

func printApplyReport(rep *pipeline.Report) {
	if rep == nil {
		return
	}

	fmt.Println()
	if rep.DryRun {
		fmt.Println("Dry run - no files were changed")
		for _, b := range rep.Batches {
			fmt.Printf("  batch %-24s %d ops\n", b.Label, b.Ops)
		}
	}

	fmt.Printf("Planned %d, validated %d, executed %d, failed %d, skipped %d (%.2fs)\n",
		rep.Planned, rep.Validated, rep.Executed, rep.Failed, len(rep.Skipped),
		rep.Duration.Seconds())

	for _, s := range rep.Skipped {
		fmt.Printf("  skipped %s: %s\n", shortID(s.SuggestionID), s.Reason)
	}
	if len(rep.TxIDs) > 0 {
		fmt.Printf("Transactions: %d (undo with 'filenerd undo --tx <id>')\n", len(rep.TxIDs))
		for _, tx := range rep.TxIDs {
			fmt.Printf("  %s\n", tx)
		}
	}
	if rep.Aborted {
		fmt.Println("Run aborted before all batches executed.")
	}
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
