package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"filenerd/internal/journal"
)

var (
	undoTx   string
	undoLast bool
)

var undoCmd = &cobra.Command{
	Use:   "undo [entry-id]",
	Short: "Reverse journaled operations",
	Long: `Reverses operations recorded in the journal. Pass an entry id to undo a
single operation, --tx to unwind a whole transaction newest-first, or
--last for the most recent transaction. Ids may be unique prefixes as
shown by 'filenerd history'.

Entries consumed by later operations are blocked until those are undone;
the blockers are listed instead of guessing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runUndo,
}

func init() {
	undoCmd.Flags().StringVar(&undoTx, "tx", "", "Undo every committed entry of this transaction")
	undoCmd.Flags().BoolVar(&undoLast, "last", false, "Undo the most recent transaction")
}

func runUndo(cmd *cobra.Command, args []string) error {
	selectors := 0
	if len(args) == 1 {
		selectors++
	}
	if undoTx != "" {
		selectors++
	}
	if undoLast {
		selectors++
	}
	if selectors != 1 {
		return fmt.Errorf("pass exactly one of: an entry id, --tx, or --last")
	}

	ctx, cancel := signalContext()
	defer cancel()
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}
	j, err := openJournal(cfg, ws)
	if err != nil {
		return err
	}
	defer j.Close()

	switch {
	case undoLast:
		recent, err := j.History(ctx, journal.Filter{Limit: 1})
		if err != nil {
			return err
		}
		if len(recent) == 0 {
			fmt.Println("Journal is empty, nothing to undo.")
			return nil
		}
		return undoTransaction(ctx, j, recent[0].TransactionID)

	case undoTx != "":
		txID, err := resolveTxID(ctx, j, undoTx)
		if err != nil {
			return err
		}
		return undoTransaction(ctx, j, txID)

	default:
		id, err := resolveEntryID(ctx, j, args[0])
		if err != nil {
			return err
		}
		return undoEntry(ctx, j, id)
	}
}

func undoTransaction(ctx context.Context, j *journal.Store, txID string) error {
	report, err := j.UndoTransaction(ctx, txID)
	if err != nil {
		return err
	}
	if report.Err != nil {
		fmt.Printf("✗ Transaction %s: undid %d operation(s), then stopped at entry %s\n",
			shortID(txID), report.Undone, shortID(report.Failed.ID))
		return report.Err
	}
	if report.Undone == 0 {
		fmt.Printf("Transaction %s has no committed entries left to undo.\n", shortID(txID))
		return nil
	}
	fmt.Printf("✓ Undid %d operation(s) of transaction %s\n", report.Undone, shortID(txID))
	return nil
}

func undoEntry(ctx context.Context, j *journal.Store, id string) error {
	check, err := j.CanUndo(ctx, id)
	if err != nil {
		return err
	}
	if !check.OK {
		if len(check.Dependents) > 0 {
			fmt.Printf("✗ Entry %s is blocked by later operations. Undo these first:\n", shortID(id))
			for _, b := range check.Dependents {
				fmt.Printf("  %s\n", shortID(b))
			}
			return fmt.Errorf("entry %s is blocked by %d later entries", shortID(id), len(check.Dependents))
		}
		if check.Reason != "" {
			return fmt.Errorf("entry %s cannot be undone: %s", shortID(id), check.Reason)
		}
		return fmt.Errorf("entry %s cannot be undone", shortID(id))
	}

	if err := j.Undo(ctx, id); err != nil {
		return err
	}
	entry, err := j.Get(ctx, id)
	if err == nil && entry.SourcePath != "" {
		fmt.Printf("✓ Reversed %s: %s restored\n", entry.OpType, entry.SourcePath)
	} else {
		fmt.Printf("✓ Entry %s undone\n", shortID(id))
	}
	return nil
}

// resolveEntryID expands a unique entry-id prefix against recent history.
func resolveEntryID(ctx context.Context, j *journal.Store, arg string) (string, error) {
	if entry, err := j.Get(ctx, arg); err == nil {
		return entry.ID, nil
	}
	entries, err := j.History(ctx, journal.Filter{Limit: 1000})
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.ID, arg) {
			matches = append(matches, e.ID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no journal entry matches %q", arg)
	default:
		return "", fmt.Errorf("%q is ambiguous (%d matches)", arg, len(matches))
	}
}

// resolveTxID expands a unique transaction-id prefix against recent history.
func resolveTxID(ctx context.Context, j *journal.Store, arg string) (string, error) {
	if ok, err := j.HasTx(ctx, arg); err != nil {
		return "", err
	} else if ok {
		return arg, nil
	}
	entries, err := j.History(ctx, journal.Filter{Limit: 1000})
	if err != nil {
		return "", err
	}
	seen := make(map[string]bool)
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.TransactionID, arg) && !seen[e.TransactionID] {
			seen[e.TransactionID] = true
			matches = append(matches, e.TransactionID)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("no transaction matches %q", arg)
	default:
		return "", fmt.Errorf("%q is ambiguous (%d transactions)", arg, len(matches))
	}
}
