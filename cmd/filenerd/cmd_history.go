package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"filenerd/internal/journal"
)

var (
	historyTx    string
	historyPath  string
	historyType  string
	historySince string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show journaled file operations, newest first",
	Long: `Lists the operation journal. Every committed transaction appears here;
pass an entry id or transaction id to 'filenerd undo' to reverse it.`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyTx, "tx", "", "Only entries of this transaction")
	historyCmd.Flags().StringVar(&historyPath, "path", "", "Only entries touching paths under this prefix")
	historyCmd.Flags().StringVar(&historyType, "type", "", "Only entries of this operation type (rename, move, copy, delete, mkdir)")
	historyCmd.Flags().StringVar(&historySince, "since", "", "Only entries after this time (RFC3339 or 2006-01-02)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 30, "Maximum entries")
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
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

	filter := journal.Filter{
		TxID:       historyTx,
		PathPrefix: historyPath,
		OpType:     historyType,
		Limit:      historyLimit,
	}
	if historySince != "" {
		since, err := parseTimeFlag(historySince)
		if err != nil {
			return err
		}
		filter.Since = since
	}

	entries, err := j.History(ctx, filter)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No journal entries match. Run 'filenerd apply' to create some.")
		return nil
	}

	fmt.Printf("%-10s %-10s %-7s %-9s %-17s %s\n", "ENTRY", "TX", "OP", "STATUS", "WHEN", "PATHS")
	for _, e := range entries {
		fmt.Printf("%-10s %-10s %-7s %-9s %-17s %s\n",
			shortID(e.ID), shortID(e.TransactionID), e.OpType, e.Status,
			e.CreatedAt.Local().Format("2006-01-02 15:04"), entryPaths(e))
	}
	fmt.Printf("\n%d entries. Reverse one with 'filenerd undo <entry>' or a whole run with 'filenerd undo --tx <tx>'.\n", len(entries))
	return nil
}

// entryPaths renders the movement an entry recorded.
func entryPaths(e journal.Entry) string {
	switch {
	case e.SourcePath != "" && e.TargetPath != "":
		return fmt.Sprintf("%s → %s", filepath.Base(e.SourcePath), e.TargetPath)
	case e.TargetPath != "":
		return e.TargetPath
	default:
		return e.SourcePath
	}
}

func parseTimeFlag(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q (want RFC3339 or 2006-01-02)", s)
}
