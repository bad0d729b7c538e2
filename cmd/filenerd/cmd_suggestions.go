package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"filenerd/internal/store"
)

var (
	suggestionsState   string
	suggestionsKind    string
	suggestionsMinConf float64
	suggestionsLimit   int
)

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "Review and approve stored suggestions",
}

var suggestionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored suggestions",
	RunE:  runSuggestionsList,
}

var suggestionsApproveCmd = &cobra.Command{
	Use:   "approve [ids...]",
	Short: "Approve suggestions for the next apply run",
	Long: `Marks suggestions approved. IDs may be unique prefixes of the full id
as shown by 'filenerd suggestions list'.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSuggestionsApprove,
}

var suggestionsAdjustCmd = &cobra.Command{
	Use:   "adjust [id] [confidence]",
	Short: "Override a suggestion's confidence",
	Args:  cobra.ExactArgs(2),
	RunE:  runSuggestionsAdjust,
}

func init() {
	suggestionsListCmd.Flags().StringVar(&suggestionsState, "state", "", "Filter by state: pending, approved, applied")
	suggestionsListCmd.Flags().StringVar(&suggestionsKind, "kind", "", "Filter by kind: rename or move")
	suggestionsListCmd.Flags().Float64Var(&suggestionsMinConf, "min-confidence", 0, "Effective confidence floor")
	suggestionsListCmd.Flags().IntVar(&suggestionsLimit, "limit", 50, "Maximum rows")

	suggestionsCmd.AddCommand(suggestionsListCmd)
	suggestionsCmd.AddCommand(suggestionsApproveCmd)
	suggestionsCmd.AddCommand(suggestionsAdjustCmd)
}

func runSuggestionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	catalog, err := openWorkspaceCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	filter := store.SuggestionFilter{
		Kind:          suggestionsKind,
		MinConfidence: suggestionsMinConf,
		Limit:         suggestionsLimit,
	}
	switch suggestionsState {
	case "":
	case "pending":
		f := false
		filter.Approved, filter.Applied = &f, &f
	case "approved":
		t, f := true, false
		filter.Approved, filter.Applied = &t, &f
	case "applied":
		t := true
		filter.Applied = &t
	default:
		return fmt.Errorf("invalid --state %q (pending, approved, applied)", suggestionsState)
	}

	suggs, err := catalog.Suggestions(ctx, filter)
	if err != nil {
		return err
	}
	if len(suggs) == 0 {
		fmt.Println("No suggestions. Run 'filenerd analyze <paths>' to create some.")
		return nil
	}

	fmt.Printf("%-10s %-8s %-9s %-5s %-28s %s\n", "ID", "STATE", "KIND", "CONF", "FILE", "SUGGESTED")
	for _, s := range suggs {
		file := "(missing)"
		if rec, err := catalog.FileByID(ctx, s.FileID); err == nil {
			file = filepath.Base(rec.Path)
		}
		fmt.Printf("%-10s %-8s %-9s %.2f  %-28s %s\n",
			shortID(s.ID), suggestionState(s), s.Kind, s.EffectiveConfidence(),
			truncate(file, 28), truncate(s.SuggestedValue, 50))
	}
	return nil
}

func runSuggestionsApprove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	catalog, err := openWorkspaceCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	ids, err := resolveSuggestionIDs(ctx, catalog, args)
	if err != nil {
		return err
	}

	n, err := catalog.Approve(ctx, ids)
	if err != nil {
		return err
	}
	fmt.Printf("Approved %d suggestion(s). Execute with 'filenerd apply'.\n", n)
	if n < len(ids) {
		fmt.Printf("%d already applied and left unchanged.\n", len(ids)-n)
	}
	return nil
}

func runSuggestionsAdjust(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	catalog, err := openWorkspaceCatalog()
	if err != nil {
		return err
	}
	defer catalog.Close()

	conf, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid confidence %q: %w", args[1], err)
	}
	ids, err := resolveSuggestionIDs(ctx, catalog, args[:1])
	if err != nil {
		return err
	}
	if err := catalog.AdjustConfidence(ctx, ids[0], conf); err != nil {
		return err
	}
	fmt.Printf("Suggestion %s confidence set to %.2f\n", shortID(ids[0]), conf)
	return nil
}

// openWorkspaceCatalog opens the catalog for storage-only commands.
func openWorkspaceCatalog() (*store.Catalog, error) {
	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return nil, err
	}
	return openCatalog(cfg, ws)
}

// resolveSuggestionIDs expands unique id prefixes to full ids.
func resolveSuggestionIDs(ctx context.Context, catalog *store.Catalog, args []string) ([]string, error) {
	suggs, err := catalog.Suggestions(ctx, store.SuggestionFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(args))
	for _, arg := range args {
		var matches []string
		for _, s := range suggs {
			if s.ID == arg {
				matches = []string{s.ID}
				break
			}
			if strings.HasPrefix(s.ID, arg) {
				matches = append(matches, s.ID)
			}
		}
		switch len(matches) {
		case 1:
			ids = append(ids, matches[0])
		case 0:
			return nil, fmt.Errorf("no suggestion matches %q", arg)
		default:
			return nil, fmt.Errorf("%q is ambiguous (%d matches)", arg, len(matches))
		}
	}
	return ids, nil
}

func suggestionState(s store.Suggestion) string {
	switch {
	case s.Applied:
		return "applied"
	case s.Approved:
		return "approved"
	default:
		return "pending"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
