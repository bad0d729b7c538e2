package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"filenerd/internal/agent"
	"filenerd/internal/events"
)

var (
	analyzeType     string
	analyzeTemplate string
	analyzePriority string
	analyzeModel    string
	analyzeBatch    bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [paths...]",
	Short: "Analyze files with the local model and store suggestions",
	Long: `Submits analysis tasks to the agent manager, which schedules them
against live host memory and runs them on the local inference daemon.
Results land in the catalog as pending suggestions; review them with
'filenerd suggestions list' and execute with 'filenerd apply'.

Analysis types:
  rename     suggest a better name for the file (default)
  classify   same as rename; classification carries the name suggestion
  summarize  summarize content, no actionable suggestion
  extract    pull structured data, no actionable suggestion

Examples:
  filenerd analyze ~/Downloads/scan001.pdf
  filenerd analyze --batch --priority low ~/Downloads/*.pdf`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeType, "type", "rename", "Analysis type: rename, classify, summarize, extract, custom")
	analyzeCmd.Flags().StringVar(&analyzeTemplate, "template", "", "Prompt template for --type custom")
	analyzeCmd.Flags().StringVar(&analyzePriority, "priority", "high", "Task priority: critical, high, normal, low")
	analyzeCmd.Flags().StringVar(&analyzeModel, "model", "", "Model override (default from config)")
	analyzeCmd.Flags().BoolVar(&analyzeBatch, "batch", false, "Analyze all paths as one batch task")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	ws := resolveWorkspace()
	cfg, err := loadConfig(ws)
	if err != nil {
		return err
	}

	atype, err := parseAnalysisType(analyzeType)
	if err != nil {
		return err
	}
	if atype == agent.AnalysisCustom && analyzeTemplate == "" {
		return fmt.Errorf("--type custom requires --template")
	}
	priority, err := agent.ParsePriority(analyzePriority)
	if err != nil {
		return err
	}

	paths, err := resolveAnalyzePaths(args)
	if err != nil {
		return err
	}

	eng, err := startEngine(ctx, cfg, ws)
	if err != nil {
		return err
	}
	defer eng.stop()

	eng.disp.Subscribe(analyzeProgressPrinter())

	specs := buildAnalyzeSpecs(paths, atype, priority)
	fmt.Printf("Submitting %d task(s) to %s (model %s)\n",
		len(specs), eng.client.Endpoint(), modelName(eng))

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		id, err := eng.manager.Submit(spec)
		if err != nil {
			return fmt.Errorf("submit failed: %w", err)
		}
		ids = append(ids, id)
	}

	failed := 0
	for _, id := range ids {
		res, err := eng.manager.WaitForTask(ctx, id)
		if err != nil {
			return fmt.Errorf("task %s: %w", shortID(id), err)
		}
		printTaskResult(res)
		if !res.Success {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d tasks failed", failed, len(ids))
	}
	fmt.Println("\nDone. Review with 'filenerd suggestions list', execute with 'filenerd apply'.")
	return nil
}

// resolveAnalyzePaths makes paths absolute and checks they exist, so a
// typo fails the command instead of a task.
func resolveAnalyzePaths(args []string) ([]string, error) {
	paths := make([]string, 0, len(args))
	for _, p := range args {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("cannot analyze %s: %w", p, err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("cannot analyze %s: is a directory", p)
		}
		paths = append(paths, abs)
	}
	return paths, nil
}

func buildAnalyzeSpecs(paths []string, atype agent.AnalysisType, priority agent.Priority) []agent.Spec {
	if analyzeBatch && len(paths) > 1 {
		return []agent.Spec{{
			Kind:         agent.KindBatchProcessing,
			Priority:     priority,
			Model:        analyzeModel,
			Paths:        paths,
			AnalysisType: atype,
			Template:     analyzeTemplate,
			Parallel:     true,
		}}
	}

	specs := make([]agent.Spec, 0, len(paths))
	for _, p := range paths {
		specs = append(specs, agent.Spec{
			Kind:         agent.KindFileAnalysis,
			Priority:     priority,
			Model:        analyzeModel,
			Path:         p,
			AnalysisType: atype,
			Template:     analyzeTemplate,
		})
	}
	return specs
}

func parseAnalysisType(s string) (agent.AnalysisType, error) {
	switch strings.ToLower(s) {
	case "rename", "classify", "classification":
		return agent.AnalysisClassification, nil
	case "summarize", "summary":
		return agent.AnalysisSummary, nil
	case "extract", "extraction":
		return agent.AnalysisExtraction, nil
	case "custom":
		return agent.AnalysisCustom, nil
	default:
		return "", fmt.Errorf("invalid --type %q (rename, classify, summarize, extract, custom)", s)
	}
}

func modelName(eng *engine) string {
	if analyzeModel != "" {
		return analyzeModel
	}
	return eng.client.DefaultModel()
}

// analyzeProgressPrinter mirrors task lifecycle events to the terminal.
func analyzeProgressPrinter() func(events.Event) {
	return func(ev events.Event) {
		switch ev.Type {
		case events.TypeTaskDispatched:
			if ev.TaskKind != string(agent.KindHealthCheck) {
				fmt.Printf("  → running %s\n", shortID(ev.TaskID))
			}
		case events.TypeTaskRetry:
			fmt.Printf("  ↻ retrying %s (attempt %d): %s\n", shortID(ev.TaskID), ev.RetryCount+1, ev.Err)
		case events.TypeMemoryWarning:
			fmt.Printf("  ! memory pressure %.0f%%, admission may pause\n", ev.MemoryPressure*100)
		}
	}
}

// printTaskResult renders one terminal task outcome.
func printTaskResult(res agent.TaskResult) {
	switch {
	case res.Analysis != nil:
		printAnalysis(*res.Analysis, res)
	case res.Batch != nil:
		b := res.Batch
		fmt.Printf("✓ batch: %d/%d analyzed (%d failed) in %.1fs\n",
			b.Succeeded, b.Total, b.Failed, res.ExecutionTime.Seconds())
		for _, r := range b.Results {
			printAnalysis(r, agent.TaskResult{Success: true})
		}
		for path, msg := range b.Errors {
			fmt.Printf("  ✗ %s: %s\n", filepath.Base(path), msg)
		}
	case !res.Success:
		fmt.Printf("✗ task %s %s: %s\n", shortID(res.TaskID), res.State, res.Err)
	}
	logger.Debug("task finished",
		zap.String("id", res.TaskID),
		zap.String("state", string(res.State)),
		zap.Duration("took", res.ExecutionTime))
}

func printAnalysis(a agent.AnalysisResult, res agent.TaskResult) {
	if !res.Success {
		fmt.Printf("✗ %s: %s\n", filepath.Base(a.FilePath), res.Err)
		return
	}

	name := filepath.Base(a.FilePath)
	switch {
	case suggestionValue(a) != "":
		fmt.Printf("✓ %s → %q (confidence %.2f)\n", name, suggestionValue(a), a.Confidence)
	case a.Analysis["summary"] != nil:
		fmt.Printf("✓ %s: %v\n", name, a.Analysis["summary"])
	default:
		fmt.Printf("✓ %s analyzed (%s, no actionable suggestion)\n", name, a.AnalysisType)
	}
}

// suggestionValue pulls the actionable target out of an analysis
// payload, mirroring what the catalog stores.
func suggestionValue(a agent.AnalysisResult) string {
	for _, key := range []string{"suggested_path", "suggested_name"} {
		if v, ok := a.Analysis[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
