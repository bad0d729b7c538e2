package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"filenerd/internal/fileops"
	"filenerd/internal/logging"
	"filenerd/internal/store"
)

// =============================================================================
// PLANNING
// =============================================================================

// GroupMode decides how validated operations split into batches.
type GroupMode string

const (
	GroupNone       GroupMode = "none"       // One batch, chunked only by size
	GroupConfidence GroupMode = "confidence" // high / medium / low buckets
	GroupType       GroupMode = "type"       // Per operation type
	GroupDirectory  GroupMode = "directory"  // Per target directory
)

func (g GroupMode) valid() bool {
	switch g {
	case GroupNone, GroupConfidence, GroupType, GroupDirectory:
		return true
	}
	return false
}

// Confidence bucket edges for GroupConfidence.
const (
	confidenceHigh   = 0.9
	confidenceMedium = 0.7
)

// planItem ties a suggestion to the operation derived from it, so a
// committed batch can be written back to the catalog.
type planItem struct {
	sugg store.Suggestion
	file store.FileRecord
	op   fileops.Operation
}

// batch is one executable chunk.
type batch struct {
	label string
	items []planItem
}

// plan loads, selects, converts, and validates. It fills Planned,
// Validated, and conversion/validation skips on the report.
func (p *Pipeline) plan(ctx context.Context, opts RunOptions, report *Report) ([]planItem, error) {
	if opts.OpType != "" && opts.OpType != fileops.OpRename && opts.OpType != fileops.OpMove {
		return nil, fmt.Errorf("pipeline: op type filter must be rename or move, got %q", opts.OpType)
	}

	minConf := opts.MinConfidence
	if minConf <= 0 {
		minConf = p.cfg.MinConfidence
	}

	filter := store.SuggestionFilter{
		MinConfidence: minConf,
		Kind:          string(opts.OpType),
		Limit:         loadLimit,
	}
	suggs, err := p.catalog.ApprovedSuggestions(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("load approved suggestions: %w", err)
	}

	selected := selectSuggestions(suggs, opts)
	report.Planned = len(selected)
	if len(selected) == 0 {
		return nil, nil
	}

	// Convert. A suggestion that cannot become an operation is dropped
	// with a reason instead of poisoning the run.
	items := make([]planItem, 0, len(selected))
	for _, s := range selected {
		file, err := p.catalog.FileByID(ctx, s.FileID)
		if err != nil {
			report.Skipped = append(report.Skipped, SkipReason{
				SuggestionID: s.ID,
				Reason:       fmt.Sprintf("file record unavailable: %v", err),
			})
			continue
		}
		op, err := deriveOperation(file, s, opts.Force)
		if err != nil {
			report.Skipped = append(report.Skipped, SkipReason{
				SuggestionID: s.ID,
				Path:         file.Path,
				Reason:       err.Error(),
			})
			continue
		}
		items = append(items, planItem{sugg: s, file: file, op: op})
	}
	if len(items) == 0 {
		return nil, nil
	}

	ops := make([]fileops.Operation, 0, len(items))
	for _, it := range items {
		ops = append(ops, it.op)
	}
	batchRes, perOp := p.validator.ValidateBatch(ops)

	// A critical issue poisons the whole run, not just its operation.
	if batchRes.HasCritical() {
		report.Aborted = true
		var first fileops.Issue
		for _, is := range batchRes.Issues {
			if is.Severity == fileops.SeverityCritical {
				first = is
				logging.PipelineError("critical validation issue [%s] %s (%s)", is.Code, is.Message, is.Path)
			}
		}
		return nil, fmt.Errorf("%w: [%s] %s", ErrCriticalIssues, first.Code, first.Message)
	}

	kept := items[:0]
	for _, it := range items {
		res := perOp[it.op.ID]
		if blockers := res.Errors(); len(blockers) > 0 {
			report.Skipped = append(report.Skipped, SkipReason{
				SuggestionID: it.sugg.ID,
				Path:         it.file.Path,
				Reason:       fmt.Sprintf("validation: [%s] %s", blockers[0].Code, blockers[0].Message),
			})
			continue
		}
		for _, w := range res.Warnings() {
			logging.PipelineWarn("%s: [%s] %s", it.file.Path, w.Code, w.Message)
		}
		kept = append(kept, it)
	}

	report.Validated = len(kept)
	return kept, nil
}

// selectSuggestions applies the id set filters. Confidence and kind
// were already pushed into the catalog query.
func selectSuggestions(suggs []store.Suggestion, opts RunOptions) []store.Suggestion {
	var include map[string]bool
	if len(opts.IncludeIDs) > 0 {
		include = make(map[string]bool, len(opts.IncludeIDs))
		for _, id := range opts.IncludeIDs {
			include[id] = true
		}
	}
	exclude := make(map[string]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		exclude[id] = true
	}

	out := make([]store.Suggestion, 0, len(suggs))
	for _, s := range suggs {
		if include != nil && !include[s.ID] {
			continue
		}
		if exclude[s.ID] {
			continue
		}
		out = append(out, s)
	}
	return out
}

// deriveOperation turns one suggestion into a filesystem operation. A
// bare name renames in place; a value with a path separator moves,
// resolved against the file's directory when relative. The source
// extension is preserved unless the suggestion supplies its own.
func deriveOperation(file store.FileRecord, s store.Suggestion, force bool) (fileops.Operation, error) {
	value := strings.TrimSpace(s.SuggestedValue)
	if value == "" {
		return fileops.Operation{}, fmt.Errorf("suggestion has no value")
	}

	sourceDir := filepath.Dir(file.Path)
	hasSep := strings.ContainsAny(value, `/\`)

	var target string
	if hasSep {
		value = filepath.FromSlash(value)
		if filepath.IsAbs(value) {
			target = filepath.Clean(value)
		} else {
			target = filepath.Join(sourceDir, value)
		}
	} else {
		target = filepath.Join(sourceDir, value)
	}

	if filepath.Ext(target) == "" {
		if ext := filepath.Ext(file.Path); ext != "" {
			target += ext
		}
	}

	if target == filepath.Clean(file.Path) {
		return fileops.Operation{}, fmt.Errorf("suggestion is a no-op: target equals source")
	}

	typ := fileops.OpRename
	if hasSep {
		typ = fileops.OpMove
	}

	op := fileops.NewOperation(typ, file.Path, target)
	op.Force = force
	op.Metadata = map[string]string{
		"suggestion_id": s.ID,
		"confidence":    strconv.FormatFloat(s.EffectiveConfidence(), 'f', 2, 64),
	}
	return op, nil
}

// group splits the plan into ordered batches and chunks each to the
// effective batch size.
func (p *Pipeline) group(items []planItem, opts RunOptions) []batch {
	if len(items) == 0 {
		return nil
	}

	size := opts.MaxBatchSize
	if size <= 0 {
		size = p.cfg.MaxBatchSize
		if len(opts.IncludeIDs) > 0 {
			size = p.cfg.SelectiveBatchSize
		}
	}

	mode := p.groupMode(opts)
	grouped := make(map[string][]planItem)
	var labels []string
	for _, it := range items {
		key := groupKey(mode, it)
		if _, seen := grouped[key]; !seen {
			labels = append(labels, key)
		}
		grouped[key] = append(grouped[key], it)
	}

	// Confidence buckets run best-first; other modes just need a
	// stable order.
	if mode == GroupConfidence {
		order := map[string]int{"confidence:high": 0, "confidence:medium": 1, "confidence:low": 2}
		sort.SliceStable(labels, func(i, j int) bool { return order[labels[i]] < order[labels[j]] })
	} else {
		sort.Strings(labels)
	}

	var out []batch
	for _, label := range labels {
		group := grouped[label]
		for start := 0; start < len(group); start += size {
			end := start + size
			if end > len(group) {
				end = len(group)
			}
			out = append(out, batch{label: label, items: group[start:end]})
		}
	}
	return out
}

func groupKey(mode GroupMode, it planItem) string {
	switch mode {
	case GroupConfidence:
		c := it.sugg.EffectiveConfidence()
		switch {
		case c >= confidenceHigh:
			return "confidence:high"
		case c >= confidenceMedium:
			return "confidence:medium"
		default:
			return "confidence:low"
		}
	case GroupType:
		return "type:" + string(it.op.Type)
	case GroupDirectory:
		return "dir:" + filepath.Dir(it.op.TargetPath)
	default:
		return "all"
	}
}
