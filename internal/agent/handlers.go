package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"filenerd/internal/inference"
	"filenerd/internal/logging"
)

// =============================================================================
// TASK HANDLERS
// =============================================================================
//
// One handler per task kind. Handlers are pure workers: they never touch
// queue state, they just produce a result or an error for runTask to
// classify.

// batchParallelCap bounds concurrent daemon calls inside one batch so a
// single task cannot monopolize the model server.
const batchParallelCap = 3

// sequentialBatchPause spaces slices in sequential batch mode to let
// the daemon breathe between bursts.
const sequentialBatchPause = 100 * time.Millisecond

func (m *Manager) execute(ctx context.Context, t *Task) (TaskResult, error) {
	res := TaskResult{TaskID: t.ID, Kind: t.Kind, Priority: t.Priority}

	switch t.Kind {
	case KindFileAnalysis:
		analysis, err := m.runFileAnalysis(ctx, t.Spec)
		if err != nil {
			return res, err
		}
		res.Analysis = analysis
		return res, nil

	case KindBatchProcessing:
		batch, err := m.runBatch(ctx, t.Spec)
		res.Batch = batch
		return res, err

	case KindHealthCheck:
		health, err := m.runHealthCheck(ctx)
		if err != nil {
			return res, err
		}
		res.Health = health
		return res, nil

	default:
		return res, fmt.Errorf("no handler for task kind %q", t.Kind)
	}
}

// -----------------------------------------------------------------------------
// File analysis
// -----------------------------------------------------------------------------

// runFileAnalysis reads a bounded head of the file, prompts the model,
// and parses the response into a structured analysis.
func (m *Manager) runFileAnalysis(ctx context.Context, spec Spec) (*AnalysisResult, error) {
	head, err := m.readFileHead(spec.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", spec.Path, err)
	}

	system, prompt, err := buildAnalysisPrompt(spec, head)
	if err != nil {
		return nil, err
	}

	req := inference.GenerateRequest{
		Model:  spec.Model,
		Prompt: prompt,
		System: system,
	}
	if spec.ResponseFormat == "json" {
		req.Format = "json"
	}

	start := time.Now()
	gres, err := m.infer.Generate(ctx, req)
	logging.Audit().DaemonCall(gres.Model, time.Since(start).Milliseconds(), err == nil, errText(err))
	if err != nil {
		return nil, err
	}

	analysis, confidence := parseAnalysis(gres.Response, spec.ResponseFormat)
	logging.AgentDebug("analyzed %s (%s, confidence=%.2f)", spec.Path, spec.AnalysisType, confidence)

	return &AnalysisResult{
		FilePath:     spec.Path,
		AnalysisType: spec.AnalysisType,
		Model:        gres.Model,
		Analysis:     analysis,
		Confidence:   confidence,
	}, nil
}

// fileHead is the readable slice of a file fed into a prompt.
type fileHead struct {
	Name    string
	Ext     string
	Size    int64
	ModTime time.Time
	Content string
	Binary  bool
}

// readFileHead reads at most the configured cap from the file. Binary
// content is detected by a null byte in the first 8 KiB; binary files
// get metadata-only prompts.
func (m *Manager) readFileHead(path string) (fileHead, error) {
	m.mu.RLock()
	readCap := m.cfg.MaxAnalysisReadBytes
	m.mu.RUnlock()

	fi, err := os.Stat(path)
	if err != nil {
		return fileHead{}, err
	}
	head := fileHead{
		Name:    fi.Name(),
		Ext:     strings.ToLower(filepath.Ext(path)),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
	}
	if fi.IsDir() {
		return fileHead{}, fmt.Errorf("%s is a directory", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fileHead{}, err
	}
	defer f.Close()

	buf := make([]byte, readCap)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fileHead{}, err
	}
	buf = buf[:n]

	sniff := n
	if sniff > 8<<10 {
		sniff = 8 << 10
	}
	if bytes.IndexByte(buf[:sniff], 0) >= 0 {
		head.Binary = true
		return head, nil
	}

	head.Content = string(buf)
	return head, nil
}

const (
	systemClassify = "You are a file organization assistant. Classify files into categories. Respond with strict JSON only."
	systemSummary  = "You are a file organization assistant. Summarize file contents. Respond with strict JSON only."
	systemExtract  = "You are a file organization assistant. Extract structured facts from files. Respond with strict JSON only."
)

// buildAnalysisPrompt assembles the system and user prompts for one
// analysis type. Custom templates substitute {path} and {content}.
func buildAnalysisPrompt(spec Spec, head fileHead) (system, prompt string, err error) {
	var meta strings.Builder
	fmt.Fprintf(&meta, "File: %s\nExtension: %s\nSize: %d bytes\nModified: %s\n",
		spec.Path, head.Ext, head.Size, head.ModTime.Format(time.RFC3339))
	if head.Binary {
		meta.WriteString("Content: binary, omitted\n")
	} else {
		fmt.Fprintf(&meta, "Content:\n%s\n", head.Content)
	}

	switch spec.AnalysisType {
	case AnalysisClassification:
		return systemClassify, meta.String() +
			`Classify this file. Respond with JSON: {"category": string, "subcategory": string, "tags": [string], "suggested_name": string, "confidence": number between 0 and 1}`, nil

	case AnalysisSummary:
		return systemSummary, meta.String() +
			`Summarize this file. Respond with JSON: {"summary": string, "key_topics": [string], "confidence": number between 0 and 1}`, nil

	case AnalysisExtraction:
		return systemExtract, meta.String() +
			`Extract structured data from this file. Respond with JSON: {"entities": [string], "dates": [string], "amounts": [string], "confidence": number between 0 and 1}`, nil

	case AnalysisCustom:
		if spec.Template == "" {
			return "", "", fmt.Errorf("custom analysis requires a template")
		}
		p := strings.ReplaceAll(spec.Template, "{path}", spec.Path)
		p = strings.ReplaceAll(p, "{content}", head.Content)
		return "", p, nil

	default:
		return "", "", fmt.Errorf("unknown analysis type %q", spec.AnalysisType)
	}
}

// parseAnalysis decodes a model response. JSON responses that fail to
// parse, even after stripping code fences, degrade to a text wrapper
// instead of failing the task.
func parseAnalysis(raw, format string) (map[string]interface{}, float64) {
	if format != "json" {
		return map[string]interface{}{"text": raw}, 0
	}

	parsed := map[string]interface{}{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		stripped := stripJSONFences(raw)
		if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
			return map[string]interface{}{"text": raw}, 0
		}
	}

	confidence := 0.0
	if c, ok := parsed["confidence"].(float64); ok {
		confidence = c
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}
	}
	return parsed, confidence
}

// stripJSONFences recovers a JSON object from a fenced or chatty model
// response by slicing from the first brace to the last.
func stripJSONFences(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return raw
	}
	return raw[start : end+1]
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// -----------------------------------------------------------------------------
// Batch processing
// -----------------------------------------------------------------------------

// runBatch analyzes every path in the batch. Parallel mode fans out
// with a bounded group; sequential mode walks fixed-size slices with a
// pause between them. The batch succeeds when at least one file does.
func (m *Manager) runBatch(ctx context.Context, spec Spec) (*BatchResult, error) {
	batch := &BatchResult{
		Total:  len(spec.Paths),
		Errors: make(map[string]string),
	}
	var (
		mu       sync.Mutex
		firstErr error
	)

	record := func(path string, ar *AnalysisResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			batch.Failed++
			batch.Errors[path] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		batch.Succeeded++
		batch.Results = append(batch.Results, *ar)
	}

	perFile := spec
	perFile.Kind = KindFileAnalysis

	if spec.Parallel {
		limit := spec.BatchSize
		if limit <= 0 || limit > batchParallelCap {
			limit = batchParallelCap
		}
		var g errgroup.Group
		g.SetLimit(limit)
		for _, path := range spec.Paths {
			p := path
			g.Go(func() error {
				fs := perFile
				fs.Path = p
				ar, err := m.runFileAnalysis(ctx, fs)
				record(p, ar, err)
				return nil
			})
		}
		g.Wait()
	} else {
		size := spec.BatchSize
		if size <= 0 {
			size = 1
		}
		for i := 0; i < len(spec.Paths); i += size {
			if err := ctx.Err(); err != nil {
				return batch, err
			}
			end := i + size
			if end > len(spec.Paths) {
				end = len(spec.Paths)
			}
			for _, p := range spec.Paths[i:end] {
				fs := perFile
				fs.Path = p
				ar, err := m.runFileAnalysis(ctx, fs)
				record(p, ar, err)
			}
			if end < len(spec.Paths) {
				select {
				case <-time.After(sequentialBatchPause):
				case <-ctx.Done():
					return batch, ctx.Err()
				}
			}
		}
	}

	if batch.Succeeded == 0 && batch.Total > 0 {
		return batch, fmt.Errorf("all %d files failed: %w", batch.Total, firstErr)
	}
	logging.Agent("batch done: %d/%d ok, %d failed", batch.Succeeded, batch.Total, batch.Failed)
	return batch, nil
}

// -----------------------------------------------------------------------------
// Health check
// -----------------------------------------------------------------------------

// runHealthCheck probes the daemon and refreshes the model catalog,
// which in turn feeds the next slot recomputation.
func (m *Manager) runHealthCheck(ctx context.Context) (*HealthStatus, error) {
	status := &HealthStatus{Host: m.health.Current()}

	if err := m.infer.Ping(ctx); err != nil {
		return nil, fmt.Errorf("daemon unreachable: %w", err)
	}
	status.DaemonAlive = true

	if err := m.refreshModels(ctx); err != nil {
		logging.AgentWarn("model refresh failed during health check: %v", err)
	}
	status.ModelCount = m.ModelCount()

	m.RecomputeSlotCapacity()
	return status, nil
}
