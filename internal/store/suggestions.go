package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"filenerd/internal/agent"
	"filenerd/internal/logging"
)

// =============================================================================
// SUGGESTIONS
// =============================================================================

// recommendThreshold marks a suggestion recommended at insert time when
// the model's confidence clears it.
const recommendThreshold = 0.7

// InsertSuggestion stores a pending suggestion. An empty Kind is
// derived from the value: a path separator means move, otherwise
// rename. The referenced file must exist in the catalog.
func (c *Catalog) InsertSuggestion(ctx context.Context, s Suggestion) (Suggestion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.SuggestedValue = strings.TrimSpace(s.SuggestedValue)
	if s.SuggestedValue == "" {
		return s, fmt.Errorf("suggestion requires a value")
	}
	if s.Kind == "" {
		s.Kind = KindRename
		if strings.ContainsAny(s.SuggestedValue, `/\`) {
			s.Kind = KindMove
		}
	}
	if s.Kind != KindRename && s.Kind != KindMove {
		return s, fmt.Errorf("unknown suggestion kind %q", s.Kind)
	}

	var exists int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM files WHERE id = ?", s.FileID).Scan(&exists)
	if err != nil {
		return s, fmt.Errorf("failed to check file: %w", err)
	}
	if exists == 0 {
		return s, fmt.Errorf("%w: %s", ErrFileNotFound, s.FileID)
	}

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO suggestions
			(id, file_id, kind, suggested_value, confidence, adjusted_confidence,
			 analysis_type, model, is_recommended, approved, applied, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.FileID, s.Kind, s.SuggestedValue, s.Confidence, s.AdjustedConfidence,
		s.AnalysisType, s.Model, boolToInt(s.IsRecommended), boolToInt(s.Approved),
		boolToInt(s.Applied), s.CreatedAt.UnixMilli())
	if err != nil {
		logging.StoreError("Failed to insert suggestion for %s: %v", s.FileID, err)
		return s, fmt.Errorf("failed to insert suggestion: %w", err)
	}

	logging.StoreDebug("Suggestion %s: %s %q (confidence=%.2f)",
		s.ID, s.Kind, s.SuggestedValue, s.Confidence)
	return s, nil
}

// SuggestionByID returns one suggestion.
func (c *Catalog) SuggestionByID(ctx context.Context, id string) (Suggestion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return scanSuggestion(c.db.QueryRowContext(ctx,
		selectSuggestion+" WHERE id = ?", id))
}

// Suggestions lists suggestions matching the filter, newest first.
func (c *Catalog) Suggestions(ctx context.Context, f SuggestionFilter) ([]Suggestion, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Suggestions")
	defer timer.Stop()

	c.mu.RLock()
	defer c.mu.RUnlock()

	var conds []string
	var args []interface{}
	if f.FileID != "" {
		conds = append(conds, "file_id = ?")
		args = append(args, f.FileID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.AnalysisType != "" {
		conds = append(conds, "analysis_type = ?")
		args = append(args, f.AnalysisType)
	}
	if f.MinConfidence > 0 {
		// Same rule as EffectiveConfidence: an adjustment overrides the
		// model score even when it lowers it.
		conds = append(conds, "(CASE WHEN adjusted_confidence > 0 THEN adjusted_confidence ELSE confidence END) >= ?")
		args = append(args, f.MinConfidence)
	}
	if f.Approved != nil {
		conds = append(conds, "approved = ?")
		args = append(args, boolToInt(*f.Approved))
	}
	if f.Applied != nil {
		conds = append(conds, "applied = ?")
		args = append(args, boolToInt(*f.Applied))
	}

	query := selectSuggestion
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		logging.StoreError("Suggestion query failed: %v", err)
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	for rows.Next() {
		s, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ApprovedSuggestions is the pipeline's read: approved, not yet
// applied, above the confidence floor.
func (c *Catalog) ApprovedSuggestions(ctx context.Context, f SuggestionFilter) ([]Suggestion, error) {
	t, fa := true, false
	f.Approved = &t
	f.Applied = &fa
	return c.Suggestions(ctx, f)
}

// Approve marks the given suggestions approved and returns how many
// rows actually changed. Already-applied suggestions are left alone.
func (c *Catalog) Approve(ctx context.Context, ids []string) (int, error) {
	return c.setFlag(ctx, "approved", ids)
}

// MarkApplied records that the pipeline executed these suggestions.
func (c *Catalog) MarkApplied(ctx context.Context, ids []string) (int, error) {
	return c.setFlag(ctx, "applied", ids)
}

func (c *Catalog) setFlag(ctx context.Context, column string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	// Applied rows are frozen history; only approval of live rows and
	// application of anything still pending may flip.
	query := fmt.Sprintf(
		"UPDATE suggestions SET %s = 1 WHERE id IN (%s) AND applied = 0",
		column, placeholders)

	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		logging.StoreError("Failed to set %s on %d suggestions: %v", column, len(ids), err)
		return 0, fmt.Errorf("failed to update suggestions: %w", err)
	}
	n, _ := res.RowsAffected()
	logging.Store("Set %s on %d/%d suggestions", column, n, len(ids))
	return int(n), nil
}

// AdjustConfidence overrides a suggestion's confidence after the fact,
// e.g. when user feedback recalibrates the model's score.
func (c *Catalog) AdjustConfidence(ctx context.Context, id string, confidence float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %v out of range", confidence)
	}
	res, err := c.db.ExecContext(ctx,
		"UPDATE suggestions SET adjusted_confidence = ?, is_recommended = ? WHERE id = ?",
		confidence, boolToInt(confidence >= recommendThreshold), id)
	if err != nil {
		return fmt.Errorf("failed to adjust confidence: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSuggestionNotFound, id)
	}
	return nil
}

// =============================================================================
// AGENT SINK
// =============================================================================

// SaveAnalysis persists what one analysis task produced: the file
// record is refreshed, and an actionable payload value becomes a
// pending suggestion. Satisfies agent.SuggestionSink. Summary and
// extraction payloads usually carry nothing actionable; they still
// refresh the file record.
func (c *Catalog) SaveAnalysis(ctx context.Context, res agent.AnalysisResult) error {
	rec := FileRecord{Path: res.FilePath}
	if fi, err := os.Stat(res.FilePath); err == nil {
		rec.Size = fi.Size()
		rec.ModTime = fi.ModTime()
	}
	if cat, ok := res.Analysis["category"].(string); ok {
		rec.MediaKind = strings.ToLower(strings.TrimSpace(cat))
	}

	rec, err := c.UpsertFile(ctx, rec)
	if err != nil {
		return err
	}

	value := actionableValue(res.Analysis)
	if value == "" {
		return nil
	}

	_, err = c.InsertSuggestion(ctx, Suggestion{
		FileID:         rec.ID,
		SuggestedValue: value,
		Confidence:     res.Confidence,
		AnalysisType:   string(res.AnalysisType),
		Model:          res.Model,
		IsRecommended:  res.Confidence >= recommendThreshold,
	})
	return err
}

// actionableValue pulls the rename or move target out of a parsed
// analysis payload. suggested_path wins over suggested_name when a
// custom template produces both.
func actionableValue(analysis map[string]interface{}) string {
	for _, key := range []string{"suggested_path", "suggested_name"} {
		if v, ok := analysis[key].(string); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

const selectSuggestion = `
	SELECT id, file_id, kind, suggested_value, confidence, adjusted_confidence,
	       analysis_type, model, is_recommended, approved, applied, created_at
	FROM suggestions`

func scanSuggestion(row scanner) (Suggestion, error) {
	var (
		s         Suggestion
		rec       int
		approved  int
		applied   int
		createdMs int64
	)
	err := row.Scan(&s.ID, &s.FileID, &s.Kind, &s.SuggestedValue, &s.Confidence,
		&s.AdjustedConfidence, &s.AnalysisType, &s.Model, &rec, &approved,
		&applied, &createdMs)
	if err == sql.ErrNoRows {
		return s, ErrSuggestionNotFound
	}
	if err != nil {
		return s, fmt.Errorf("failed to scan suggestion row: %w", err)
	}
	s.IsRecommended = rec != 0
	s.Approved = approved != 0
	s.Applied = applied != 0
	s.CreatedAt = time.UnixMilli(createdMs)
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
