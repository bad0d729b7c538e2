package config

import "fmt"

// PipelineConfig configures the suggestion execution pipeline.
type PipelineConfig struct {
	MinConfidence      float64 `yaml:"min_confidence" json:"min_confidence"`             // Suggestions below this are skipped
	MaxBatchSize       int     `yaml:"max_batch_size" json:"max_batch_size"`             // Chunk size for full runs
	SelectiveBatchSize int     `yaml:"selective_batch_size" json:"selective_batch_size"` // Chunk size when specific IDs are requested
	GroupBy            string  `yaml:"group_by" json:"group_by"`                         // none, confidence, type, directory
	FailureRateLimit   float64 `yaml:"failure_rate_limit" json:"failure_rate_limit"`     // Abort when cumulative failures exceed this
}

// GroupBy modes accepted by the pipeline.
var ValidGroupModes = []string{"none", "confidence", "type", "directory"}

// DefaultPipelineConfig returns pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		MinConfidence:      0.7,
		MaxBatchSize:       50,
		SelectiveBatchSize: 25,
		GroupBy:            "type",
		FailureRateLimit:   0.2,
	}
}

func (p *PipelineConfig) normalize() {
	if p.MinConfidence < 0 {
		p.MinConfidence = 0
	}
	if p.MinConfidence > 1 {
		p.MinConfidence = 1
	}
	if p.MaxBatchSize < 1 {
		p.MaxBatchSize = 50
	}
	if p.SelectiveBatchSize < 1 {
		p.SelectiveBatchSize = 25
	}
	if p.SelectiveBatchSize > p.MaxBatchSize {
		p.SelectiveBatchSize = p.MaxBatchSize
	}
	if p.FailureRateLimit <= 0 || p.FailureRateLimit > 1 {
		p.FailureRateLimit = 0.2
	}
	if p.GroupBy == "" {
		p.GroupBy = "type"
	}
}

// Validate checks the grouping mode.
func (p *PipelineConfig) Validate() error {
	for _, m := range ValidGroupModes {
		if p.GroupBy == m {
			return nil
		}
	}
	return fmt.Errorf("invalid pipeline group_by: %s (valid: %v)", p.GroupBy, ValidGroupModes)
}
