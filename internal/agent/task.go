// Package agent schedules inference-backed file tasks against live host
// capacity. The queue owns all task state; the manager owns slots,
// memory governance, and dispatch.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"filenerd/internal/sysmon"
)

// =============================================================================
// PRIORITY
// =============================================================================

// Priority orders task classes. Lower values are more urgent, so
// Critical outranks everything and Low runs last.
type Priority int

const (
	// PriorityCritical is for system tasks and safety-critical work.
	PriorityCritical Priority = 0

	// PriorityHigh is for user-requested operations.
	PriorityHigh Priority = 1

	// PriorityNormal is for regular analysis work.
	PriorityNormal Priority = 2

	// PriorityLow is for background and speculative work.
	PriorityLow Priority = 3
)

// numPriorities is the number of priority classes.
const numPriorities = 4

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePriority parses a priority name.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// valid reports whether p is a defined class.
func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// =============================================================================
// STATE
// =============================================================================

// State is the task lifecycle state. Terminal states are never
// overwritten; the queue enforces this.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// IsTerminal reports whether s ends the task lifecycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// =============================================================================
// KINDS
// =============================================================================

// Kind selects the task handler.
type Kind string

const (
	// KindFileAnalysis runs one inference call over one file.
	KindFileAnalysis Kind = "file-analysis"

	// KindBatchProcessing analyzes a list of files with bounded fan-out.
	KindBatchProcessing Kind = "batch-processing"

	// KindHealthCheck probes the daemon and refreshes the model cache.
	// Exempt from slot accounting.
	KindHealthCheck Kind = "health-check"
)

// AnalysisType selects the prompt built for a file analysis.
type AnalysisType string

const (
	AnalysisClassification AnalysisType = "classification"
	AnalysisSummary        AnalysisType = "summary"
	AnalysisExtraction     AnalysisType = "extraction"
	AnalysisCustom         AnalysisType = "custom"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrQueueStopped is returned when submitting to a closed queue.
	ErrQueueStopped = errors.New("task queue is stopped")

	// ErrNotRunning is returned for operations on a stopped manager.
	ErrNotRunning = errors.New("agent manager is not running")

	// ErrAlreadyRunning is returned by a second Start.
	ErrAlreadyRunning = errors.New("agent manager already running")

	// ErrEmergencyStop is returned while emergency mode is active.
	ErrEmergencyStop = errors.New("emergency stop active, not accepting tasks")

	// ErrUnknownTask is returned when a task id is not known.
	ErrUnknownTask = errors.New("unknown task")
)

// =============================================================================
// TASK
// =============================================================================

// Spec is the submitter's description of a task. The kind decides which
// payload fields apply.
type Spec struct {
	Kind     Kind
	Priority Priority

	// Model overrides the client default for inference calls.
	Model string

	// Timeout of 0 takes the manager default.
	Timeout time.Duration

	// MaxRetries of 0 takes the manager default; negative disables
	// retries.
	MaxRetries int

	// EstimatedMemory of 0 is filled from the model estimate at submit.
	EstimatedMemory uint64

	// File analysis payload
	Path           string
	AnalysisType   AnalysisType
	Template       string // Prompt template for AnalysisCustom
	ResponseFormat string // "json" (default) or "text"

	// Batch payload
	Paths     []string
	BatchSize int
	Parallel  bool

	Metadata map[string]string
}

// validate checks kind-specific payload requirements.
func (s *Spec) validate() error {
	if !s.Priority.valid() {
		return fmt.Errorf("invalid priority %d", int(s.Priority))
	}
	switch s.Kind {
	case KindFileAnalysis:
		if s.Path == "" {
			return fmt.Errorf("file analysis requires a path")
		}
		if s.AnalysisType == AnalysisCustom && s.Template == "" {
			return fmt.Errorf("custom analysis requires a template")
		}
	case KindBatchProcessing:
		if len(s.Paths) == 0 {
			return fmt.Errorf("batch processing requires paths")
		}
	case KindHealthCheck:
		// No payload
	default:
		return fmt.Errorf("unknown task kind %q", s.Kind)
	}
	return nil
}

// Task is one unit of scheduled work. All mutation happens inside the
// queue under its lock; callers outside the package receive copies.
type Task struct {
	ID       string
	Kind     Kind
	Priority Priority
	State    State
	Spec     Spec

	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	Timeout         time.Duration
	RetryCount      int
	MaxRetries      int
	EstimatedMemory uint64
	Err             string

	// Result is set when the task reaches a terminal state.
	Result *TaskResult

	// resultCh delivers the terminal result exactly once.
	resultCh chan TaskResult

	// cancel aborts the running worker; bound at dispatch.
	cancel func()
}

// NewTask builds a Queued task from a spec with defaults applied.
func NewTask(spec Spec, defaultTimeout time.Duration, defaultRetries int) *Task {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	retries := spec.MaxRetries
	if retries == 0 {
		retries = defaultRetries
	} else if retries < 0 {
		retries = 0
	}
	if spec.AnalysisType == "" {
		spec.AnalysisType = AnalysisClassification
	}
	if spec.ResponseFormat == "" {
		spec.ResponseFormat = "json"
	}

	return &Task{
		ID:              uuid.NewString(),
		Kind:            spec.Kind,
		Priority:        spec.Priority,
		State:           StateQueued,
		Spec:            spec,
		CreatedAt:       time.Now(),
		Timeout:         timeout,
		MaxRetries:      retries,
		EstimatedMemory: spec.EstimatedMemory,
		resultCh:        make(chan TaskResult, 1),
	}
}

// =============================================================================
// RESULTS
// =============================================================================

// AnalysisResult is the parsed outcome of one file analysis.
type AnalysisResult struct {
	FilePath     string
	AnalysisType AnalysisType
	Model        string

	// Analysis holds the parsed JSON payload, or {"text": raw} when the
	// model's output was not valid JSON.
	Analysis   map[string]interface{}
	Confidence float64
}

// BatchResult aggregates per-file outcomes of a batch task.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []AnalysisResult
	Errors    map[string]string // path -> error text
}

// HealthStatus is the outcome of a health-check task.
type HealthStatus struct {
	DaemonAlive bool
	ModelCount  int
	Host        sysmon.Health
}

// TaskResult is the terminal record of a task, kept in the bounded
// history ring. Exactly one payload field matches the kind.
type TaskResult struct {
	TaskID   string
	Kind     Kind
	Priority Priority
	State    State
	Success  bool

	Analysis *AnalysisResult
	Batch    *BatchResult
	Health   *HealthStatus

	Err           string
	RetryCount    int
	ExecutionTime time.Duration
	MemoryUsed    uint64
	FinishedAt    time.Time
}
