// Package logging provides audit logging for everything that touches user
// files or the inference daemon. Audit logs are JSON-line events that record
// who moved what, when, and whether it could be undone.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Task lifecycle events
	AuditTaskSubmit   AuditEventType = "task_submit"
	AuditTaskDispatch AuditEventType = "task_dispatch"
	AuditTaskComplete AuditEventType = "task_complete"
	AuditTaskRetry    AuditEventType = "task_retry"
	AuditTaskCancel   AuditEventType = "task_cancel"
	AuditTaskTimeout  AuditEventType = "task_timeout"
	AuditTaskError    AuditEventType = "task_error"

	// Inference daemon events
	AuditDaemonRequest  AuditEventType = "daemon_request"
	AuditDaemonResponse AuditEventType = "daemon_response"
	AuditDaemonError    AuditEventType = "daemon_error"

	// File operations
	AuditFileMove     AuditEventType = "file_move"
	AuditFileRename   AuditEventType = "file_rename"
	AuditFileCopy     AuditEventType = "file_copy"
	AuditFileDelete   AuditEventType = "file_delete"
	AuditFileMkdir    AuditEventType = "file_mkdir"
	AuditFileRollback AuditEventType = "file_rollback"
	AuditFileError    AuditEventType = "file_error"

	// Journal events
	AuditJournalRecord AuditEventType = "journal_record"
	AuditJournalUndo   AuditEventType = "journal_undo"
	AuditJournalPurge  AuditEventType = "journal_purge"

	// Pipeline events
	AuditPipelineStart    AuditEventType = "pipeline_start"
	AuditPipelineBatch    AuditEventType = "pipeline_batch"
	AuditPipelineComplete AuditEventType = "pipeline_complete"
	AuditPipelineAbort    AuditEventType = "pipeline_abort"

	// Resource governance events
	AuditSlotsRecompute AuditEventType = "slots_recompute"
	AuditMemoryWarning  AuditEventType = "memory_warning"
	AuditEviction       AuditEventType = "eviction"
	AuditEmergencyStop  AuditEventType = "emergency_stop"

	// Performance
	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"

	// Error events
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`     // Unix milliseconds
	EventType  AuditEventType         `json:"event"`  // Event kind
	Category   string                 `json:"cat"`    // Log category
	TaskID     string                 `json:"task"`   // Task correlation
	TxID       string                 `json:"tx"`     // Transaction correlation
	Target     string                 `json:"target"` // Target of operation (path, model)
	Action     string                 `json:"action"` // Action being performed
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms"`
	Error      string                 `json:"error"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger handles structured audit logging
type AuditLogger struct {
	taskID   string
	txID     string
	category Category
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: one JSON event per line\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithTask creates an audit logger scoped to a task
func AuditWithTask(taskID string) *AuditLogger {
	return &AuditLogger{taskID: taskID}
}

// AuditWithTx creates an audit logger scoped to a transaction
func AuditWithTx(txID string) *AuditLogger {
	return &AuditLogger{txID: txID}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(taskID, txID string, category Category) *AuditLogger {
	return &AuditLogger{
		taskID:   taskID,
		txID:     txID,
		category: category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.TaskID == "" && a.taskID != "" {
		event.TaskID = a.taskID
	}
	if event.TxID == "" && a.txID != "" {
		event.TxID = a.txID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// TaskSubmit logs a task submission
func (a *AuditLogger) TaskSubmit(taskID, kind, priority string) {
	a.Log(AuditEvent{
		EventType: AuditTaskSubmit,
		TaskID:    taskID,
		Target:    kind,
		Action:    priority,
		Success:   true,
		Message:   fmt.Sprintf("Task submitted: %s (%s, %s)", taskID, kind, priority),
	})
}

// TaskDispatch logs a task starting execution
func (a *AuditLogger) TaskDispatch(taskID, kind string) {
	a.Log(AuditEvent{
		EventType: AuditTaskDispatch,
		TaskID:    taskID,
		Target:    kind,
		Success:   true,
		Message:   fmt.Sprintf("Task dispatched: %s (%s)", taskID, kind),
	})
}

// TaskComplete logs a task finishing
func (a *AuditLogger) TaskComplete(taskID, state string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  AuditTaskComplete,
		TaskID:     taskID,
		Action:     state,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Task finished: %s state=%s (%dms)", taskID, state, durationMs),
	})
}

// DaemonCall logs an inference daemon call
func (a *AuditLogger) DaemonCall(model string, durationMs int64, success bool, errMsg string) {
	eventType := AuditDaemonResponse
	if !success {
		eventType = AuditDaemonError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Target:     model,
		Success:    success,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("Daemon call: %s (%dms, success=%v)", model, durationMs, success),
	})
}

// FileOp logs a file operation
func (a *AuditLogger) FileOp(op AuditEventType, source, target string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: op,
		Target:    target,
		Action:    source,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("File %s: %s -> %s (success=%v)", op, source, target, success),
	})
}

// Rollback logs a compensation run for a failed transaction
func (a *AuditLogger) Rollback(txID string, compensated int, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditFileRollback,
		TxID:      txID,
		Success:   success,
		Error:     errMsg,
		Fields:    map[string]interface{}{"compensated": compensated},
		Message:   fmt.Sprintf("Rollback: tx=%s compensated=%d success=%v", txID, compensated, success),
	})
}

// JournalRecord logs a journal append
func (a *AuditLogger) JournalRecord(entryID, txID, opType string) {
	a.Log(AuditEvent{
		EventType: AuditJournalRecord,
		TxID:      txID,
		Target:    entryID,
		Action:    opType,
		Success:   true,
		Message:   fmt.Sprintf("Journal record: %s (%s, tx=%s)", entryID, opType, txID),
	})
}

// JournalUndo logs an undo attempt
func (a *AuditLogger) JournalUndo(entryID string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: AuditJournalUndo,
		Target:    entryID,
		Success:   success,
		Error:     errMsg,
		Message:   fmt.Sprintf("Journal undo: %s success=%v", entryID, success),
	})
}

// JournalPurge logs a retention sweep
func (a *AuditLogger) JournalPurge(entries, backups int, cutoff string) {
	a.Log(AuditEvent{
		EventType: AuditJournalPurge,
		Success:   true,
		Fields:    map[string]interface{}{"entries": entries, "backups": backups, "cutoff": cutoff},
		Message:   fmt.Sprintf("Journal purge: %d entries, %d backups (older than %s)", entries, backups, cutoff),
	})
}

// PipelineEvent logs pipeline lifecycle events
func (a *AuditLogger) PipelineEvent(eventType AuditEventType, batch, total int, success bool) {
	a.Log(AuditEvent{
		EventType: eventType,
		Success:   success,
		Fields:    map[string]interface{}{"batch": batch, "total": total},
		Message:   fmt.Sprintf("Pipeline %s: batch=%d/%d success=%v", eventType, batch, total, success),
	})
}

// Eviction logs a memory-pressure eviction
func (a *AuditLogger) Eviction(evicted int, pressure float64) {
	a.Log(AuditEvent{
		EventType: AuditEviction,
		Success:   true,
		Fields:    map[string]interface{}{"evicted": evicted, "pressure": pressure},
		Message:   fmt.Sprintf("Evicted %d tasks at pressure %.3f", evicted, pressure),
	})
}

// EmergencyStop logs an emergency stop
func (a *AuditLogger) EmergencyStop(cancelled, cleared int, pressure float64) {
	a.Log(AuditEvent{
		EventType: AuditEmergencyStop,
		Success:   true,
		Fields: map[string]interface{}{
			"cancelled": cancelled,
			"cleared":   cleared,
			"pressure":  pressure,
		},
		Message: fmt.Sprintf("Emergency stop: cancelled=%d cleared=%d pressure=%.3f", cancelled, cleared, pressure),
	})
}

// PerfMetric logs a performance metric
func (a *AuditLogger) PerfMetric(operation string, durationMs int64, threshold int64) {
	eventType := AuditPerfMetric
	success := true
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
		success = false
	}
	fields := map[string]interface{}{}
	if threshold > 0 {
		fields["threshold_ms"] = threshold
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Action:     operation,
		DurationMs: durationMs,
		Success:    success,
		Fields:     fields,
		Message:    fmt.Sprintf("Perf: %s took %dms (threshold=%dms)", operation, durationMs, threshold),
	})
}

// Error logs an error event
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
		Message:   fmt.Sprintf("Error in %s: %s (critical=%v)", category, errMsg, critical),
	})
}
