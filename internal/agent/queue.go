package agent

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"filenerd/internal/logging"
)

// =============================================================================
// PRIORITY TASK QUEUE
// =============================================================================
//
// One FIFO per priority class, plus an id index covering every task the
// queue has seen. The queue is the single writer of task state: the
// manager reserves slots and runs workers, but every transition funnels
// through a queue method so the terminal-state guard holds everywhere.
// The queue is unbounded; admission control is memory-based and lives in
// the manager.

// defaultHistoryLimit bounds the terminal result ring.
const defaultHistoryLimit = 1000

// Queue holds tasks across their whole lifecycle.
type Queue struct {
	mu      sync.RWMutex
	classes [numPriorities][]*Task
	byID    map[string]*Task

	history      []TaskResult
	historyLimit int

	closed bool

	// Metrics (atomic for lock-free reads)
	totalSubmitted atomic.Int64
	totalCompleted atomic.Int64
	totalFailed    atomic.Int64
	totalCancelled atomic.Int64
	totalTimedOut  atomic.Int64
	totalRetried   atomic.Int64
}

// NewQueue creates an empty queue. historyLimit <= 0 takes the default.
func NewQueue(historyLimit int) *Queue {
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	return &Queue{
		byID:         make(map[string]*Task),
		historyLimit: historyLimit,
	}
}

// Close stops admission. Queued and running tasks are untouched; the
// manager drains them on shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// reopen re-enables admission after a manager restart.
func (q *Queue) reopen() {
	q.mu.Lock()
	q.closed = false
	q.mu.Unlock()
}

// =============================================================================
// ADMISSION AND DISPATCH
// =============================================================================

// Enqueue adds a Queued task to its class FIFO.
func (q *Queue) Enqueue(t *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueStopped
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.State = StateQueued

	q.byID[t.ID] = t
	q.classes[t.Priority] = append(q.classes[t.Priority], t)
	q.totalSubmitted.Add(1)

	logging.QueueDebug("enqueued %s (kind=%s, priority=%s)", t.ID, t.Kind, t.Priority)
	return nil
}

// Dequeue pops the oldest task from the most urgent non-empty class,
// marks it Running, and returns a copy. Returns nil when no task is
// ready.
func (q *Queue) Dequeue() *Task {
	return q.dequeueWhere(nil)
}

// DequeueKind pops the next task of one kind regardless of what sits
// ahead of it in other classes. Used for slot-exempt health checks.
func (q *Queue) DequeueKind(kind Kind) *Task {
	return q.dequeueWhere(func(t *Task) bool { return t.Kind == kind })
}

func (q *Queue) dequeueWhere(pred func(*Task) bool) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for pri := 0; pri < numPriorities; pri++ {
		for i, t := range q.classes[pri] {
			if pred != nil && !pred(t) {
				continue
			}
			q.classes[pri] = append(q.classes[pri][:i], q.classes[pri][i+1:]...)
			t.State = StateRunning
			t.StartedAt = time.Now()
			cp := *t
			return &cp
		}
	}
	return nil
}

// Peek returns a copy of the next dispatch candidate without removing it.
func (q *Queue) Peek() (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for pri := 0; pri < numPriorities; pri++ {
		if len(q.classes[pri]) > 0 {
			return *q.classes[pri][0], true
		}
	}
	return Task{}, false
}

// Requeue re-appends a retried task to its class FIFO. The task must
// still be Queued; a cancel that landed during the retry backoff wins.
func (q *Queue) Requeue(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok || t.State != StateQueued {
		return false
	}
	for _, queued := range q.classes[t.Priority] {
		if queued.ID == id {
			return true // Already in the FIFO
		}
	}
	q.classes[t.Priority] = append(q.classes[t.Priority], t)
	return true
}

// BindCancel attaches the worker's cancel func to a running task.
func (q *Queue) BindCancel(id string, cancel func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.byID[id]; ok {
		t.cancel = cancel
	}
}

// =============================================================================
// LOOKUP
// =============================================================================

// Get returns a race-free copy of a task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.byID[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// ResultChan returns the task's terminal delivery channel.
func (q *Queue) ResultChan(id string) (<-chan TaskResult, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	t, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	return t.resultCh, true
}

// Queued returns copies of all queued tasks in dispatch order
// (priority class, then FIFO position).
func (q *Queue) Queued() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Task
	for pri := 0; pri < numPriorities; pri++ {
		for _, t := range q.classes[pri] {
			out = append(out, *t)
		}
	}
	return out
}

// Running returns copies of all running tasks.
func (q *Queue) Running() []Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Task
	for _, t := range q.byID {
		if t.State == StateRunning {
			out = append(out, *t)
		}
	}
	return out
}

// =============================================================================
// STATE TRANSITIONS
// =============================================================================

// canTransition encodes the task state machine. Terminal states are
// frozen; Running may fall back to Queued on a retryable failure.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateCancelled
	case StateRunning:
		switch to {
		case StateCompleted, StateFailed, StateTimeout, StateCancelled, StateQueued:
			return true
		}
	}
	return false
}

// UpdateState applies a bare transition under the state machine guard.
// The Mark methods are preferred; they also record results.
func (q *Queue) UpdateState(id string, to State) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok || !canTransition(t.State, to) {
		return false
	}
	t.State = to
	if to.IsTerminal() {
		t.FinishedAt = time.Now()
	}
	return true
}

// MarkCompleted finishes a task successfully and records its result.
func (q *Queue) MarkCompleted(id string, res TaskResult) bool {
	if !q.finish(id, StateCompleted, "", res) {
		return false
	}
	q.totalCompleted.Add(1)
	return true
}

// MarkFailed finishes a task as Failed.
func (q *Queue) MarkFailed(id, errMsg string, res TaskResult) bool {
	if !q.finish(id, StateFailed, errMsg, res) {
		return false
	}
	q.totalFailed.Add(1)
	return true
}

// MarkTimeout finishes a task as Timeout.
func (q *Queue) MarkTimeout(id, errMsg string, res TaskResult) bool {
	if !q.finish(id, StateTimeout, errMsg, res) {
		return false
	}
	q.totalTimedOut.Add(1)
	return true
}

// MarkRetry moves a running task back to Queued with an incremented
// retry count. The caller appends it to the FIFO with Requeue after the
// backoff has elapsed. Returns the post-increment copy.
func (q *Queue) MarkRetry(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok || !canTransition(t.State, StateQueued) {
		return Task{}, false
	}
	t.State = StateQueued
	t.RetryCount++
	t.StartedAt = time.Time{}
	t.cancel = nil
	q.totalRetried.Add(1)

	logging.Queue("retry %d/%d for %s", t.RetryCount, t.MaxRetries, t.ID)
	return *t, true
}

// Cancel cancels a queued or running task. Queued tasks leave the FIFO;
// running tasks get their worker context cancelled after the state is
// already Cancelled, so a late worker classification loses to the guard.
// Returns false for unknown or terminal tasks.
func (q *Queue) Cancel(id, reason string) bool {
	q.mu.Lock()

	t, ok := q.byID[id]
	if !ok || t.State.IsTerminal() {
		q.mu.Unlock()
		return false
	}

	if t.State == StateQueued {
		q.removeFromClass(t)
	}
	cancel := t.cancel

	q.finishLocked(t, StateCancelled, reason, TaskResult{})
	q.totalCancelled.Add(1)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logging.Queue("cancelled %s: %s", id, reason)
	return true
}

// ClearQueued cancels every queued task, including tasks parked in a
// retry backoff that are not sitting in a FIFO. Returns how many were
// cleared.
func (q *Queue) ClearQueued(reason string) int {
	q.mu.Lock()

	for pri := 0; pri < numPriorities; pri++ {
		q.classes[pri] = nil
	}
	cleared := 0
	for _, t := range q.byID {
		if t.State != StateQueued {
			continue
		}
		q.finishLocked(t, StateCancelled, reason, TaskResult{})
		q.totalCancelled.Add(1)
		cleared++
	}
	q.mu.Unlock()

	return cleared
}

// finish applies a terminal transition and records the result.
func (q *Queue) finish(id string, to State, errMsg string, res TaskResult) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok || !canTransition(t.State, to) {
		return false
	}
	q.finishLocked(t, to, errMsg, res)
	return true
}

// finishLocked finalizes a task under the queue lock: state, result
// record, history append, and one-shot delivery.
func (q *Queue) finishLocked(t *Task, to State, errMsg string, res TaskResult) {
	t.State = to
	t.FinishedAt = time.Now()
	t.Err = errMsg
	t.cancel = nil

	res.TaskID = t.ID
	res.Kind = t.Kind
	res.Priority = t.Priority
	res.State = to
	res.Success = to == StateCompleted
	res.RetryCount = t.RetryCount
	res.FinishedAt = t.FinishedAt
	if res.Err == "" {
		res.Err = errMsg
	}
	if res.ExecutionTime == 0 && !t.StartedAt.IsZero() {
		res.ExecutionTime = t.FinishedAt.Sub(t.StartedAt)
	}
	t.Result = &res

	q.appendHistoryLocked(res)

	// Buffered once; the terminal guard makes a second send impossible
	select {
	case t.resultCh <- res:
	default:
		logging.QueueWarn("result channel full for %s", t.ID)
	}
}

// removeFromClass drops a task from its FIFO if present.
func (q *Queue) removeFromClass(t *Task) {
	class := q.classes[t.Priority]
	for i, queued := range class {
		if queued.ID == t.ID {
			q.classes[t.Priority] = append(class[:i], class[i+1:]...)
			return
		}
	}
}

// =============================================================================
// HISTORY AND MAINTENANCE
// =============================================================================

// RecordResult appends a result to the bounded history ring.
func (q *Queue) RecordResult(res TaskResult) {
	q.mu.Lock()
	q.appendHistoryLocked(res)
	q.mu.Unlock()
}

func (q *Queue) appendHistoryLocked(res TaskResult) {
	q.history = append(q.history, res)
	if len(q.history) > q.historyLimit {
		q.history = q.history[len(q.history)-q.historyLimit:]
	}
}

// History returns up to limit most recent results, oldest first.
// limit <= 0 returns everything retained.
func (q *Queue) History(limit int) []TaskResult {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if limit <= 0 || limit > len(q.history) {
		limit = len(q.history)
	}
	out := make([]TaskResult, limit)
	copy(out, q.history[len(q.history)-limit:])
	return out
}

// CleanupCompleted drops terminal tasks older than maxAge from the id
// index. History entries are unaffected. Returns how many were dropped.
func (q *Queue) CleanupCompleted(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, t := range q.byID {
		if t.State.IsTerminal() && !t.FinishedAt.IsZero() && t.FinishedAt.Before(cutoff) {
			delete(q.byID, id)
			removed++
		}
	}
	if removed > 0 {
		logging.QueueDebug("cleanup removed %d terminal tasks", removed)
	}
	return removed
}

// =============================================================================
// STATS
// =============================================================================

// QueueStats is a point-in-time summary for status output.
type QueueStats struct {
	QueuedByPriority [numPriorities]int
	StateCounts      map[State]int

	TotalSubmitted int64
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	TotalTimedOut  int64
	TotalRetried   int64

	OldestQueuedAt time.Time
	AvgQueueWait   time.Duration
}

// Stats computes the current summary.
func (q *Queue) Stats() QueueStats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	stats := QueueStats{
		StateCounts:    make(map[State]int),
		TotalSubmitted: q.totalSubmitted.Load(),
		TotalCompleted: q.totalCompleted.Load(),
		TotalFailed:    q.totalFailed.Load(),
		TotalCancelled: q.totalCancelled.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		TotalRetried:   q.totalRetried.Load(),
	}

	now := time.Now()
	var waitSum time.Duration
	queued := 0
	for pri := 0; pri < numPriorities; pri++ {
		stats.QueuedByPriority[pri] = len(q.classes[pri])
		for _, t := range q.classes[pri] {
			queued++
			waitSum += now.Sub(t.CreatedAt)
			if stats.OldestQueuedAt.IsZero() || t.CreatedAt.Before(stats.OldestQueuedAt) {
				stats.OldestQueuedAt = t.CreatedAt
			}
		}
	}
	if queued > 0 {
		stats.AvgQueueWait = waitSum / time.Duration(queued)
	}

	for _, t := range q.byID {
		stats.StateCounts[t.State]++
	}
	return stats
}

// EvictionCandidates returns up to n running tasks ordered least urgent
// first: priority descending, then newest start first. Used by the
// hard-threshold ladder; n is usually ceil(running/2).
func (q *Queue) EvictionCandidates(n int) []Task {
	running := q.Running()
	if n <= 0 || len(running) == 0 {
		return nil
	}

	// Insertion sort; running sets are small
	for i := 1; i < len(running); i++ {
		for j := i; j > 0; j-- {
			a, b := running[j-1], running[j]
			if b.Priority > a.Priority || (b.Priority == a.Priority && b.StartedAt.After(a.StartedAt)) {
				running[j-1], running[j] = b, a
			} else {
				break
			}
		}
	}

	if n > len(running) {
		n = len(running)
	}
	return running[:n]
}

// HalfCeil returns ceil(n/2), the eviction batch size.
func HalfCeil(n int) int {
	return int(math.Ceil(float64(n) / 2))
}
