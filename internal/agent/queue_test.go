package agent

import (
	"testing"
	"time"
)

func enqueueTask(t *testing.T, q *Queue, pri Priority) *Task {
	t.Helper()
	task := NewTask(Spec{Kind: KindFileAnalysis, Priority: pri, Path: "/tmp/file.txt"}, time.Minute, 3)
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return task
}

func recvResult(t *testing.T, q *Queue, id string) TaskResult {
	t.Helper()
	ch, ok := q.ResultChan(id)
	if !ok {
		t.Fatalf("no result channel for %s", id)
	}
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatalf("no result delivered for %s", id)
		return TaskResult{}
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := NewQueue(0)
	first := enqueueTask(t, q, PriorityNormal)
	second := enqueueTask(t, q, PriorityNormal)
	third := enqueueTask(t, q, PriorityNormal)

	for i, want := range []string{first.ID, second.ID, third.ID} {
		got := q.Dequeue()
		if got == nil || got.ID != want {
			t.Fatalf("dequeue %d: got %v, want %s", i, got, want)
		}
	}
	if q.Dequeue() != nil {
		t.Error("empty queue should dequeue nil")
	}
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := NewQueue(0)
	low := enqueueTask(t, q, PriorityLow)
	normal := enqueueTask(t, q, PriorityNormal)
	critical := enqueueTask(t, q, PriorityCritical)
	high := enqueueTask(t, q, PriorityHigh)

	for _, want := range []string{critical.ID, high.ID, normal.ID, low.ID} {
		got := q.Dequeue()
		if got == nil || got.ID != want {
			t.Fatalf("got %v, want %s", got, want)
		}
	}
}

func TestQueue_DequeueMarksRunning(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)

	popped := q.Dequeue()
	if popped.State != StateRunning {
		t.Errorf("popped state = %s, want running", popped.State)
	}
	if popped.StartedAt.IsZero() {
		t.Error("started timestamp not set")
	}

	stored, ok := q.Get(task.ID)
	if !ok || stored.State != StateRunning {
		t.Errorf("stored state = %s, want running", stored.State)
	}
}

func TestQueue_DequeueKindSkipsAhead(t *testing.T) {
	q := NewQueue(0)
	file := NewTask(Spec{Kind: KindFileAnalysis, Priority: PriorityCritical, Path: "/tmp/a.txt"}, time.Minute, 3)
	if err := q.Enqueue(file); err != nil {
		t.Fatal(err)
	}
	health := NewTask(Spec{Kind: KindHealthCheck, Priority: PriorityLow}, time.Minute, 3)
	if err := q.Enqueue(health); err != nil {
		t.Fatal(err)
	}

	got := q.DequeueKind(KindHealthCheck)
	if got == nil || got.ID != health.ID {
		t.Fatalf("DequeueKind returned %v, want health check %s", got, health.ID)
	}
	if next := q.Dequeue(); next == nil || next.ID != file.ID {
		t.Fatalf("file task should remain queued")
	}
	if q.DequeueKind(KindHealthCheck) != nil {
		t.Error("no health checks left")
	}
}

func TestQueue_ClosedRejectsEnqueue(t *testing.T) {
	q := NewQueue(0)
	q.Close()

	task := NewTask(Spec{Kind: KindHealthCheck}, time.Minute, 3)
	if err := q.Enqueue(task); err != ErrQueueStopped {
		t.Fatalf("err = %v, want ErrQueueStopped", err)
	}

	q.reopen()
	if err := q.Enqueue(task); err != nil {
		t.Fatalf("enqueue after reopen: %v", err)
	}
}

func TestQueue_TerminalStatesAreFrozen(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)
	q.Dequeue()

	if !q.MarkCompleted(task.ID, TaskResult{}) {
		t.Fatal("first terminal transition should succeed")
	}
	if q.MarkFailed(task.ID, "late", TaskResult{}) {
		t.Error("terminal task accepted a second transition")
	}
	if q.Cancel(task.ID, "late") {
		t.Error("terminal task accepted a cancel")
	}

	got, _ := q.Get(task.ID)
	if got.State != StateCompleted {
		t.Errorf("state = %s, want completed", got.State)
	}
}

func TestQueue_MarkCompletedDeliversResult(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityHigh)
	q.Dequeue()

	if !q.MarkCompleted(task.ID, TaskResult{Analysis: &AnalysisResult{FilePath: "/tmp/file.txt"}}) {
		t.Fatal("mark completed failed")
	}

	res := recvResult(t, q, task.ID)
	if !res.Success || res.State != StateCompleted {
		t.Errorf("result = %+v, want success", res)
	}
	if res.Analysis == nil || res.Analysis.FilePath != "/tmp/file.txt" {
		t.Error("payload not carried through")
	}

	hist := q.History(0)
	if len(hist) != 1 || hist[0].TaskID != task.ID {
		t.Errorf("history = %v, want one entry for task", hist)
	}

	got, _ := q.Get(task.ID)
	if got.Result == nil || got.Result.State != StateCompleted {
		t.Error("task result not stored")
	}
}

func TestQueue_CancelQueued(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)

	if !q.Cancel(task.ID, "user request") {
		t.Fatal("cancel failed")
	}
	if q.Dequeue() != nil {
		t.Error("cancelled task still dispatchable")
	}

	res := recvResult(t, q, task.ID)
	if res.State != StateCancelled || res.Err != "user request" {
		t.Errorf("result = %+v, want cancelled with reason", res)
	}
}

func TestQueue_CancelRunningFiresBoundCancel(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)
	q.Dequeue()

	fired := make(chan struct{})
	q.BindCancel(task.ID, func() { close(fired) })

	if !q.Cancel(task.ID, "evicted") {
		t.Fatal("cancel failed")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("bound cancel func not invoked")
	}

	// The worker's own completion loses to the cancel
	if q.MarkCompleted(task.ID, TaskResult{}) {
		t.Error("completion after cancel should be refused")
	}
}

func TestQueue_RetryFlow(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)
	q.Dequeue()

	updated, ok := q.MarkRetry(task.ID)
	if !ok {
		t.Fatal("mark retry failed")
	}
	if updated.RetryCount != 1 || updated.State != StateQueued {
		t.Errorf("after retry: count=%d state=%s", updated.RetryCount, updated.State)
	}

	// Parked during backoff: queued but not dispatchable yet
	if q.Dequeue() != nil {
		t.Fatal("parked retry should not dispatch before requeue")
	}

	if !q.Requeue(task.ID) {
		t.Fatal("requeue failed")
	}
	got := q.Dequeue()
	if got == nil || got.ID != task.ID || got.RetryCount != 1 {
		t.Fatalf("requeued dequeue = %+v", got)
	}
}

func TestQueue_CancelDuringBackoffWins(t *testing.T) {
	q := NewQueue(0)
	task := enqueueTask(t, q, PriorityNormal)
	q.Dequeue()
	if _, ok := q.MarkRetry(task.ID); !ok {
		t.Fatal("mark retry failed")
	}

	if !q.Cancel(task.ID, "user request") {
		t.Fatal("cancel of parked retry failed")
	}
	if q.Requeue(task.ID) {
		t.Error("requeue should refuse a cancelled task")
	}
	if q.Dequeue() != nil {
		t.Error("cancelled retry should never dispatch")
	}
}

func TestQueue_ClearQueuedIncludesParkedRetries(t *testing.T) {
	q := NewQueue(0)
	waiting := enqueueTask(t, q, PriorityLow)
	parked := enqueueTask(t, q, PriorityNormal)
	q.Dequeue() // parked starts running (normal outranks low)
	if _, ok := q.MarkRetry(parked.ID); !ok {
		t.Fatal("mark retry failed")
	}

	if n := q.ClearQueued("emergency stop"); n != 2 {
		t.Fatalf("cleared %d, want 2", n)
	}
	for _, id := range []string{waiting.ID, parked.ID} {
		got, _ := q.Get(id)
		if got.State != StateCancelled {
			t.Errorf("task %s state = %s, want cancelled", id, got.State)
		}
	}
}

func TestQueue_HistoryRing(t *testing.T) {
	q := NewQueue(5)
	for i := 0; i < 8; i++ {
		q.RecordResult(TaskResult{TaskID: string(rune('a' + i))})
	}

	hist := q.History(0)
	if len(hist) != 5 {
		t.Fatalf("history length = %d, want 5", len(hist))
	}
	if hist[0].TaskID != "d" || hist[4].TaskID != "h" {
		t.Errorf("ring kept wrong window: first=%s last=%s", hist[0].TaskID, hist[4].TaskID)
	}

	if got := q.History(2); len(got) != 2 || got[1].TaskID != "h" {
		t.Errorf("History(2) = %v", got)
	}
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue(0)
	enqueueTask(t, q, PriorityNormal)
	enqueueTask(t, q, PriorityLow)
	enqueueTask(t, q, PriorityCritical)
	q.Dequeue() // critical task starts running
	done := enqueueTask(t, q, PriorityCritical)
	q.Dequeue()
	q.MarkCompleted(done.ID, TaskResult{})

	stats := q.Stats()
	if stats.QueuedByPriority[PriorityNormal] != 1 || stats.QueuedByPriority[PriorityLow] != 1 {
		t.Errorf("queued by priority = %v", stats.QueuedByPriority)
	}
	if stats.StateCounts[StateQueued] != 2 || stats.StateCounts[StateRunning] != 1 || stats.StateCounts[StateCompleted] != 1 {
		t.Errorf("state counts = %v", stats.StateCounts)
	}
	if stats.TotalSubmitted != 4 || stats.TotalCompleted != 1 {
		t.Errorf("totals: submitted=%d completed=%d", stats.TotalSubmitted, stats.TotalCompleted)
	}
	if stats.OldestQueuedAt.IsZero() {
		t.Error("oldest queued timestamp missing")
	}
	if stats.AvgQueueWait < 0 {
		t.Error("negative average wait")
	}
}

func TestQueue_CleanupCompleted(t *testing.T) {
	q := NewQueue(0)
	old := enqueueTask(t, q, PriorityNormal)
	q.Dequeue()
	q.MarkCompleted(old.ID, TaskResult{})
	fresh := enqueueTask(t, q, PriorityNormal)

	time.Sleep(10 * time.Millisecond)
	if n := q.CleanupCompleted(time.Millisecond); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, ok := q.Get(old.ID); ok {
		t.Error("terminal task should be gone")
	}
	if _, ok := q.Get(fresh.ID); !ok {
		t.Error("queued task should survive cleanup")
	}
}

func TestQueue_EvictionCandidates(t *testing.T) {
	q := NewQueue(0)
	specs := []Priority{PriorityHigh, PriorityNormal, PriorityLow, PriorityLow}
	ids := make([]string, len(specs))
	for i, pri := range specs {
		task := enqueueTask(t, q, pri)
		ids[i] = task.ID
	}
	// Start them in priority order with distinct start times
	for range specs {
		q.Dequeue()
		time.Sleep(2 * time.Millisecond)
	}

	victims := q.EvictionCandidates(2)
	if len(victims) != 2 {
		t.Fatalf("got %d candidates, want 2", len(victims))
	}
	for _, v := range victims {
		if v.Priority != PriorityLow {
			t.Errorf("victim %s has priority %s, want low", v.ID, v.Priority)
		}
	}
	// Newest start goes first within the class
	if victims[0].StartedAt.Before(victims[1].StartedAt) {
		t.Error("eviction order should prefer the newest start")
	}

	all := q.EvictionCandidates(10)
	if len(all) != 4 {
		t.Fatalf("got %d candidates, want all 4", len(all))
	}
	if all[2].Priority != PriorityNormal || all[3].Priority != PriorityHigh {
		t.Errorf("tail order = %s, %s; want normal, high", all[2].Priority, all[3].Priority)
	}
}

func TestHalfCeil(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1, 2: 1, 3: 2, 4: 2, 5: 3}
	for n, want := range cases {
		if got := HalfCeil(n); got != want {
			t.Errorf("HalfCeil(%d) = %d, want %d", n, got, want)
		}
	}
}
