package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"filenerd/internal/events"
	"filenerd/internal/inference"
	"filenerd/internal/sysmon"
)

// =============================================================================
// TEST FAKES
// =============================================================================

type fakeHealth struct {
	mu   sync.Mutex
	h    sysmon.Health
	subs map[int]func(sysmon.Health)
	next int
}

func newFakeHealth(h sysmon.Health) *fakeHealth {
	return &fakeHealth{h: h, subs: make(map[int]func(sysmon.Health))}
}

func (f *fakeHealth) Current() sysmon.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeHealth) Subscribe(fn func(sysmon.Health)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

// push updates current health and notifies subscribers, standing in for
// a monitor sample.
func (f *fakeHealth) push(h sysmon.Health) {
	f.mu.Lock()
	f.h = h
	fns := make([]func(sysmon.Health), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(h)
	}
}

func hostHealth(pressure float64, available uint64) sysmon.Health {
	total := uint64(32) << 30
	used := uint64(float64(total) * pressure)
	return sysmon.Health{
		TotalMemory:        total,
		UsedMemory:         used,
		FreeMemory:         total - used,
		AvailableForAgents: available,
		MemoryPressure:     pressure,
		CPUCount:           8,
		SampledAt:          time.Now(),
	}
}

type fakeDaemon struct {
	mu       sync.Mutex
	models   []inference.ModelInfo
	pingErr  error
	generate func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error)
}

func (f *fakeDaemon) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeDaemon) ListModels(ctx context.Context) ([]inference.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]inference.ModelInfo, len(f.models))
	copy(out, f.models)
	return out, nil
}

func (f *fakeDaemon) Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
	f.mu.Lock()
	g := f.generate
	f.mu.Unlock()
	if g == nil {
		return okGeneration(), nil
	}
	return g(ctx, req)
}

func (f *fakeDaemon) setGenerate(g func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error)) {
	f.mu.Lock()
	f.generate = g
	f.mu.Unlock()
}

func okGeneration() inference.GenerateResult {
	return inference.GenerateResult{
		Model:      "fake-model",
		Response:   `{"category":"documents","confidence":0.9}`,
		DoneReason: "stop",
	}
}

func transientErr() error {
	return &inference.Error{Kind: inference.KindTransient, Op: "generate", Err: errors.New("connection reset")}
}

func permanentErr() error {
	return &inference.Error{Kind: inference.KindPermanent, Op: "generate", Err: errors.New("bad request")}
}

// =============================================================================
// TEST HARNESS
// =============================================================================

func testManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.RecomputeInterval = 20 * time.Millisecond
	cfg.HealthCheckInterval = time.Hour
	cfg.RetryBackoffBase = 10 * time.Millisecond
	cfg.RetryBackoffMax = 100 * time.Millisecond
	cfg.DefaultTaskTimeout = 5 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

func startManager(t *testing.T, fh *fakeHealth, fd *fakeDaemon, cfg Config, disp *events.Dispatcher) *Manager {
	t.Helper()
	m := New(cfg, fh, fd, disp)
	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type eventRecorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *eventRecorder) record(ev events.Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.evs {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) first(typ events.Type) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.evs {
		if ev.Type == typ {
			return ev, true
		}
	}
	return events.Event{}, false
}

func startRecorder(t *testing.T) (*events.Dispatcher, *eventRecorder) {
	t.Helper()
	disp := events.NewDispatcher()
	disp.Start()
	t.Cleanup(disp.Stop)
	rec := &eventRecorder{}
	disp.Subscribe(rec.record)
	return disp, rec
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestManager_StartStop(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.5, 24<<30))
	m := New(testManagerConfig(), fh, &fakeDaemon{}, nil)

	if err := m.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !m.IsRunning() {
		t.Error("manager should be running")
	}
	if err := m.Start(); err != ErrAlreadyRunning {
		t.Errorf("second start err = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if m.IsRunning() {
		t.Error("manager should be stopped")
	}
	if err := m.Stop(); err != ErrNotRunning {
		t.Errorf("second stop err = %v, want ErrNotRunning", err)
	}
	if _, err := m.Submit(Spec{Kind: KindHealthCheck}); err != ErrNotRunning {
		t.Errorf("submit after stop err = %v, want ErrNotRunning", err)
	}
}

// =============================================================================
// SLOT CAPACITY
// =============================================================================

func TestManager_SlotCapacityFromFallbackEstimate(t *testing.T) {
	// No installed models: the mean comes from the 4 GiB fallback,
	// (4 GiB + 20% overhead) * 1.5 ~= 7.2 GiB per slot.
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	if got := m.TotalSlots(); got != 3 {
		t.Errorf("total slots = %d, want 3 from 24 GiB / 7.2 GiB", got)
	}
}

func TestManager_SlotCapacityClampsToConfiguredMax(t *testing.T) {
	fd := &fakeDaemon{models: []inference.ModelInfo{{Name: "llama3.2", Size: 1 << 30}}}
	cfg := testManagerConfig()
	cfg.MaxConcurrentSlots = 4

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, cfg, nil)

	// (1 GiB + 512 MiB floor) * 1.5 = 2.25 GiB mean; raw capacity 10
	if got := m.Status().MeanModelMemory; got != 2415919104 {
		t.Errorf("mean model memory = %d, want 2415919104", got)
	}
	if got := m.TotalSlots(); got != 4 {
		t.Errorf("total slots = %d, want clamp at 4", got)
	}
}

func TestManager_ZeroSlotsHoldsQueue(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.3, 0))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	if got := m.TotalSlots(); got != 0 {
		t.Fatalf("total slots = %d, want 0", got)
	}

	path := writeTestFile(t, "doc.txt", "hello")
	id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	task, _ := m.Queue().Get(id)
	if task.State != StateQueued {
		t.Errorf("task state = %s, want queued with zero slots", task.State)
	}
}

// =============================================================================
// EXECUTION
// =============================================================================

func TestManager_SubmitAndWaitCompletes(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	path := writeTestFile(t, "notes.txt", "quarterly planning notes")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if !res.Success || res.State != StateCompleted {
		t.Fatalf("result = %+v, want completed", res)
	}
	if res.Analysis == nil {
		t.Fatal("analysis payload missing")
	}
	if res.Analysis.Confidence != 0.9 {
		t.Errorf("confidence = %v, want 0.9", res.Analysis.Confidence)
	}
	if res.Analysis.Analysis["category"] != "documents" {
		t.Errorf("category = %v, want documents", res.Analysis.Analysis["category"])
	}
	if res.Analysis.Model != "fake-model" {
		t.Errorf("model = %s, want fake-model", res.Analysis.Model)
	}
}

func TestManager_SingleSlotDispatchOrder(t *testing.T) {
	// With one slot the running task is never preempted: a High arrival
	// waits for the slot but overtakes every queued Low.
	release := make(chan struct{})
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		select {
		case <-ctx.Done():
			return inference.GenerateResult{}, ctx.Err()
		case <-release:
			return okGeneration(), nil
		}
	})

	cfg := testManagerConfig()
	cfg.MaxConcurrentSlots = 1
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, cfg, nil)

	if got := m.TotalSlots(); got != 1 {
		t.Fatalf("total slots = %d, want 1", got)
	}

	submit := func(pri Priority, name string) string {
		t.Helper()
		id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: pri, Path: writeTestFile(t, name, "content")})
		if err != nil {
			t.Fatalf("submit %s: %v", name, err)
		}
		return id
	}

	low1 := submit(PriorityLow, "low1.txt")
	waitUntil(t, "first task running", func() bool { return m.ActiveSlots() == 1 })

	low2 := submit(PriorityLow, "low2.txt")
	low3 := submit(PriorityLow, "low3.txt")
	high4 := submit(PriorityHigh, "high4.txt")

	queued := m.Queue().Queued()
	if len(queued) != 3 {
		t.Fatalf("queued = %d tasks, want 3", len(queued))
	}
	for i, want := range []string{high4, low2, low3} {
		if queued[i].ID != want {
			t.Fatalf("queued[%d] = %s, want %s", i, queued[i].ID, want)
		}
	}

	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	finished := make(map[string]time.Time, 4)
	for _, id := range []string{low1, low2, low3, high4} {
		res, err := m.WaitForTask(ctx, id)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if !res.Success {
			t.Fatalf("task %s = %+v, want completed", id, res)
		}
		finished[id] = res.FinishedAt
	}

	order := []string{low1, high4, low2, low3}
	for i := 1; i < len(order); i++ {
		if finished[order[i]].Before(finished[order[i-1]]) {
			t.Errorf("finish position %d completed before position %d", i+1, i)
		}
	}
}

func TestManager_TransientErrorsRetryWithBackoff(t *testing.T) {
	var attempts atomic.Int32
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		if attempts.Add(1) <= 2 {
			return inference.GenerateResult{}, transientErr()
		}
		return okGeneration(), nil
	})

	disp, rec := startRecorder(t)
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), disp)

	path := writeTestFile(t, "doc.txt", "content")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit and wait: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v, want success after retries", res)
	}
	if res.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", res.RetryCount)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	waitUntil(t, "two retry events", func() bool { return rec.count(events.TypeTaskRetry) == 2 })
}

func TestManager_PermanentErrorFailsWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		attempts.Add(1)
		return inference.GenerateResult{}, permanentErr()
	})

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	path := writeTestFile(t, "doc.txt", "content")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != StateFailed || res.RetryCount != 0 {
		t.Errorf("result state=%s retries=%d, want failed with no retries", res.State, res.RetryCount)
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestManager_RetriesExhaust(t *testing.T) {
	var attempts atomic.Int32
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		attempts.Add(1)
		return inference.GenerateResult{}, transientErr()
	})

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	path := writeTestFile(t, "doc.txt", "content")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed after exhausting retries", res.State)
	}
	if res.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", res.RetryCount)
	}
	if got := attempts.Load(); got != 4 {
		t.Errorf("attempts = %d, want 4 (1 + 3 retries)", got)
	}
}

func TestManager_TaskTimeout(t *testing.T) {
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		<-ctx.Done()
		return inference.GenerateResult{}, ctx.Err()
	})

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	path := writeTestFile(t, "doc.txt", "content")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{
		Kind:     KindFileAnalysis,
		Priority: PriorityNormal,
		Path:     path,
		Timeout:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != StateTimeout {
		t.Errorf("state = %s, want timeout", res.State)
	}
	if res.RetryCount != 0 {
		t.Errorf("retry count = %d, timeouts must not retry", res.RetryCount)
	}
}

func TestManager_CancelQueuedTask(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.3, 0)) // Zero slots keeps it queued
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	path := writeTestFile(t, "doc.txt", "content")
	id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := m.CancelTask(id, "changed my mind"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := m.WaitForTask(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != StateCancelled || res.Err != "changed my mind" {
		t.Errorf("result = %+v, want cancelled with reason", res)
	}

	if err := m.CancelTask(id, "again"); err == nil {
		t.Error("cancelling a terminal task should error")
	}
	if err := m.CancelTask("no-such-task", ""); err != ErrUnknownTask {
		t.Errorf("unknown task err = %v, want ErrUnknownTask", err)
	}
}

func TestManager_HealthCheckBypassesSlots(t *testing.T) {
	fd := &fakeDaemon{models: []inference.ModelInfo{
		{Name: "llama3.2", Size: 2 << 30},
		{Name: "qwen2.5", Size: 4 << 30},
	}}
	fh := newFakeHealth(hostHealth(0.3, 0)) // Zero slots
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindHealthCheck, Priority: PriorityCritical})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if !res.Success || res.Health == nil {
		t.Fatalf("result = %+v, want health payload", res)
	}
	if !res.Health.DaemonAlive {
		t.Error("daemon should be alive")
	}
	if res.Health.ModelCount != 2 {
		t.Errorf("model count = %d, want 2", res.Health.ModelCount)
	}
	if m.ModelCount() != 2 {
		t.Errorf("catalog size = %d, want 2 after refresh", m.ModelCount())
	}
}

// =============================================================================
// MEMORY LADDER
// =============================================================================

func TestManager_SoftPressurePausesAdmission(t *testing.T) {
	disp, rec := startRecorder(t)
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), disp)

	fh.push(hostHealth(0.86, 2<<30))
	waitUntil(t, "admission pause", func() bool { return m.Status().AdmissionPaused })

	path := writeTestFile(t, "doc.txt", "content")
	id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit while paused should queue, got %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	task, _ := m.Queue().Get(id)
	if task.State != StateQueued {
		t.Fatalf("task state = %s, want queued while paused", task.State)
	}

	// Warning is edge triggered: repeated samples above soft add nothing
	fh.push(hostHealth(0.87, 2<<30))
	time.Sleep(100 * time.Millisecond)
	if got := rec.count(events.TypeMemoryWarning); got != 1 {
		t.Errorf("memory warnings = %d, want 1 per excursion", got)
	}

	fh.push(hostHealth(0.5, 24<<30))
	waitUntil(t, "admission resume", func() bool { return !m.Status().AdmissionPaused })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.WaitForTask(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Success {
		t.Errorf("task should complete after resume, got %+v", res)
	}

	// A fresh excursion re-arms the warning
	fh.push(hostHealth(0.88, 2<<30))
	waitUntil(t, "second memory warning", func() bool { return rec.count(events.TypeMemoryWarning) == 2 })

	if rec.count(events.TypeSystemHealth) == 0 {
		t.Error("health samples should emit system-health events")
	}
}

func TestManager_HardPressureEvictsLeastUrgentHalf(t *testing.T) {
	release := make(chan struct{})
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		select {
		case <-ctx.Done():
			return inference.GenerateResult{}, ctx.Err()
		case <-release:
			return okGeneration(), nil
		}
	})

	disp, rec := startRecorder(t)
	fh := newFakeHealth(hostHealth(0.3, 64<<30))
	m := startManager(t, fh, fd, testManagerConfig(), disp)

	ids := make(map[Priority]string)
	var lows []string
	for _, pri := range []Priority{PriorityHigh, PriorityNormal, PriorityLow, PriorityLow} {
		path := writeTestFile(t, "doc.txt", "content")
		id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: pri, Path: path})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		if pri == PriorityLow {
			lows = append(lows, id)
		} else {
			ids[pri] = id
		}
	}
	waitUntil(t, "4 running tasks", func() bool { return m.ActiveSlots() == 4 })

	fh.push(hostHealth(0.96, 1<<30))
	waitUntil(t, "2 evictions", func() bool { return m.Queue().Stats().TotalCancelled == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range lows {
		res, err := m.WaitForTask(ctx, id)
		if err != nil {
			t.Fatalf("wait for evicted: %v", err)
		}
		if res.State != StateCancelled || res.Err != "memory pressure" {
			t.Errorf("low task result = %+v, want cancelled for memory pressure", res)
		}
	}
	if m.ActiveSlots() != 2 {
		t.Errorf("active slots = %d, want 2 survivors", m.ActiveSlots())
	}

	waitUntil(t, "eviction event", func() bool {
		ev, ok := rec.first(events.TypeEmergencyEviction)
		return ok && ev.EvictedCount == 2
	})

	// Survivors finish once released
	close(release)
	for _, id := range []string{ids[PriorityHigh], ids[PriorityNormal]} {
		res, err := m.WaitForTask(ctx, id)
		if err != nil {
			t.Fatalf("wait for survivor: %v", err)
		}
		if !res.Success {
			t.Errorf("survivor %s = %+v, want completed", id, res)
		}
	}
}

func TestManager_EmergencyStopAndRecovery(t *testing.T) {
	release := make(chan struct{})
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		select {
		case <-ctx.Done():
			return inference.GenerateResult{}, ctx.Err()
		case <-release:
			return okGeneration(), nil
		}
	})
	defer close(release)

	disp, rec := startRecorder(t)
	cfg := testManagerConfig()
	cfg.MaxConcurrentSlots = 2
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, cfg, disp)

	var ids []string
	for i := 0; i < 3; i++ {
		path := writeTestFile(t, "doc.txt", "content")
		id, err := m.Submit(Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		ids = append(ids, id)
	}
	waitUntil(t, "2 running, 1 queued", func() bool {
		st := m.Queue().Stats()
		return st.StateCounts[StateRunning] == 2 && st.StateCounts[StateQueued] == 1
	})

	fh.push(hostHealth(0.985, 0))
	waitUntil(t, "emergency mode", func() bool { return m.Status().EmergencyMode })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		res, err := m.WaitForTask(ctx, id)
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
		if res.State != StateCancelled || res.Err != "emergency stop" {
			t.Errorf("task %s = %+v, want cancelled by emergency stop", id, res)
		}
	}

	if _, err := m.Submit(Spec{Kind: KindHealthCheck}); err != ErrEmergencyStop {
		t.Errorf("submit during emergency err = %v, want ErrEmergencyStop", err)
	}

	waitUntil(t, "emergency-stop event", func() bool {
		ev, ok := rec.first(events.TypeEmergencyStop)
		return ok && ev.RunningCount == 2 && ev.QueuedCount == 1
	})

	// Pressure back under the soft threshold clears emergency mode
	fd.setGenerate(nil)
	fh.push(hostHealth(0.5, 24<<30))
	waitUntil(t, "recovery", func() bool { return !m.Status().EmergencyMode })

	path := writeTestFile(t, "after.txt", "content")
	res, err := m.SubmitAndWait(ctx, Spec{Kind: KindFileAnalysis, Priority: PriorityNormal, Path: path})
	if err != nil {
		t.Fatalf("submit after recovery: %v", err)
	}
	if !res.Success {
		t.Errorf("post-recovery task = %+v, want completed", res)
	}
}

// =============================================================================
// BATCH TASKS
// =============================================================================

func TestManager_BatchPartialSuccess(t *testing.T) {
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		if strings.Contains(req.Prompt, "bad.txt") {
			return inference.GenerateResult{}, permanentErr()
		}
		return okGeneration(), nil
	})

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	dir := t.TempDir()
	paths := make([]string, 0, 3)
	for _, name := range []string{"a.txt", "bad.txt", "c.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.SubmitAndWait(ctx, Spec{
		Kind:     KindBatchProcessing,
		Priority: PriorityNormal,
		Paths:    paths,
		Parallel: true,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Success || res.State != StateCompleted {
		t.Fatalf("batch with one failure should still succeed, got %+v", res)
	}
	if res.Batch == nil {
		t.Fatal("batch payload missing")
	}
	if res.Batch.Succeeded != 2 || res.Batch.Failed != 1 {
		t.Errorf("batch counts = %d ok / %d failed, want 2/1", res.Batch.Succeeded, res.Batch.Failed)
	}
	if msg := res.Batch.Errors[paths[1]]; msg == "" {
		t.Error("per-file error missing for bad.txt")
	}
}

func TestManager_BatchAllFailedFails(t *testing.T) {
	fd := &fakeDaemon{}
	fd.setGenerate(func(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error) {
		return inference.GenerateResult{}, permanentErr()
	})

	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, fd, testManagerConfig(), nil)

	dir := t.TempDir()
	paths := make([]string, 0, 2)
	for _, name := range []string{"a.txt", "b.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.SubmitAndWait(ctx, Spec{
		Kind:     KindBatchProcessing,
		Priority: PriorityNormal,
		Paths:    paths,
		Parallel: true,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if res.State != StateFailed {
		t.Errorf("state = %s, want failed when every file fails", res.State)
	}
	if res.RetryCount != 0 {
		t.Errorf("retry count = %d, permanent batch errors must not retry", res.RetryCount)
	}
	if res.Batch == nil || res.Batch.Failed != 2 {
		t.Errorf("batch payload = %+v, want 2 failures", res.Batch)
	}
}

func TestManager_BatchSequential(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	dir := t.TempDir()
	paths := make([]string, 0, 3)
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("content"), 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := m.SubmitAndWait(ctx, Spec{
		Kind:      KindBatchProcessing,
		Priority:  PriorityNormal,
		Paths:     paths,
		BatchSize: 2,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !res.Success || res.Batch.Succeeded != 3 {
		t.Errorf("sequential batch = %+v, want all 3 analyzed", res)
	}
}

// =============================================================================
// RECONFIGURATION
// =============================================================================

func TestManager_UpdateConfig(t *testing.T) {
	fh := newFakeHealth(hostHealth(0.3, 24<<30))
	m := startManager(t, fh, &fakeDaemon{}, testManagerConfig(), nil)

	bad := testManagerConfig()
	bad.SoftThreshold = 0.97
	bad.HardThreshold = 0.9
	if err := m.UpdateConfig(bad); err == nil {
		t.Error("unordered thresholds should be rejected")
	}

	good := testManagerConfig()
	good.MaxConcurrentSlots = 1
	if err := m.UpdateConfig(good); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitUntil(t, "slot clamp after update", func() bool { return m.TotalSlots() == 1 })
}
