package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"filenerd/internal/events"
	"filenerd/internal/inference"
	"filenerd/internal/logging"
	"filenerd/internal/sysmon"
)

// =============================================================================
// AGENT MANAGER
// =============================================================================
//
// The manager owns the scheduling loop: it sizes slot capacity from live
// host memory, admits queued tasks into slots, runs them on worker
// goroutines against the local model daemon, and degrades through the
// memory ladder (pause admission, evict, emergency stop) as pressure
// climbs. All scheduling decisions happen on one goroutine; workers only
// run tasks and report back.

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config tunes scheduling and the memory ladder.
type Config struct {
	// MaxConcurrentSlots caps computed slot capacity.
	MaxConcurrentSlots int

	// SafetyFactor pads per-model memory estimates.
	SafetyFactor float64

	DefaultTaskTimeout time.Duration
	DefaultMaxRetries  int

	// HealthCheckInterval paces self-submitted daemon health checks.
	HealthCheckInterval time.Duration

	// RecomputeInterval paces slot capacity recomputation between
	// health updates.
	RecomputeInterval time.Duration

	// Memory ladder thresholds, as fractions of total memory.
	// soft pauses admission, hard evicts, critical stops everything.
	SoftThreshold        float64
	HardThreshold        float64
	CriticalThreshold    float64
	EmergencyStopEnabled bool

	// RetryBackoffBase doubles per prior retry, capped at
	// RetryBackoffMax.
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration

	// DrainTimeout bounds the wait for workers on Stop.
	DrainTimeout time.Duration

	// HistoryLimit bounds the retained result ring.
	HistoryLimit int

	// MaxAnalysisReadBytes caps how much of a file is read into an
	// analysis prompt.
	MaxAnalysisReadBytes int64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSlots:   8,
		SafetyFactor:         inference.DefaultSafetyFactor,
		DefaultTaskTimeout:   5 * time.Minute,
		DefaultMaxRetries:    3,
		HealthCheckInterval:  30 * time.Second,
		RecomputeInterval:    5 * time.Second,
		SoftThreshold:        0.85,
		HardThreshold:        0.95,
		CriticalThreshold:    0.98,
		EmergencyStopEnabled: true,
		RetryBackoffBase:     time.Second,
		RetryBackoffMax:      30 * time.Second,
		DrainTimeout:         10 * time.Second,
		HistoryLimit:         defaultHistoryLimit,
		MaxAnalysisReadBytes: 64 << 10,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.MaxConcurrentSlots <= 0 {
		c.MaxConcurrentSlots = def.MaxConcurrentSlots
	}
	if c.SafetyFactor < 1.0 {
		c.SafetyFactor = def.SafetyFactor
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = def.DefaultTaskTimeout
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = def.RecomputeInterval
	}
	if c.SoftThreshold <= 0 {
		c.SoftThreshold = def.SoftThreshold
	}
	if c.HardThreshold <= 0 {
		c.HardThreshold = def.HardThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = def.CriticalThreshold
	}
	if c.RetryBackoffBase <= 0 {
		c.RetryBackoffBase = def.RetryBackoffBase
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		c.RetryBackoffMax = def.RetryBackoffMax
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = def.HistoryLimit
	}
	if c.MaxAnalysisReadBytes <= 0 {
		c.MaxAnalysisReadBytes = def.MaxAnalysisReadBytes
	}
}

func (c Config) validate() error {
	if c.SoftThreshold >= c.HardThreshold || c.HardThreshold >= c.CriticalThreshold {
		return fmt.Errorf("memory thresholds must be ordered soft < hard < critical, got %.2f/%.2f/%.2f",
			c.SoftThreshold, c.HardThreshold, c.CriticalThreshold)
	}
	if c.CriticalThreshold > 1.0 {
		return fmt.Errorf("critical threshold %.2f exceeds 1.0", c.CriticalThreshold)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Dependencies
// -----------------------------------------------------------------------------

// HealthSource feeds host health into the scheduler.
type HealthSource interface {
	Current() sysmon.Health
	Subscribe(fn func(sysmon.Health)) func()
}

// Inference is the slice of the daemon client the manager needs.
type Inference interface {
	Ping(ctx context.Context) error
	ListModels(ctx context.Context) ([]inference.ModelInfo, error)
	Generate(ctx context.Context, req inference.GenerateRequest) (inference.GenerateResult, error)
}

// SuggestionSink captures analysis output when a task completes. The
// catalog store implements it. Persistence is best-effort: a sink
// failure never changes a task's outcome.
type SuggestionSink interface {
	SaveAnalysis(ctx context.Context, res AnalysisResult) error
}

// -----------------------------------------------------------------------------
// Slots
// -----------------------------------------------------------------------------

// Slot is a reserved share of agent memory held by one running task.
type Slot struct {
	ID              string
	TaskID          string
	Model           string
	AllocatedMemory uint64
	StartedAt       time.Time
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager schedules tasks against live host capacity.
type Manager struct {
	mu  sync.RWMutex
	cfg Config

	queue  *Queue
	health HealthSource
	infer  Inference
	events *events.Dispatcher
	sink   SuggestionSink // May be nil

	ctx    context.Context
	cancel context.CancelFunc

	running   bool
	startedAt time.Time
	stopCh    chan struct{}
	doneCh    chan struct{}
	workerWg  sync.WaitGroup

	// Slot accounting
	totalSlots    int
	slots         map[string]*Slot
	slotByTask    map[string]string
	lastRecompute time.Time

	// Model catalog, refreshed by health checks
	models       []inference.ModelInfo
	meanModelMem uint64

	// Memory ladder state
	paused    bool // Admission paused at soft threshold
	emergency bool // Everything stopped at critical threshold
	memWarned bool // Edge trigger for the memory-warning event

	nudgeCh     chan struct{}
	healthCh    chan sysmon.Health
	unsubscribe func()
}

// New wires a manager. The dispatcher may be nil when nobody listens.
func New(cfg Config, health HealthSource, infer Inference, disp *events.Dispatcher) *Manager {
	cfg.normalize()
	return &Manager{
		cfg:        cfg,
		queue:      NewQueue(cfg.HistoryLimit),
		health:     health,
		infer:      infer,
		events:     disp,
		slots:      make(map[string]*Slot),
		slotByTask: make(map[string]string),
		nudgeCh:    make(chan struct{}, 1),
		healthCh:   make(chan sysmon.Health, 1),
	}
}

// Queue exposes the task queue for status and history readers.
func (m *Manager) Queue() *Queue { return m.queue }

// SetSuggestionSink installs the store that captures analysis output.
// Call before Start; a nil sink drops results after delivery to waiters.
func (m *Manager) SetSuggestionSink(sink SuggestionSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start discovers models, sizes slots, and launches the scheduler.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.running = true
	m.startedAt = time.Now()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.paused = false
	m.emergency = false
	m.memWarned = false
	m.mu.Unlock()

	m.queue.reopen()

	// Best effort: with no catalog the fallback estimate sizes slots
	loadCtx, loadCancel := context.WithTimeout(m.ctx, 15*time.Second)
	if err := inference.Retry(loadCtx, 2, 2*time.Second, func() error {
		return m.refreshModels(loadCtx)
	}); err != nil {
		logging.AgentWarn("model discovery failed, slot math uses fallback estimate: %v", err)
	}
	loadCancel()

	m.RecomputeSlotCapacity()

	m.mu.Lock()
	m.unsubscribe = m.health.Subscribe(m.pushHealth)
	m.mu.Unlock()

	go m.scheduler()

	m.emit(events.Event{Type: events.TypeManagerStarted, TotalSlots: m.TotalSlots()})
	logging.Agent("manager started (slots=%d, models=%d)", m.TotalSlots(), m.ModelCount())
	return nil
}

// Stop halts admission, cancels running tasks, and drains workers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}
	m.running = false
	unsub := m.unsubscribe
	m.unsubscribe = nil
	drain := m.cfg.DrainTimeout
	m.mu.Unlock()

	m.queue.Close()
	if unsub != nil {
		unsub()
	}

	close(m.stopCh)
	<-m.doneCh

	for _, t := range m.queue.Running() {
		m.queue.Cancel(t.ID, "shutdown")
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drain):
		logging.AgentWarn("worker drain timed out after %s", drain)
	}

	m.emit(events.Event{Type: events.TypeManagerStopped})
	logging.Agent("manager stopped")
	return nil
}

// IsRunning reports whether the scheduler is live.
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// pushHealth coalesces monitor updates: keep only the freshest sample.
func (m *Manager) pushHealth(h sysmon.Health) {
	select {
	case m.healthCh <- h:
	default:
		select {
		case <-m.healthCh:
		default:
		}
		select {
		case m.healthCh <- h:
		default:
		}
	}
}

// scheduler is the single goroutine that makes scheduling decisions.
func (m *Manager) scheduler() {
	defer close(m.doneCh)

	m.mu.RLock()
	recomputeEvery := m.cfg.RecomputeInterval
	healthEvery := m.cfg.HealthCheckInterval
	m.mu.RUnlock()

	recompute := time.NewTicker(recomputeEvery)
	defer recompute.Stop()
	healthCheck := time.NewTicker(healthEvery)
	defer healthCheck.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case h := <-m.healthCh:
			m.onHealth(h)
		case <-recompute.C:
			m.RecomputeSlotCapacity()
			m.dispatch()
		case <-healthCheck.C:
			m.submitHealthCheck()
		case <-m.nudgeCh:
			m.dispatch()
		}
	}
}

// -----------------------------------------------------------------------------
// Memory ladder
// -----------------------------------------------------------------------------

// onHealth evaluates the memory ladder top down on every sample, then
// resizes slots and dispatches whatever the new state admits.
func (m *Manager) onHealth(h sysmon.Health) {
	p := h.MemoryPressure
	cpuRatio := 0.0
	if h.CPUCount > 0 {
		cpuRatio = h.LoadAvg1 / float64(h.CPUCount)
	}
	m.emit(events.Event{
		Type:           events.TypeSystemHealth,
		MemoryPressure: p,
		CPULoadRatio:   cpuRatio,
		UnderStress:    h.UnderStress,
		TotalSlots:     m.TotalSlots(),
		RunningCount:   m.ActiveSlots(),
	})

	m.mu.RLock()
	emergency := m.emergency
	cfg := m.cfg
	m.mu.RUnlock()

	if emergency {
		if p < cfg.SoftThreshold {
			m.exitEmergency(p)
			m.RecomputeSlotCapacity()
			m.dispatch()
		}
		return
	}

	if p >= cfg.CriticalThreshold && cfg.EmergencyStopEnabled {
		m.emergencyStop(p)
		return
	}

	if p >= cfg.HardThreshold {
		m.evictForMemory(p)
	}

	if p >= cfg.SoftThreshold {
		m.pauseAdmission(p)
	} else {
		m.resumeAdmission()
	}

	m.RecomputeSlotCapacity()
	m.dispatch()
}

// pauseAdmission holds new dispatches while pressure sits above the
// soft threshold. The warning event fires once per excursion.
func (m *Manager) pauseAdmission(pressure float64) {
	m.mu.Lock()
	warn := !m.memWarned
	if !m.paused {
		m.paused = true
		logging.AgentWarn("admission paused, memory pressure %.1f%%", pressure*100)
	}
	m.memWarned = true
	m.mu.Unlock()

	if warn {
		m.emit(events.Event{Type: events.TypeMemoryWarning, MemoryPressure: pressure})
	}
}

func (m *Manager) resumeAdmission() {
	m.mu.Lock()
	resumed := m.paused
	m.paused = false
	m.memWarned = false
	m.mu.Unlock()

	if resumed {
		logging.Agent("admission resumed")
	}
}

// evictForMemory cancels the least urgent half of running tasks:
// lowest priority first, newest start first within a class.
func (m *Manager) evictForMemory(pressure float64) {
	running := m.queue.Running()
	n := HalfCeil(len(running))
	if n == 0 {
		return
	}

	victims := m.queue.EvictionCandidates(n)
	evicted := 0
	for _, t := range victims {
		if m.queue.Cancel(t.ID, "memory pressure") {
			evicted++
			m.emit(events.Event{
				Type:     events.TypeTaskCancelled,
				TaskID:   t.ID,
				TaskKind: string(t.Kind),
				Priority: int(t.Priority),
				Reason:   "memory pressure",
			})
		}
	}
	if evicted == 0 {
		return
	}

	m.emit(events.Event{
		Type:           events.TypeEmergencyEviction,
		EvictedCount:   evicted,
		MemoryPressure: pressure,
	})
	logging.AgentWarn("evicted %d of %d running tasks at %.1f%% memory pressure",
		evicted, len(running), pressure*100)
	logging.Audit().Eviction(evicted, pressure)
}

// emergencyStop cancels everything and refuses work until pressure
// falls back below the soft threshold.
func (m *Manager) emergencyStop(pressure float64) {
	m.mu.Lock()
	m.emergency = true
	m.paused = true
	m.mu.Unlock()

	cancelled := 0
	for _, t := range m.queue.Running() {
		if m.queue.Cancel(t.ID, "emergency stop") {
			cancelled++
		}
	}
	cleared := m.queue.ClearQueued("emergency stop")

	m.emit(events.Event{
		Type:           events.TypeEmergencyStop,
		MemoryPressure: pressure,
		RunningCount:   cancelled,
		QueuedCount:    cleared,
	})
	logging.AgentError("emergency stop at %.1f%% memory pressure: cancelled %d running, cleared %d queued",
		pressure*100, cancelled, cleared)
	logging.Audit().EmergencyStop(cancelled, cleared, pressure)
}

func (m *Manager) exitEmergency(pressure float64) {
	m.mu.Lock()
	m.emergency = false
	m.paused = false
	m.memWarned = false
	m.mu.Unlock()

	logging.Agent("emergency mode cleared, memory pressure %.1f%%", pressure*100)
}

// -----------------------------------------------------------------------------
// Slot capacity
// -----------------------------------------------------------------------------

// RecomputeSlotCapacity resizes total slots from current host health:
// memory available for agents divided by the mean per-model footprint,
// clamped to the configured maximum. Running tasks are never squeezed
// out by a shrink; the new total only gates future dispatches.
func (m *Manager) RecomputeSlotCapacity() {
	h := m.health.Current()

	m.mu.Lock()
	mean := m.meanModelMem
	if mean == 0 {
		mean = inference.MeanModelMemory(nil, m.cfg.SafetyFactor)
		m.meanModelMem = mean
	}

	total := int(h.AvailableForAgents / mean)
	if total > m.cfg.MaxConcurrentSlots {
		total = m.cfg.MaxConcurrentSlots
	}

	changed := total != m.totalSlots
	m.totalSlots = total
	m.lastRecompute = time.Now()
	active := len(m.slots)
	m.mu.Unlock()

	if changed {
		logging.Agent("slot capacity %d (available=%d MiB, mean=%d MiB)",
			total, h.AvailableForAgents>>20, mean>>20)
		m.emit(events.Event{
			Type:         events.TypeSlotsRecomputed,
			TotalSlots:   total,
			RunningCount: active,
		})
	}
}

// refreshModels reloads the daemon catalog and the mean footprint.
func (m *Manager) refreshModels(ctx context.Context) error {
	models, err := m.infer.ListModels(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.models = models
	m.meanModelMem = inference.MeanModelMemory(models, m.cfg.SafetyFactor)
	mean := m.meanModelMem
	m.mu.Unlock()

	logging.Agent("model catalog refreshed: %d models, mean footprint %d MiB", len(models), mean>>20)
	return nil
}

// modelFootprint estimates memory for one model, falling back to the
// catalog mean for unknown names.
func (m *Manager) modelFootprint(name string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name != "" {
		for _, mi := range m.models {
			if mi.Name == name {
				return inference.EstimateModelMemory(mi.Size, m.cfg.SafetyFactor)
			}
		}
	}
	if m.meanModelMem > 0 {
		return m.meanModelMem
	}
	return inference.MeanModelMemory(nil, m.cfg.SafetyFactor)
}

// TotalSlots returns current slot capacity.
func (m *Manager) TotalSlots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalSlots
}

// ActiveSlots returns how many slots are held by running tasks.
func (m *Manager) ActiveSlots() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.slots)
}

// Slots returns copies of all held slots.
func (m *Manager) Slots() []Slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Slot, 0, len(m.slots))
	for _, s := range m.slots {
		out = append(out, *s)
	}
	return out
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// dispatch admits queued work. Health checks drain first and bypass
// both slots and the admission pause; everything else takes a slot.
func (m *Manager) dispatch() {
	for {
		if m.inEmergency() {
			return
		}
		t := m.queue.DequeueKind(KindHealthCheck)
		if t == nil {
			break
		}
		m.startWorker(t, nil)
	}

	for {
		m.mu.RLock()
		admit := !m.paused && !m.emergency && len(m.slots) < m.totalSlots
		m.mu.RUnlock()
		if !admit {
			return
		}

		t := m.queue.Dequeue()
		if t == nil {
			return
		}
		m.startWorker(t, m.reserveSlot(t))
	}
}

func (m *Manager) inEmergency() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency
}

func (m *Manager) reserveSlot(t *Task) *Slot {
	s := &Slot{
		ID:              uuid.NewString(),
		TaskID:          t.ID,
		Model:           t.Spec.Model,
		AllocatedMemory: t.EstimatedMemory,
		StartedAt:       time.Now(),
	}
	m.mu.Lock()
	m.slots[s.ID] = s
	m.slotByTask[t.ID] = s.ID
	m.mu.Unlock()
	return s
}

func (m *Manager) freeSlot(s *Slot) {
	m.mu.Lock()
	delete(m.slots, s.ID)
	delete(m.slotByTask, s.TaskID)
	active := len(m.slots)
	total := m.totalSlots
	m.mu.Unlock()

	m.emit(events.Event{
		Type:         events.TypeSlotFreed,
		TaskID:       s.TaskID,
		TotalSlots:   total,
		RunningCount: active,
	})
	m.nudge()
}

// startWorker launches one task on its own goroutine with a deadline.
func (m *Manager) startWorker(t *Task, slot *Slot) {
	tctx, cancel := context.WithTimeout(m.ctx, t.Timeout)
	m.queue.BindCancel(t.ID, cancel)

	m.emit(events.Event{
		Type:       events.TypeTaskDispatched,
		TaskID:     t.ID,
		TaskKind:   string(t.Kind),
		Priority:   int(t.Priority),
		RetryCount: t.RetryCount,
	})
	logging.Audit().TaskDispatch(t.ID, string(t.Kind))
	logging.AgentDebug("dispatched %s (kind=%s, attempt=%d)", t.ID, t.Kind, t.RetryCount+1)

	m.workerWg.Add(1)
	go m.runTask(tctx, cancel, t, slot)
}

// runTask executes one task and routes the outcome through the state
// machine. The slot frees as soon as the handler returns so a retry
// backoff never holds capacity.
func (m *Manager) runTask(tctx context.Context, cancel context.CancelFunc, t *Task, slot *Slot) {
	defer m.workerWg.Done()
	defer cancel()

	start := time.Now()
	res, err := m.execute(tctx, t)

	if slot != nil {
		m.freeSlot(slot)
	}

	res.ExecutionTime = time.Since(start)
	if slot != nil {
		res.MemoryUsed = slot.AllocatedMemory
	}

	switch {
	case tctx.Err() == context.DeadlineExceeded:
		if m.queue.MarkTimeout(t.ID, fmt.Sprintf("timed out after %s", t.Timeout), res) {
			m.emit(events.Event{
				Type:     events.TypeTaskFailed,
				TaskID:   t.ID,
				TaskKind: string(t.Kind),
				Priority: int(t.Priority),
				Err:      "timeout",
				Reason:   "deadline exceeded",
			})
			logging.Audit().TaskComplete(t.ID, string(StateTimeout), res.ExecutionTime.Milliseconds(), false, "timeout")
			logging.AgentWarn("task %s timed out after %s", t.ID, t.Timeout)
		}

	case tctx.Err() != nil || errors.Is(err, context.Canceled):
		// Cancelled by an initiator that already marked the task

	case err == nil:
		if m.queue.MarkCompleted(t.ID, res) {
			m.emit(events.Event{
				Type:       events.TypeTaskCompleted,
				TaskID:     t.ID,
				TaskKind:   string(t.Kind),
				Priority:   int(t.Priority),
				RetryCount: t.RetryCount,
			})
			logging.Audit().TaskComplete(t.ID, string(StateCompleted), res.ExecutionTime.Milliseconds(), true, "")
			m.persistResults(res)
		}

	case inference.IsRetryable(err) && t.RetryCount < t.MaxRetries:
		updated, ok := m.queue.MarkRetry(t.ID)
		if !ok {
			return
		}
		backoff := m.retryBackoff(updated.RetryCount - 1)
		m.emit(events.Event{
			Type:       events.TypeTaskRetry,
			TaskID:     t.ID,
			TaskKind:   string(t.Kind),
			Priority:   int(t.Priority),
			RetryCount: updated.RetryCount,
			Err:        err.Error(),
		})
		logging.AgentWarn("task %s retry %d/%d in %s: %v", t.ID, updated.RetryCount, updated.MaxRetries, backoff, err)
		m.workerWg.Add(1)
		go m.requeueAfter(t.ID, backoff)

	default:
		if m.queue.MarkFailed(t.ID, err.Error(), res) {
			m.emit(events.Event{
				Type:       events.TypeTaskFailed,
				TaskID:     t.ID,
				TaskKind:   string(t.Kind),
				Priority:   int(t.Priority),
				RetryCount: t.RetryCount,
				Err:        err.Error(),
			})
			logging.Audit().TaskComplete(t.ID, string(StateFailed), res.ExecutionTime.Milliseconds(), false, err.Error())
			logging.AgentError("task %s failed: %v", t.ID, err)
		}
	}
}

// persistResults hands analysis output to the sink, still on the worker
// goroutine. Failures are logged and dropped: catalog writes must never
// change a task's outcome.
func (m *Manager) persistResults(res TaskResult) {
	m.mu.RLock()
	sink := m.sink
	mctx := m.ctx
	m.mu.RUnlock()
	if sink == nil {
		return
	}

	var results []AnalysisResult
	if res.Analysis != nil {
		results = append(results, *res.Analysis)
	}
	if res.Batch != nil {
		results = append(results, res.Batch.Results...)
	}
	if len(results) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(mctx, 10*time.Second)
	defer cancel()
	saved := 0
	for _, ar := range results {
		if err := sink.SaveAnalysis(ctx, ar); err != nil {
			logging.AgentWarn("suggestion save failed for %s: %v", ar.FilePath, err)
			continue
		}
		saved++
	}
	logging.AgentDebug("persisted %d/%d analysis results for task %s", saved, len(results), res.TaskID)
}

// retryBackoff doubles the base per prior attempt, capped at the max.
func (m *Manager) retryBackoff(prior int) time.Duration {
	m.mu.RLock()
	base, limit := m.cfg.RetryBackoffBase, m.cfg.RetryBackoffMax
	m.mu.RUnlock()

	if prior < 0 {
		prior = 0
	}
	if prior > 16 {
		return limit
	}
	d := base << uint(prior)
	if d > limit {
		d = limit
	}
	return d
}

// requeueAfter re-appends a retried task once its backoff elapses.
// A cancel during the backoff wins; Requeue refuses terminal tasks.
func (m *Manager) requeueAfter(id string, delay time.Duration) {
	defer m.workerWg.Done()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		if m.queue.Requeue(id) {
			m.nudge()
		}
	case <-m.ctx.Done():
	}
}

// nudge wakes the scheduler for a dispatch pass.
func (m *Manager) nudge() {
	select {
	case m.nudgeCh <- struct{}{}:
	default:
	}
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// Submit validates and enqueues a task, returning its id.
func (m *Manager) Submit(spec Spec) (string, error) {
	m.mu.RLock()
	running := m.running
	emergency := m.emergency
	defTimeout := m.cfg.DefaultTaskTimeout
	defRetries := m.cfg.DefaultMaxRetries
	m.mu.RUnlock()

	if !running {
		return "", ErrNotRunning
	}
	if emergency {
		return "", ErrEmergencyStop
	}
	if err := spec.validate(); err != nil {
		return "", err
	}

	t := NewTask(spec, defTimeout, defRetries)
	if t.EstimatedMemory == 0 && t.Kind != KindHealthCheck {
		t.EstimatedMemory = m.modelFootprint(spec.Model)
	}
	if err := m.queue.Enqueue(t); err != nil {
		return "", err
	}

	m.emit(events.Event{
		Type:     events.TypeTaskCreated,
		TaskID:   t.ID,
		TaskKind: string(t.Kind),
		Priority: int(t.Priority),
	})
	logging.Audit().TaskSubmit(t.ID, string(t.Kind), t.Priority.String())
	m.nudge()
	return t.ID, nil
}

// SubmitAndWait submits and blocks until the task finishes or ctx ends.
func (m *Manager) SubmitAndWait(ctx context.Context, spec Spec) (TaskResult, error) {
	id, err := m.Submit(spec)
	if err != nil {
		return TaskResult{}, err
	}
	return m.WaitForTask(ctx, id)
}

// WaitForTask blocks until the task reaches a terminal state.
func (m *Manager) WaitForTask(ctx context.Context, id string) (TaskResult, error) {
	t, ok := m.queue.Get(id)
	if !ok {
		return TaskResult{}, ErrUnknownTask
	}
	if t.State.IsTerminal() {
		if t.Result != nil {
			return *t.Result, nil
		}
		return TaskResult{
			TaskID:     t.ID,
			Kind:       t.Kind,
			Priority:   t.Priority,
			State:      t.State,
			Success:    t.State == StateCompleted,
			Err:        t.Err,
			RetryCount: t.RetryCount,
			FinishedAt: t.FinishedAt,
		}, nil
	}

	ch, ok := m.queue.ResultChan(id)
	if !ok {
		return TaskResult{}, ErrUnknownTask
	}
	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		return TaskResult{}, ctx.Err()
	}
}

// CancelTask cancels a queued or running task.
func (m *Manager) CancelTask(id, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	t, ok := m.queue.Get(id)
	if !ok {
		return ErrUnknownTask
	}
	if !m.queue.Cancel(id, reason) {
		return fmt.Errorf("task %s already %s", id, t.State)
	}

	m.emit(events.Event{
		Type:     events.TypeTaskCancelled,
		TaskID:   id,
		TaskKind: string(t.Kind),
		Priority: int(t.Priority),
		Reason:   reason,
	})
	return nil
}

// submitHealthCheck queues the periodic daemon probe.
func (m *Manager) submitHealthCheck() {
	if m.inEmergency() {
		return
	}
	if _, err := m.Submit(Spec{Kind: KindHealthCheck, Priority: PriorityCritical}); err != nil {
		logging.AgentDebug("health check submit skipped: %v", err)
	}
}

// -----------------------------------------------------------------------------
// Status and reconfiguration
// -----------------------------------------------------------------------------

// Status is a point-in-time view of the manager.
type Status struct {
	Running         bool
	Uptime          time.Duration
	EmergencyMode   bool
	AdmissionPaused bool

	TotalSlots     int
	ActiveSlots    int
	AvailableSlots int

	ModelCount      int
	MeanModelMemory uint64
	LastRecompute   time.Time

	Health sysmon.Health
	Queue  QueueStats
}

// Status snapshots manager state for the CLI and callers.
func (m *Manager) Status() Status {
	m.mu.RLock()
	st := Status{
		Running:         m.running,
		EmergencyMode:   m.emergency,
		AdmissionPaused: m.paused,
		TotalSlots:      m.totalSlots,
		ActiveSlots:     len(m.slots),
		ModelCount:      len(m.models),
		MeanModelMemory: m.meanModelMem,
		LastRecompute:   m.lastRecompute,
	}
	if m.running {
		st.Uptime = time.Since(m.startedAt)
	}
	m.mu.RUnlock()

	st.AvailableSlots = st.TotalSlots - st.ActiveSlots
	if st.AvailableSlots < 0 {
		st.AvailableSlots = 0
	}
	st.Health = m.health.Current()
	st.Queue = m.queue.Stats()
	return st
}

// Models returns the cached daemon catalog.
func (m *Manager) Models() []inference.ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]inference.ModelInfo, len(m.models))
	copy(out, m.models)
	return out
}

// UpdateConfig swaps tunables at runtime and resizes slots to match.
func (m *Manager) UpdateConfig(cfg Config) error {
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.cfg = cfg
	running := m.running
	m.mu.Unlock()

	logging.Agent("config updated (max slots=%d, thresholds=%.2f/%.2f/%.2f)",
		cfg.MaxConcurrentSlots, cfg.SoftThreshold, cfg.HardThreshold, cfg.CriticalThreshold)
	if running {
		m.RecomputeSlotCapacity()
		m.nudge()
	}
	return nil
}

// ModelCount returns the cached catalog size.
func (m *Manager) ModelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.models)
}

func (m *Manager) emit(ev events.Event) {
	if m.events == nil {
		return
	}
	if ev.Source == "" {
		ev.Source = "agent"
	}
	m.events.Emit(ev)
}
