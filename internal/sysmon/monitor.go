package sysmon

import (
	"context"
	"sync"
	"time"

	"filenerd/internal/events"
	"filenerd/internal/logging"
)

// =============================================================================
// MONITOR
// =============================================================================

// Options configures the sampling loop.
type Options struct {
	Interval       time.Duration // Nominal cadence (default 1s)
	StressInterval time.Duration // Cadence while under stress (default 500ms)
	OSReserved     uint64        // Memory held back from agents (default 2 GiB)
	SoftThreshold  float64       // Pressure at which stress begins (default 0.85)
}

// DefaultOptions returns the production sampling parameters.
func DefaultOptions() Options {
	return Options{
		Interval:       time.Second,
		StressInterval: 500 * time.Millisecond,
		OSReserved:     2 << 30,
		SoftThreshold:  0.85,
	}
}

// normalize fills zero fields with defaults.
func (o *Options) normalize() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.StressInterval <= 0 || o.StressInterval > o.Interval {
		o.StressInterval = o.Interval / 2
	}
	if o.SoftThreshold <= 0 || o.SoftThreshold > 1 {
		o.SoftThreshold = 0.85
	}
}

// Stats tracks monitor activity.
type Stats struct {
	Samples      uint64
	SampleErrors uint64
	LastSampleAt time.Time
}

// Monitor owns the sampling goroutine. Sampling is synchronous inside the
// loop, so at most one sample is ever in flight and missed ticks coalesce.
// Subscribers receive each successful snapshot after derivation.
type Monitor struct {
	mu         sync.RWMutex
	opts       Options
	sampler    Sampler
	dispatcher *events.Dispatcher // May be nil

	current Health
	subs    map[int]func(Health)
	nextID  int

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	stats Stats
}

// New creates a monitor. dispatcher may be nil; it is only used to report
// sampling failures as monitoring-error events.
func New(sampler Sampler, opts Options, dispatcher *events.Dispatcher) *Monitor {
	opts.normalize()
	return &Monitor{
		opts:       opts,
		sampler:    sampler,
		dispatcher: dispatcher,
		subs:       make(map[int]func(Health)),
	}
}

// Start launches the sampling loop. Idempotent. The first sample is taken
// synchronously so Current is meaningful immediately after Start on a
// healthy host.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.sampleOnce()

	go m.run(ctx)

	logging.Monitor("monitor started: interval=%v stress_interval=%v reserve=%d MiB",
		m.opts.Interval, m.opts.StressInterval, m.opts.OSReserved>>20)
	return nil
}

// Stop halts the loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
	logging.Monitor("monitor stopped")
}

// Current returns the last good snapshot. Before the first successful
// sample the zero Health is returned; callers detect this with
// SampledAt.IsZero().
func (m *Monitor) Current() Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers fn for every successful sample and returns an
// idempotent unsubscribe func. Callbacks run on the sampling goroutine;
// keep them fast.
func (m *Monitor) Subscribe(fn func(Health)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// GetStats returns sampling counters.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// run is the sampling loop. A timer rather than a ticker: the next wait
// is armed only after the sample completes, which both coalesces missed
// ticks and lets the cadence follow the stress state.
func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	timer := time.NewTimer(m.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-timer.C:
			m.sampleOnce()
			timer.Reset(m.nextInterval())
		}
	}
}

// nextInterval picks the cadence from the current stress state.
func (m *Monitor) nextInterval() time.Duration {
	m.mu.RLock()
	stressed := m.current.UnderStress
	m.mu.RUnlock()
	if stressed {
		return m.opts.StressInterval
	}
	return m.opts.Interval
}

// sampleOnce takes one sample, finalizes it, stores it, and notifies
// subscribers. On failure the last good snapshot is retained.
func (m *Monitor) sampleOnce() {
	h, err := m.sampler.Sample()
	if err != nil {
		m.mu.Lock()
		m.stats.SampleErrors++
		m.mu.Unlock()

		logging.MonitorError("sample failed: %v", err)
		if m.dispatcher != nil {
			m.dispatcher.Emit(events.Event{
				Type:   events.TypeMonitoringError,
				Source: "monitor",
				Err:    err.Error(),
			})
		}
		return
	}

	m.finalize(&h)

	m.mu.Lock()
	m.current = h
	m.stats.Samples++
	m.stats.LastSampleAt = h.SampledAt
	fns := make([]func(Health), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if h.UnderStress {
		logging.MonitorWarn("under stress: %s", h)
	} else {
		logging.MonitorDebug("%s", h)
	}

	for _, fn := range fns {
		fn(h)
	}
}

// finalize derives the fields that depend on monitor configuration.
func (m *Monitor) finalize(h *Health) {
	if h.CPUCount <= 0 {
		h.CPUCount = 1
	}
	if h.FreeMemory > m.opts.OSReserved {
		h.AvailableForAgents = h.FreeMemory - m.opts.OSReserved
	} else {
		h.AvailableForAgents = 0
	}
	h.UnderStress = h.MemoryPressure >= m.opts.SoftThreshold ||
		h.LoadAvg1/float64(h.CPUCount) > 1.0
	if h.SampledAt.IsZero() {
		h.SampledAt = time.Now()
	}
}
