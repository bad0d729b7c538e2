// Package events provides typed lifecycle event dispatch for the agent
// manager, system monitor, and execution pipeline. One Event struct with a
// Type tag and typed payload fields replaces string-keyed listener maps;
// subscribers receive every event and switch on Type.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"filenerd/internal/logging"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// Type tags an Event with the lifecycle moment it describes.
type Type string

const (
	// Manager lifecycle
	TypeManagerStarted Type = "manager-started"
	TypeManagerStopped Type = "manager-stopped"

	// Task lifecycle
	TypeTaskCreated    Type = "task-created"
	TypeTaskDispatched Type = "task-dispatched"
	TypeTaskCompleted  Type = "task-completed"
	TypeTaskFailed     Type = "task-failed"
	TypeTaskRetry      Type = "task-retry"
	TypeTaskCancelled  Type = "task-cancelled"

	// Capacity and memory governance
	TypeSlotFreed         Type = "slot-freed"
	TypeSlotsRecomputed   Type = "slots-recomputed"
	TypeMemoryWarning     Type = "memory-warning"
	TypeEmergencyEviction Type = "emergency-eviction"
	TypeEmergencyStop     Type = "emergency-stop"

	// Monitoring
	TypeSystemHealth    Type = "system-health"
	TypeMonitoringError Type = "monitoring-error"

	// Pipeline progress
	TypePipelineStarted   Type = "pipeline-started"
	TypePipelineBatch     Type = "pipeline-batch"
	TypePipelineCompleted Type = "pipeline-completed"
	TypePipelineAborted   Type = "pipeline-aborted"
)

// Event is the tagged union delivered to subscribers. Only the fields
// relevant to the Type are populated; the rest stay zero.
type Event struct {
	Type      Type
	Timestamp time.Time
	Source    string // Emitting component: manager, monitor, pipeline

	// Task lifecycle payload (task-* events)
	TaskID     string
	TaskKind   string
	Priority   int
	RetryCount int

	// Capacity payload (slot and eviction events)
	TotalSlots   int
	RunningCount int
	QueuedCount  int
	EvictedCount int

	// Health summary payload (system-health, memory-warning)
	MemoryPressure float64
	CPULoadRatio   float64
	UnderStress    bool

	// Failure payload
	Err    string // Error text for failed operations
	Reason string // Why a task was cancelled or evicted

	// Details carries values with no first-class field
	Details map[string]string
}

// =============================================================================
// DISPATCHER
// =============================================================================

// Dispatcher fans events out to subscribers on a dedicated goroutine.
// Emit never blocks: when the buffer is full the event is dropped and
// counted. Subscribers run sequentially on the dispatch goroutine, so a
// slow subscriber delays delivery but never the emitter.
type Dispatcher struct {
	mu      sync.RWMutex
	subs    map[int]func(Event)
	nextID  int
	running bool

	eventCh chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}

	dropped   atomic.Uint64
	delivered atomic.Uint64
}

// DefaultBufferSize is the event channel capacity. Sized for eviction
// storms where the manager emits one event per cancelled task.
const DefaultBufferSize = 256

// NewDispatcher creates a dispatcher with the default buffer.
func NewDispatcher() *Dispatcher {
	return NewDispatcherSize(DefaultBufferSize)
}

// NewDispatcherSize creates a dispatcher with an explicit buffer size.
func NewDispatcherSize(buffer int) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	return &Dispatcher{
		subs:    make(map[int]func(Event)),
		eventCh: make(chan Event, buffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Second Start is a no-op.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()

	go d.run()
}

// Stop halts dispatch after draining buffered events, then waits for the
// goroutine to exit. Events emitted after Stop are dropped.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	<-d.doneCh
}

// Subscribe registers fn for all events and returns its unsubscribe func.
// The returned func is idempotent.
func (d *Dispatcher) Subscribe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
		})
	}
}

// Emit queues an event for delivery. Never blocks. A zero Timestamp is
// stamped with the current time.
func (d *Dispatcher) Emit(ev Event) {
	d.mu.RLock()
	running := d.running
	d.mu.RUnlock()
	if !running {
		d.dropped.Add(1)
		return
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case d.eventCh <- ev:
	default:
		d.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded because the buffer was
// full or the dispatcher was stopped.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Delivered returns the number of events handed to subscribers.
func (d *Dispatcher) Delivered() uint64 {
	return d.delivered.Load()
}

// SubscriberCount returns the number of active subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// run is the dispatch loop.
func (d *Dispatcher) run() {
	defer close(d.doneCh)

	for {
		select {
		case <-d.stopCh:
			// Drain what was buffered before Stop
			for {
				select {
				case ev := <-d.eventCh:
					d.dispatch(ev)
				default:
					return
				}
			}
		case ev := <-d.eventCh:
			d.dispatch(ev)
		}
	}
}

// dispatch delivers one event to a snapshot of the subscriber set.
func (d *Dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	fns := make([]func(Event), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	d.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
	d.delivered.Add(1)
}

// =============================================================================
// LOGGING SUBSCRIBER
// =============================================================================

// LogSubscriber returns a subscriber that mirrors events into the events
// category log. Health ticks go to debug to keep the log readable.
func LogSubscriber() func(Event) {
	return func(ev Event) {
		switch ev.Type {
		case TypeSystemHealth:
			logging.EventsDebug("[%s] pressure=%.3f load=%.2f stress=%v",
				ev.Type, ev.MemoryPressure, ev.CPULoadRatio, ev.UnderStress)
		case TypeTaskFailed, TypeMonitoringError, TypePipelineAborted:
			logging.Events("[%s] task=%s err=%s", ev.Type, ev.TaskID, ev.Err)
		case TypeEmergencyEviction:
			logging.Events("[%s] evicted=%d reason=%s", ev.Type, ev.EvictedCount, ev.Reason)
		case TypeEmergencyStop:
			logging.Events("[%s] cancelled=%d cleared=%d", ev.Type, ev.RunningCount, ev.QueuedCount)
		case TypeSlotsRecomputed:
			logging.EventsDebug("[%s] total=%d running=%d queued=%d",
				ev.Type, ev.TotalSlots, ev.RunningCount, ev.QueuedCount)
		default:
			logging.Events("[%s] task=%s source=%s", ev.Type, ev.TaskID, ev.Source)
		}
	}
}
