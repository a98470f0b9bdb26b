// Package events broadcasts orchestration lifecycle events to observers.
// Events for a single task are delivered in emission order to every
// subscriber; a subscriber that joins mid-run receives the current project
// snapshot first and only subsequent events after it.
package events

import (
	"sync"
	"time"

	"foreman/internal/logging"
)

// Kind enumerates the lifecycle event kinds. Observers depend on this exact
// set; do not rename values.
type Kind string

const (
	KindProjectOrchestrated Kind = "project_orchestrated"

	KindTaskReady     Kind = "task_ready"
	KindTaskStarted   Kind = "task_started"
	KindTaskProgress  Kind = "task_progress"
	KindTaskCompleted Kind = "task_completed"
	KindTaskFailed    Kind = "task_failed"

	KindCheckpointStarted   Kind = "checkpoint_started"
	KindCheckpointCompleted Kind = "checkpoint_completed"
	KindCheckpointFailed    Kind = "checkpoint_failed"

	KindWorkerAssigned  Kind = "worker_assigned"
	KindWorkerHeartbeat Kind = "worker_heartbeat"

	KindReworkRequested Kind = "rework_requested"

	KindProjectCompleted Kind = "project_completed"
	KindProjectFailed    Kind = "project_failed"
	KindProjectCancelled Kind = "project_cancelled"

	KindSessionCleanup Kind = "session_cleanup"
)

// Event is a single lifecycle notification.
type Event struct {
	Kind      Kind                   `json:"kind"`
	TaskID    string                 `json:"taskId,omitempty"`
	WorkerID  string                 `json:"workerId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Message   string                 `json:"message,omitempty"`
	ErrorKind string                 `json:"errorKind,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// Subscription is one observer's view of the stream.
type Subscription struct {
	id       int
	ch       chan Event
	Snapshot interface{} // project state at subscribe time
	emitter  *Emitter
	once     sync.Once
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.emitter.unsubscribe(s.id)
	})
}

// Emitter fans events out to all subscribers. Emission never blocks the
// scheduler: a subscriber that cannot keep up has events dropped, counted
// per subscription.
type Emitter struct {
	mu         sync.Mutex
	subs       map[int]*Subscription
	nextID     int
	snapshotFn func() interface{}
	sinks      []func(Event)
	closed     bool
	dropped    map[int]int
}

// NewEmitter creates an emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{
		subs:    make(map[int]*Subscription),
		dropped: make(map[int]int),
	}
}

// SetSnapshotFunc registers the callback used to capture the current project
// state for late-joining subscribers.
func (e *Emitter) SetSnapshotFunc(fn func() interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snapshotFn = fn
}

// AddSink registers a synchronous sink invoked for every event, in emission
// order. Used for the append-only event log.
func (e *Emitter) AddSink(sink func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sinks = append(e.sinks, sink)
}

// Subscribe attaches a new observer with the given channel buffer.
func (e *Emitter) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sub := &Subscription{
		id:      e.nextID,
		ch:      make(chan Event, buffer),
		emitter: e,
	}
	if e.snapshotFn != nil {
		sub.Snapshot = e.snapshotFn()
	}
	e.nextID++
	if e.closed {
		close(sub.ch)
		return sub
	}
	e.subs[sub.id] = sub
	logging.EventsDebug("Subscriber %d attached (buffer=%d)", sub.id, buffer)
	return sub
}

func (e *Emitter) unsubscribe(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sub, ok := e.subs[id]; ok {
		delete(e.subs, id)
		close(sub.ch)
		logging.EventsDebug("Subscriber %d detached (dropped=%d)", id, e.dropped[id])
		delete(e.dropped, id)
	}
}

// Emit broadcasts an event. The timestamp is filled in when zero.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	for _, sink := range e.sinks {
		sink(ev)
	}

	for id, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop rather than stall the scheduler.
			e.dropped[id]++
		}
	}
}

// Close detaches all subscribers and closes their channels.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
}

// SubscriberCount returns the number of attached subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
