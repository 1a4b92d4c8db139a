package agentloop

import (
	"sync"
	"time"
)

// EventType identifies the kind of notification.
type EventType string

const (
	EventSessionStateChanged EventType = "session_state_changed"
	EventTaskStarted         EventType = "task_started"
	EventTaskCompleted       EventType = "task_completed"
	EventTaskFailed          EventType = "task_failed"
	EventTaskCancelled       EventType = "task_cancelled"
	EventStepStarted         EventType = "step_started"
	EventStepCompleted       EventType = "step_completed"
	EventTextDelta           EventType = "text_delta"
	EventToolCallStarted     EventType = "tool_call_started"
	EventToolCallCompleted   EventType = "tool_call_completed"
	EventApprovalRequested   EventType = "approval_requested"
	EventApprovalResolved    EventType = "approval_resolved"
	EventStepLimitWarning    EventType = "step_limit_warning"
	EventPolicyExpired       EventType = "policy_expired"
	EventSessionPaused       EventType = "session_paused"
	EventSessionResumed      EventType = "session_resumed"
	EventModelRetry          EventType = "model_retry"
	EventRecoveryFailed      EventType = "recovery_failed"
	EventWarning             EventType = "warning"
)

// Notification is one outbound event. The id chain is as complete as the
// event allows: session events carry no task, task events no step.
type Notification struct {
	EventType EventType      `json:"event_type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	TaskID    string         `json:"task_id,omitempty"`
	StepID    int            `json:"step_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

const defaultSubscriberBuffer = 256

// Emitter fans notifications out to subscribers. Delivery never blocks the
// loop: a subscriber whose buffer is full misses the notification.
type Emitter struct {
	mu      sync.Mutex
	subs    map[int]chan Notification
	nextID  int
	buffer  int
	closed  bool
	now     func() time.Time
	dropped int
}

// NewEmitter returns an Emitter whose subscribers get bufferSize slots.
func NewEmitter(bufferSize int) *Emitter {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	return &Emitter{
		subs:   make(map[int]chan Notification),
		buffer: bufferSize,
		now:    time.Now,
	}
}

// Subscribe returns a channel of notifications and a func that ends the
// subscription. The channel closes when either is called or the emitter
// closes.
func (e *Emitter) Subscribe() (<-chan Notification, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Notification, e.buffer)
	if e.closed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// Emit delivers n to every subscriber, stamping it if needed.
func (e *Emitter) Emit(n Notification) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = e.now()
	}
	for _, ch := range e.subs {
		select {
		case ch <- n:
		default:
			e.dropped++
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (e *Emitter) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close closes every subscription. Safe to call multiple times.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
}
