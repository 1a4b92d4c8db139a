package backend

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martinemde/warden/retry"
)

// AuditStore persists audit events and reports failures, so that a caller
// can retry them.
type AuditStore interface {
	PutAudit(ctx context.Context, ev AuditEvent) error
}

const defaultAuditBuffer = 256

// AsyncTelemetry delivers audit events to an AuditStore from a background
// worker. Record never waits on the store: events queue in a bounded
// buffer and are dropped when it is full. Failed deliveries are retried
// with backoff and then dropped.
type AsyncTelemetry struct {
	store  AuditStore
	policy retry.Policy
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	events  chan AuditEvent
	dropped atomic.Int64

	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// TelemetryOption configures an AsyncTelemetry.
type TelemetryOption func(*AsyncTelemetry)

// WithAuditPolicy overrides the retry policy for deliveries.
func WithAuditPolicy(p retry.Policy) TelemetryOption {
	return func(a *AsyncTelemetry) { a.policy = p }
}

// WithAuditBuffer sets how many events may wait for delivery.
func WithAuditBuffer(n int) TelemetryOption {
	return func(a *AsyncTelemetry) {
		if n > 0 {
			a.events = make(chan AuditEvent, n)
		}
	}
}

// WithAuditLogger sets the logger.
func WithAuditLogger(logger *slog.Logger) TelemetryOption {
	return func(a *AsyncTelemetry) { a.logger = logger }
}

// NewAsyncTelemetry starts the delivery worker. Call Close to stop it.
// Rejections (ErrRejected) are not retried.
func NewAsyncTelemetry(store AuditStore, opts ...TelemetryOption) *AsyncTelemetry {
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncTelemetry{
		store:  store,
		policy: retry.Default(),
		logger: slog.New(slog.DiscardHandler),
		events: make(chan AuditEvent, defaultAuditBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.policy.Retryable == nil {
		a.policy.Retryable = func(err error) bool { return !errors.Is(err, ErrRejected) }
	}
	go a.run()
	return a
}

// Record queues ev and returns immediately.
func (a *AsyncTelemetry) Record(_ context.Context, ev AuditEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- ev:
	default:
		if a.dropped.Add(1)%100 == 1 {
			a.logger.Warn("audit buffer full, dropping events", "kind", ev.Kind, "dropped", a.dropped.Load())
		}
	}
}

// Dropped returns the number of events discarded without a delivery
// attempt, because the buffer was full or the sink closed.
func (a *AsyncTelemetry) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits for queued ones to be delivered.
// If ctx ends first, the remaining events are abandoned.
func (a *AsyncTelemetry) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

func (a *AsyncTelemetry) run() {
	defer close(a.done)
	defer a.cancel()
	for ev := range a.events {
		if a.ctx.Err() != nil {
			continue
		}
		a.deliver(ev)
	}
}

func (a *AsyncTelemetry) deliver(ev AuditEvent) {
	policy := a.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		a.logger.Debug("audit delivery failed, retrying",
			"kind", ev.Kind, "attempt", attempt, "delay", delay, "error", err)
	}
	err := retry.Run(a.ctx, policy, func(ctx context.Context) error {
		return a.store.PutAudit(ctx, ev)
	})
	if err != nil {
		a.logger.Warn("audit event dropped", "kind", ev.Kind, "session_id", ev.SessionID, "error", err)
	}
}
