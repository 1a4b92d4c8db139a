package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/martinemde/warden/retry"
)

// AsyncHistory uploads thread snapshots in the background. Only the newest
// snapshot waits: a snapshot queued while an older one is pending replaces
// it. Failed uploads are retried with backoff and then dropped; a later
// snapshot supersedes them anyway.
type AsyncHistory struct {
	store    HistoryStore
	policy   retry.Policy
	logger   *slog.Logger
	onResult func(error)

	mu      sync.Mutex
	pending *ThreadSnapshot
	lastErr error

	wake    chan struct{}
	flushes chan chan error
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
}

// AsyncOption configures an AsyncHistory.
type AsyncOption func(*AsyncHistory)

// WithUploadPolicy overrides the retry policy for uploads.
func WithUploadPolicy(p retry.Policy) AsyncOption {
	return func(a *AsyncHistory) { a.policy = p }
}

// WithUploadLogger sets the logger.
func WithUploadLogger(logger *slog.Logger) AsyncOption {
	return func(a *AsyncHistory) { a.logger = logger }
}

// WithUploadResult observes the outcome of every upload attempt chain.
func WithUploadResult(fn func(error)) AsyncOption {
	return func(a *AsyncHistory) { a.onResult = fn }
}

// NewAsyncHistory starts the upload worker. Call Close to stop it.
func NewAsyncHistory(store HistoryStore, opts ...AsyncOption) *AsyncHistory {
	ctx, cancel := context.WithCancel(context.Background())
	a := &AsyncHistory{
		store:   store,
		policy:  retry.Default(),
		logger:  slog.New(slog.DiscardHandler),
		wake:    make(chan struct{}, 1),
		flushes: make(chan chan error),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.run()
	return a
}

// PutThread queues snap and returns immediately.
func (a *AsyncHistory) PutThread(_ context.Context, snap ThreadSnapshot) error {
	a.mu.Lock()
	a.pending = &snap
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every queued snapshot has been uploaded or given up
// on. It returns the error of the last upload, if it failed.
func (a *AsyncHistory) Flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case a.flushes <- reply:
	case <-a.done:
		return a.LastError()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes and stops the worker. If ctx ends first, in-flight retries
// are abandoned.
func (a *AsyncHistory) Close(ctx context.Context) error {
	a.once.Do(func() { close(a.quit) })
	select {
	case <-a.done:
		return a.LastError()
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
}

// LastError returns the error of the most recent upload, or nil.
func (a *AsyncHistory) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *AsyncHistory) run() {
	defer close(a.done)
	defer a.cancel()
	for {
		var waiter chan error
		select {
		case <-a.wake:
		case waiter = <-a.flushes:
		case <-a.quit:
			a.drain()
			return
		}
		err := a.drain()
		if waiter != nil {
			waiter <- err
		}
	}
}

func (a *AsyncHistory) drain() error {
	uploaded := false
	for {
		a.mu.Lock()
		snap := a.pending
		a.pending = nil
		if snap == nil {
			err := a.lastErr
			a.mu.Unlock()
			if !uploaded {
				return nil
			}
			return err
		}
		a.mu.Unlock()

		err := a.upload(*snap)
		uploaded = true
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
	}
}

func (a *AsyncHistory) upload(snap ThreadSnapshot) error {
	policy := a.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		a.logger.Warn("history upload failed, retrying",
			"session_id", snap.SessionID, "attempt", attempt, "delay", delay, "error", err)
	}
	err := retry.Run(a.ctx, policy, func(ctx context.Context) error {
		return a.store.PutThread(ctx, snap)
	})
	if err != nil {
		a.logger.Error("history upload abandoned",
			"session_id", snap.SessionID, "messages", len(snap.Messages), "error", err)
	} else {
		a.logger.Debug("history uploaded", "session_id", snap.SessionID, "messages", len(snap.Messages))
	}
	if a.onResult != nil {
		a.onResult(err)
	}
	return err
}
