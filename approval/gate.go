// Package approval routes actions that need a human decision to the host and
// waits, bounded by a timeout, for the answer.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/warden/policy"
)

// ErrNotFound is returned by Resolve for an unknown or already decided
// request.
var ErrNotFound = errors.New("approval request not found")

// DefaultTimeout bounds how long a request waits for a human.
const DefaultTimeout = 5 * time.Minute

// Decision sources.
const (
	ByHuman     = "human"
	ByTimeout   = "timeout"
	ByCancel    = "cancelled"
	ByAutomatic = "automatic"
)

// Request describes one action waiting for approval.
type Request struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	TaskID      string            `json:"task_id"`
	StepID      int               `json:"step_id"`
	CallID      string            `json:"call_id"`
	Tool        string            `json:"tool"`
	Capability  string            `json:"capability"`
	RuleID      string            `json:"rule_id,omitempty"`
	Risk        policy.RiskLevel  `json:"risk"`
	Summary     string            `json:"summary"`
	Targets     []string          `json:"targets,omitempty"`
	Detail      map[string]any    `json:"detail,omitempty"`
	Timeout     time.Duration     `json:"timeout"`
	RequestedAt time.Time         `json:"requested_at"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// Decision is the outcome of a Request.
type Decision struct {
	RequestID string    `json:"request_id"`
	Approved  bool      `json:"approved"`
	Reason    string    `json:"reason,omitempty"`
	By        string    `json:"by"`
	DecidedAt time.Time `json:"decided_at"`
}

// Hooks observe the gate. Both run on the requesting goroutine.
type Hooks struct {
	Requested func(Request)
	Resolved  func(Request, Decision)
}

type pending struct {
	req Request
	ch  chan Decision
}

// Gate holds pending approval requests.
type Gate struct {
	timeout time.Duration
	hooks   Hooks
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets the default wait for requests without their own timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithHooks installs observers.
func WithHooks(h Hooks) Option {
	return func(g *Gate) { g.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) { g.logger = logger }
}

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New returns a Gate.
func New(opts ...Option) *Gate {
	g := &Gate{
		timeout: DefaultTimeout,
		logger:  slog.New(slog.DiscardHandler),
		now:     time.Now,
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request publishes req and blocks until it is resolved, its timeout passes
// or ctx ends. Timeouts and cancellation are denials.
func (g *Gate) Request(ctx context.Context, req Request) Decision {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Timeout <= 0 {
		req.Timeout = g.timeout
	}
	req.RequestedAt = g.now()

	p := &pending{req: req, ch: make(chan Decision, 1)}
	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()

	g.logger.Info("approval requested",
		"request_id", req.ID, "tool", req.Tool, "risk", req.Risk, "timeout", req.Timeout)
	if g.hooks.Requested != nil {
		g.hooks.Requested(req)
	}

	timer := time.NewTimer(req.Timeout)
	defer timer.Stop()

	var d Decision
	select {
	case d = <-p.ch:
	case <-timer.C:
		d = g.abandon(p, ByTimeout, "timed out")
	case <-ctx.Done():
		d = g.abandon(p, ByCancel, "cancelled")
	}

	g.logger.Info("approval resolved",
		"request_id", req.ID, "approved", d.Approved, "by", d.By, "reason", d.Reason)
	if g.hooks.Resolved != nil {
		g.hooks.Resolved(req, d)
	}
	return d
}

// abandon removes a pending request. If a human decision raced in first,
// that decision wins.
func (g *Gate) abandon(p *pending, by, reason string) Decision {
	id := p.req.ID
	g.mu.Lock()
	_, ok := g.pending[id]
	delete(g.pending, id)
	g.mu.Unlock()
	if !ok {
		return <-p.ch
	}
	return Decision{RequestID: id, Approved: false, Reason: reason, By: by, DecidedAt: g.now()}
}

// Resolve records a human decision for a pending request.
func (g *Gate) Resolve(id string, approved bool, reason string) error {
	return g.decide(id, approved, reason, ByHuman)
}

// Cancel denies a pending request on the engine's behalf, for example when
// its task is cancelled.
func (g *Gate) Cancel(id, reason string) error {
	return g.decide(id, false, reason, ByCancel)
}

func (g *Gate) decide(id string, approved bool, reason, by string) error {
	g.mu.Lock()
	p, ok := g.pending[id]
	delete(g.pending, id)
	g.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	p.ch <- Decision{RequestID: id, Approved: approved, Reason: reason, By: by, DecidedAt: g.now()}
	return nil
}

// Pending returns the open requests, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	out := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		out = append(out, p.req)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}
