package thread

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrBudgetExceeded = errors.New("session token budget exceeded")

// Budget configures token limits and truncation.
type Budget struct {
	// InputTokens is the per-request input budget. Zero disables truncation.
	InputTokens int
	// SessionTokens caps cumulative usage across the session. Zero is unlimited.
	SessionTokens int
	// SystemShare is the fraction of InputTokens reserved for system
	// instructions and tool definitions.
	SystemShare float64
	// RecencyWindow is the number of most recent messages always kept.
	RecencyWindow int
}

// DefaultBudget returns the budget used when the policy sets no limits.
func DefaultBudget() Budget {
	return Budget{
		InputTokens:   128_000,
		SystemShare:   0.2,
		RecencyWindow: 8,
	}
}

// Manager owns the append-only thread and its token counters. Mutation is
// expected from a single goroutine; reads are safe from any goroutine.
type Manager struct {
	mu            sync.RWMutex
	messages      []Message
	threadTokens  int
	sessionTokens int

	budget  Budget
	counter Counter
	now     func() time.Time
}

// New returns an empty thread. A nil counter uses TiktokenCounter.
func New(budget Budget, counter Counter) *Manager {
	if counter == nil {
		counter = TiktokenCounter{}
	}
	return &Manager{budget: budget, counter: counter, now: time.Now}
}

// Budget returns the active budget.
func (m *Manager) Budget() Budget { return m.budget }

// SetBudget replaces the budget, e.g. after a policy refresh.
func (m *Manager) SetBudget(b Budget) {
	m.mu.Lock()
	m.budget = b
	m.mu.Unlock()
}

// Append adds msg to the end of the thread, filling in its ID, timestamp
// and token count, and returns the stored copy.
func (m *Manager) Append(msg Message) Message {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	msg.Marker = false
	msg.Tokens = countMessage(m.counter, msg)

	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.threadTokens += msg.Tokens
	m.mu.Unlock()
	return msg
}

// Messages returns a copy of the thread.
func (m *Manager) Messages() []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the number of messages in the thread.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// ThreadTokens returns the estimated size of the whole thread.
func (m *Manager) ThreadTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.threadTokens
}

// SessionTokens returns cumulative reported usage for the session.
func (m *Manager) SessionTokens() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionTokens
}

// Count estimates the tokens of arbitrary text with the thread's counter.
func (m *Manager) Count(text string) int { return m.counter.Count(text) }

// Reserve checks that a call estimated at estimate tokens fits the session
// budget. It does not consume anything; Reconcile does.
func (m *Manager) Reserve(estimate int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.budget.SessionTokens <= 0 {
		return nil
	}
	if m.sessionTokens+estimate > m.budget.SessionTokens {
		return fmt.Errorf("%w: %d used + %d requested > %d", ErrBudgetExceeded, m.sessionTokens, estimate, m.budget.SessionTokens)
	}
	return nil
}

// Reconcile records the usage a provider actually reported.
func (m *Manager) Reconcile(u Usage) {
	m.mu.Lock()
	m.sessionTokens += u.Total()
	m.mu.Unlock()
}

// Restore replaces the thread and counters, e.g. from a checkpoint.
func (m *Manager) Restore(messages []Message, sessionTokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make([]Message, len(messages))
	copy(m.messages, messages)
	m.threadTokens = 0
	for i := range m.messages {
		if m.messages[i].Tokens == 0 {
			m.messages[i].Tokens = countMessage(m.counter, m.messages[i])
		}
		m.threadTokens += m.messages[i].Tokens
	}
	m.sessionTokens = sessionTokens
}
