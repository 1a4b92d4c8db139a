package thread

import "fmt"

// View is the slice of the thread sent with one model request.
type View struct {
	Messages []Message
	Tokens   int
	Dropped  int
}

// Window builds the request view. When the history exceeds its share of
// the input budget the oldest messages between the pinned head (leading
// system messages and the first user prompt) and the recent tail are
// dropped and replaced by a single marker. The last RecencyWindow messages
// are always kept verbatim, even if they alone exceed the budget.
func (m *Manager) Window() View {
	m.mu.RLock()
	msgs := make([]Message, len(m.messages))
	copy(msgs, m.messages)
	budget := m.budget
	m.mu.RUnlock()

	total := 0
	for _, msg := range msgs {
		total += msg.Tokens
	}
	if budget.InputTokens <= 0 || total <= budget.InputTokens {
		return View{Messages: msgs, Tokens: total}
	}

	head := 0
	for head < len(msgs) && msgs[head].Role == RoleSystem {
		head++
	}
	systemTokens := 0
	for _, msg := range msgs[:head] {
		systemTokens += msg.Tokens
	}
	if head < len(msgs) && msgs[head].Role == RoleUser {
		head++
	}

	share := budget.SystemShare
	if share <= 0 || share >= 1 {
		share = DefaultBudget().SystemShare
	}
	reserved := int(float64(budget.InputTokens) * share)
	historyBudget := budget.InputTokens - max(reserved, systemTokens)

	used := 0
	for _, msg := range msgs[systemHeadLen(msgs):head] {
		used += msg.Tokens
	}

	// Walk backwards from the end: the recency window is unconditional,
	// older messages are kept while they fit.
	cut := len(msgs)
	window := max(budget.RecencyWindow, 0)
	for cut > head {
		next := msgs[cut-1]
		if len(msgs)-cut >= window && used+next.Tokens > historyBudget {
			break
		}
		used += next.Tokens
		cut--
	}

	// Never send a tool result without the assistant turn that asked for it.
	for cut > head && cut < len(msgs) && msgs[cut].Role == RoleTool {
		cut--
	}

	dropped := cut - head
	if dropped <= 0 {
		return View{Messages: msgs, Tokens: total}
	}

	marker := Message{
		Role:    RoleUser,
		Content: fmt.Sprintf("[%d earlier messages were omitted to fit the context window]", dropped),
		Marker:  true,
	}
	marker.Tokens = countMessage(m.counter, marker)

	view := make([]Message, 0, head+1+len(msgs)-cut)
	view = append(view, msgs[:head]...)
	view = append(view, marker)
	view = append(view, msgs[cut:]...)

	tokens := 0
	for _, msg := range view {
		tokens += msg.Tokens
	}
	return View{Messages: view, Tokens: tokens, Dropped: dropped}
}

func systemHeadLen(msgs []Message) int {
	n := 0
	for n < len(msgs) && msgs[n].Role == RoleSystem {
		n++
	}
	return n
}
