package agentloop

import (
	"github.com/martinemde/warden/policy"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/unifiedllm"
)

// Fallbacks for models missing from the catalog.
const (
	defaultContextWindow = 128_000
	defaultMaxOutput     = 8_192
)

// Profile is what the loop needs to know about the configured model.
type Profile struct {
	Provider      string
	Model         string
	ContextWindow int
	MaxOutput     int
}

// resolveProfile looks model up in the catalog. An explicit provider wins
// over the catalog's.
func resolveProfile(model, provider string) Profile {
	p := Profile{
		Provider:      provider,
		Model:         model,
		ContextWindow: defaultContextWindow,
		MaxOutput:     defaultMaxOutput,
	}
	if info, ok := unifiedllm.LookupModel(model); ok {
		p.Model = info.ID
		p.ContextWindow = info.ContextWindow
		p.MaxOutput = info.MaxOutput
		if p.Provider == "" {
			p.Provider = info.Provider
		}
	}
	return p
}

// OutputTokens returns the per-turn output cap: the policy limit when set,
// then the operator override, then the model maximum, whichever is
// smallest.
func (p Profile) OutputTokens(limits policy.Limits, override int) int {
	n := p.MaxOutput
	if override > 0 && override < n {
		n = override
	}
	if limits.MaxOutputTokens > 0 && limits.MaxOutputTokens < n {
		n = limits.MaxOutputTokens
	}
	return n
}

// Budget derives the thread budget from the model and the policy limits.
func (p Profile) Budget(limits policy.Limits, recency int) thread.Budget {
	b := thread.DefaultBudget()
	b.InputTokens = p.ContextWindow - p.MaxOutput
	if b.InputTokens <= 0 {
		b.InputTokens = p.ContextWindow
	}
	if limits.MaxInputTokens > 0 && limits.MaxInputTokens < b.InputTokens {
		b.InputTokens = limits.MaxInputTokens
	}
	b.SessionTokens = limits.SessionTokenBudget
	if recency > 0 {
		b.RecencyWindow = recency
	}
	return b
}
