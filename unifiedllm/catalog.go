package unifiedllm

// ModelInfo describes a known model.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	Aliases       []string `json:"aliases,omitempty"`
}

// InputBudget returns the tokens left for input after reserving room for
// a full-length response.
func (m ModelInfo) InputBudget() int {
	return m.ContextWindow - m.MaxOutput
}

// Models is the built-in catalog used for provider inference and default
// context budgets. The first entry per provider is its default.
var Models = []ModelInfo{
	{ID: "claude-sonnet-4-5", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 16384, Aliases: []string{"sonnet", "claude-sonnet"}},
	{ID: "claude-opus-4-6", Provider: "anthropic", ContextWindow: 200000, MaxOutput: 32768, Aliases: []string{"opus", "claude-opus"}},
	{ID: "gpt-5.2", Provider: "openai", ContextWindow: 1047576, MaxOutput: 32768, Aliases: []string{"gpt5"}},
	{ID: "gpt-5.2-mini", Provider: "openai", ContextWindow: 1047576, MaxOutput: 16384, Aliases: []string{"gpt5-mini"}},
	{ID: "gemini-3-pro-preview", Provider: "gemini", ContextWindow: 1048576, MaxOutput: 65536, Aliases: []string{"gemini-pro"}},
}

// LookupModel finds a model by ID or alias.
func LookupModel(id string) (ModelInfo, bool) {
	for _, m := range Models {
		if m.ID == id {
			return m, true
		}
		for _, alias := range m.Aliases {
			if alias == id {
				return m, true
			}
		}
	}
	return ModelInfo{}, false
}

// DefaultModel returns the default model ID for a provider, or "".
func DefaultModel(provider string) string {
	for _, m := range Models {
		if m.Provider == provider {
			return m.ID
		}
	}
	return ""
}
