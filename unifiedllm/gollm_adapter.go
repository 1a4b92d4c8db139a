package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves one provider through gollm.
//
// gollm exposes a text-in/text-out interface, so the conversation is
// flattened into a single prompt and tool calls are recovered from a JSON
// block in the model's text. The adapter re-emits them as tool call stream
// events so the rest of the engine sees the same shape as any provider.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options are per-instance state; serialize set-and-call.
	mu sync.Mutex
}

type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.apiKey = key }
}

// WithModel is used when a request names no model.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.model = model }
}

func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.maxTokens = n }
}

func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.temperature = t }
}

// WithGollmOptions passes raw gollm options through.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) { c.extraOpts = append(c.extraOpts, opts...) }
}

// NewGollmAdapter builds an adapter for provider. An empty apiKey leaves
// key discovery to gollm's environment lookup.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.2,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}
	if model == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("no model configured and no default known for provider %q", provider),
		}}
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // ModelClient owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("create gollm LLM for provider %s", provider),
			Cause:   err,
		}}
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM adapts an already configured gollm.LLM.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: DefaultModel(provider)}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request and returns a channel of StreamEvent
// values. Text is streamed as it arrives; tool calls found in the final text
// are emitted after the text and before the finish event.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)
	ch := make(chan StreamEvent, 64)
	responseID := "resp_" + uuid.New().String()[:8]

	a.mu.Lock()
	a.applyRequestOptions(req)
	if !a.llm.SupportsStreaming() {
		text, err := a.llm.Generate(ctx, prompt)
		a.mu.Unlock()
		if err != nil {
			return nil, a.translateError(err)
		}
		go func() {
			defer close(ch)
			ch <- StreamEvent{Type: StreamStart, ResponseID: responseID, Model: a.modelFor(req)}
			a.emitText(ctx, ch, req, text, text)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	go func() {
		defer close(ch)
		defer stream.Close()

		if !send(ctx, ch, StreamEvent{Type: StreamStart, ResponseID: responseID, Model: a.modelFor(req)}) {
			return
		}

		var full strings.Builder
		for {
			token, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				send(ctx, ch, StreamEvent{Type: StreamError, Error: a.translateError(err)})
				return
			}
			if token == nil || token.Text == "" {
				continue
			}
			full.WriteString(token.Text)
			if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: token.Text}) {
				return
			}
		}
		a.emitText(ctx, ch, req, full.String(), "")
	}()

	return ch, nil
}

// emitText sends any unsent text, the recovered tool calls and the finish
// event for a completed generation.
func (a *GollmAdapter) emitText(ctx context.Context, ch chan<- StreamEvent, req Request, full, unsent string) {
	calls := parseToolCalls(full)
	if unsent != "" {
		if text := stripToolCallJSON(unsent, calls); text != "" {
			if !send(ctx, ch, StreamEvent{Type: TextDelta, Delta: text}) {
				return
			}
		}
	}
	for i, tc := range calls {
		events := []StreamEvent{
			{Type: ToolCallStart, ToolIndex: i, ToolCallID: tc.ID, ToolName: tc.Name},
			{Type: ToolCallDelta, ToolIndex: i, Delta: string(tc.Arguments)},
			{Type: ToolCallEnd, ToolIndex: i},
		}
		for _, ev := range events {
			if !send(ctx, ch, ev) {
				return
			}
		}
	}

	reason := FinishReason{Reason: FinishStop, Raw: "stop"}
	if len(calls) > 0 {
		reason = FinishReason{Reason: FinishToolCalls, Raw: "tool_calls"}
	}
	usage := estimateUsage(req, full)
	send(ctx, ch, StreamEvent{Type: StreamFinish, FinishReason: &reason, Usage: &usage})
}

func send(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *GollmAdapter) modelFor(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return a.model
}

// translateRequest flattens a unified Request into a gollm Prompt.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemParts, parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemParts = append(systemParts, msg.TextContent())
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+part.ToolResult.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Continue."
	}

	var promptOpts []gollm.PromptOption
	if len(systemParts) > 0 {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(strings.Join(systemParts, "\n"), gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	calls := parseToolCalls(text)

	var content []ContentPart
	if cleaned := stripToolCallJSON(text, calls); cleaned != "" {
		content = append(content, TextPart(cleaned))
	}
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}

	reason := FinishReason{Reason: FinishStop, Raw: "stop"}
	if len(calls) > 0 {
		reason = FinishReason{Reason: FinishToolCalls, Raw: "tool_calls"}
	}

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        a.modelFor(req),
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: reason,
		Usage:        estimateUsage(req, text),
	}
}

var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// parseToolCalls recovers tool calls the model wrote as JSON, either
// {"tool_calls": [...]} or a bare [{"name": ..., "arguments": ...}] array.
func parseToolCalls(text string) []ToolCallData {
	type rawCall struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}

	var raw []rawCall
	if start := strings.Index(text, toolCallMarkers[0]); start >= 0 {
		var wrapped struct {
			ToolCalls []rawCall `json:"tool_calls"`
		}
		if err := json.NewDecoder(strings.NewReader(text[start:])).Decode(&wrapped); err == nil {
			raw = wrapped.ToolCalls
		}
	} else if start := strings.Index(text, toolCallMarkers[1]); start >= 0 {
		_ = json.NewDecoder(strings.NewReader(text[start:])).Decode(&raw)
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallData{ID: id, Name: rc.Name, Arguments: args})
	}
	return calls
}

func stripToolCallJSON(text string, calls []ToolCallData) string {
	if len(calls) == 0 {
		return text
	}
	for _, marker := range toolCallMarkers {
		if idx := strings.Index(text, marker); idx != -1 {
			text = text[:idx]
		}
	}
	return strings.TrimSpace(text)
}

// translateError classifies gollm's untyped errors by message.
// gollm surfaces provider failures as formatted strings.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)
	pe := func(status int, retryable bool) ProviderError {
		return ProviderError{
			SDKError:   SDKError{Message: msg, Cause: err},
			Provider:   a.provider,
			StatusCode: status,
			Retryable:  retryable,
		}
	}

	switch {
	case containsAny(lower, "401", "unauthorized", "invalid key", "invalid api key"):
		return &AuthenticationError{ProviderError: pe(401, false)}
	case containsAny(lower, "403", "forbidden"):
		return &AccessDeniedError{ProviderError: pe(403, false)}
	case containsAny(lower, "content filter", "content_filter", "safety", "content policy", "guardrail"):
		return &GuardrailError{ProviderError: pe(400, false)}
	case containsAny(lower, "429", "rate limit"):
		return &RateLimitError{ProviderError: pe(429, true)}
	case containsAny(lower, "context length", "too many tokens"):
		return &ContextLengthError{ProviderError: pe(413, false)}
	case containsAny(lower, "404", "not found"):
		return &NotFoundError{ProviderError: pe(404, false)}
	case containsAny(lower, "500", "502", "503", "internal server", "overloaded", "bad gateway"):
		return &ServerError{ProviderError: pe(500, true)}
	case containsAny(lower, "timeout", "deadline exceeded"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case containsAny(lower, "connection refused", "no such host", "connection reset", "network is unreachable", "unexpected eof"):
		return &NetworkError{SDKError: SDKError{Message: msg, Cause: err}}
	default:
		p := pe(0, true)
		return &p
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// estimateUsage approximates usage; gollm does not report token counts.
func estimateUsage(req Request, output string) Usage {
	input := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				input += len(part.Text) / 4
			case ContentToolCall:
				input += len(part.ToolCall.Arguments) / 4
			case ContentToolResult:
				input += len(part.ToolResult.Content) / 4
			}
		}
	}
	if input == 0 {
		input = 10
	}
	out := len(output) / 4
	return Usage{InputTokens: input, OutputTokens: out, TotalTokens: input + out}
}
