package unifiedllm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mockAdapter answers every request with a canned response or stream.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	requests []Request
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(_ context.Context, req Request) (*Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(_ context.Context, req Request) (<-chan StreamEvent, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:           "resp-1",
			Model:        "test-model",
			Provider:     name,
			Message:      Message{Role: RoleAssistant, Content: []ContentPart{TextPart(text)}},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func hi(model string) Request {
	return Request{Model: model, Messages: []Message{UserMessage("Hi")}}
}

func TestClientRouting(t *testing.T) {
	openai := newMockAdapter("openai", "from openai")
	anthropic := newMockAdapter("anthropic", "from anthropic")

	tests := []struct {
		name    string
		client  *Client
		req     Request
		want    string
		wantErr bool
	}{
		{
			name:   "explicit provider",
			client: NewClient(WithProvider("openai", openai), WithProvider("anthropic", anthropic), WithDefaultProvider("openai")),
			req:    Request{Model: "claude-opus-4-6", Provider: "anthropic"},
			want:   "from anthropic",
		},
		{
			name:   "default provider",
			client: NewClient(WithProvider("openai", openai), WithProvider("anthropic", anthropic), WithDefaultProvider("openai")),
			req:    hi("gpt-5.2"),
			want:   "from openai",
		},
		{
			name:   "single provider is the default",
			client: NewClient(WithProvider("anthropic", anthropic)),
			req:    hi("anything"),
			want:   "from anthropic",
		},
		{
			name:   "catalog picks the provider",
			client: NewClient(WithProvider("openai", openai), WithProvider("anthropic", anthropic)),
			req:    hi("opus"),
			want:   "from anthropic",
		},
		{
			name:    "no provider at all",
			client:  NewClient(),
			req:     hi("unknown-model"),
			wantErr: true,
		},
		{
			name:    "unregistered provider",
			client:  NewClient(WithProvider("openai", openai)),
			req:     Request{Provider: "gemini"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := tt.client.Complete(context.Background(), tt.req)
			if tt.wantErr {
				var cfgErr *ConfigurationError
				assert.ErrorAs(t, err, &cfgErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.Text())
		})
	}
}

func TestClientFillsResolvedProvider(t *testing.T) {
	mock := newMockAdapter("only", "ok")
	client := NewClient(WithProvider("only", mock))
	_, err := client.Complete(context.Background(), hi("m"))
	require.NoError(t, err)
	require.Len(t, mock.requests, 1)
	assert.Equal(t, "only", mock.requests[0].Provider)
}

func TestClientMiddlewareOrder(t *testing.T) {
	var order []int
	layer := func(n int) Middleware {
		return func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
			order = append(order, n)
			resp, err := next(ctx, req)
			order = append(order, -n)
			return resp, err
		}
	}
	client := NewClient(WithProvider("test", newMockAdapter("test", "x")), WithMiddleware(layer(1), layer(2)))

	_, err := client.Complete(context.Background(), hi("m"))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, -2, -1}, order)
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart, ResponseID: "r1"},
			{Type: TextDelta, Delta: "Hello"},
			{Type: TextDelta, Delta: " world"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}
	var seen string
	mw := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		seen = req.Provider
		return next(ctx, req)
	}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(mw))

	ch, err := client.Stream(context.Background(), hi("m"))
	require.NoError(t, err)
	var events []StreamEvent
	for e := range ch {
		events = append(events, e)
	}
	require.Len(t, events, 4)
	assert.Equal(t, StreamStart, events[0].Type)
	assert.Equal(t, "Hello", events[1].Delta)
	assert.Equal(t, "test", seen, "middleware sees the resolved provider")
}

func TestClientRegisterProvider(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("zeta", newMockAdapter("zeta", "z"))
	client.RegisterProvider("alpha", newMockAdapter("alpha", "a"))
	assert.Equal(t, []string{"alpha", "zeta"}, client.Providers())

	resp, err := client.Complete(context.Background(), hi("m"))
	require.NoError(t, err)
	assert.Equal(t, "z", resp.Text(), "first registered provider is the default")
}

type closingAdapter struct {
	mockAdapter
	closed bool
}

func (c *closingAdapter) Close() error {
	c.closed = true
	return nil
}

func TestClientClose(t *testing.T) {
	adapter := &closingAdapter{mockAdapter: mockAdapter{name: "c"}}
	client := NewClient(WithProvider("c", adapter), WithProvider("plain", newMockAdapter("plain", "")))
	require.NoError(t, client.Close())
	assert.True(t, adapter.closed)
}

func TestClientTracing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	good := newMockAdapter("good", "ok")
	client := NewClient(WithProvider("good", good), WithTracing(tp.Tracer("test")))
	_, err := client.Complete(context.Background(), hi("m"))
	require.NoError(t, err)

	bad := &mockAdapter{name: "bad", err: errors.New("boom")}
	client = NewClient(WithProvider("bad", bad), WithTracing(tp.Tracer("test")))
	_, err = client.Stream(context.Background(), hi("m"))
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "llm.complete", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	attrs := map[string]any{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsInterface()
	}
	assert.Equal(t, "good", attrs["llm.provider"])
	assert.Equal(t, int64(20), attrs["llm.output_tokens"])

	assert.Equal(t, "llm.stream", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "boom", spans[1].Status().Description)
}
