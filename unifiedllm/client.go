package unifiedllm

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// StreamMiddleware wraps a streaming provider call.
type StreamMiddleware func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error)

// Client routes requests to registered provider adapters and applies
// middleware. It performs single attempts; ModelClient adds retries and
// stream collection on top.
type Client struct {
	mu              sync.RWMutex
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
	streamMW        []StreamMiddleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider names the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware. The first registered runs outermost.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// WithStreamMiddleware appends stream middleware.
func WithStreamMiddleware(mw ...StreamMiddleware) ClientOption {
	return func(c *Client) { c.streamMW = append(c.streamMW, mw...) }
}

// WithTracing opens a span around every provider attempt.
func WithTracing(tracer trace.Tracer) ClientOption {
	return func(c *Client) {
		mw, smw := Tracing(tracer)
		c.middleware = append(c.middleware, mw)
		c.streamMW = append(c.streamMW, smw)
	}
}

// NewClient returns a Client. With exactly one provider and no explicit
// default, that provider is the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds an adapter after construction. The first provider
// registered on a client without a default becomes the default.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Providers lists the registered provider names, sorted.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// resolve picks the adapter for req: the named provider, else the
// default, else the provider the catalog lists for the model.
func (c *Client) resolve(req Request) (ProviderAdapter, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info, ok := LookupModel(req.Model); ok {
			name = info.Provider
		}
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q is not registered", name),
		}}
	}
	return adapter, nil
}

// chain wraps final in mws so that mws[0] runs first.
func chain[T any](final func(context.Context, Request) (T, error), mws []func(context.Context, Request, func(context.Context, Request) (T, error)) (T, error)) func(context.Context, Request) (T, error) {
	h := final
	for i := len(mws) - 1; i >= 0; i-- {
		mw, next := mws[i], h
		h = func(ctx context.Context, r Request) (T, error) { return mw(ctx, r, next) }
	}
	return h
}

// Complete sends a blocking request through the middleware to the resolved
// provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	mws := make([]func(context.Context, Request, func(context.Context, Request) (*Response, error)) (*Response, error), len(c.middleware))
	for i, mw := range c.middleware {
		mws[i] = mw
	}
	return chain(adapter.Complete, mws)(ctx, req)
}

// Stream sends a streaming request through the stream middleware.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolve(req)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	mws := make([]func(context.Context, Request, func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error), len(c.streamMW))
	for i, mw := range c.streamMW {
		mws[i] = mw
	}
	return chain(adapter.Stream, mws)(ctx, req)
}

// Close closes every adapter that implements Closer and returns the first
// error.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var firstErr error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Tracing returns middleware that records one span per provider attempt.
// For streams the span covers opening the stream only.
func Tracing(tracer trace.Tracer) (Middleware, StreamMiddleware) {
	start := func(ctx context.Context, name string, req Request) (context.Context, trace.Span) {
		return tracer.Start(ctx, name, trace.WithAttributes(
			attribute.String("llm.provider", req.Provider),
			attribute.String("llm.model", req.Model),
			attribute.Int("llm.messages", len(req.Messages)),
			attribute.Int("llm.tools", len(req.Tools)),
		))
	}
	fail := func(span trace.Span, err error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	complete := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		ctx, span := start(ctx, "llm.complete", req)
		defer span.End()
		resp, err := next(ctx, req)
		if err != nil {
			fail(span, err)
			return nil, err
		}
		span.SetAttributes(
			attribute.String("llm.finish_reason", resp.FinishReason.Reason),
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
		return resp, nil
	}
	stream := func(ctx context.Context, req Request, next func(context.Context, Request) (<-chan StreamEvent, error)) (<-chan StreamEvent, error) {
		ctx, span := start(ctx, "llm.stream", req)
		defer span.End()
		ch, err := next(ctx, req)
		if err != nil {
			fail(span, err)
		}
		return ch, err
	}
	return complete, stream
}
