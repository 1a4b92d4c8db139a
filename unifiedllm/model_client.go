package unifiedllm

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/warden/retry"
)

const tracerName = "github.com/martinemde/warden/unifiedllm"

// TurnHooks observe a model turn while it is in flight.
type TurnHooks struct {
	// OnDelta receives streamed text. After a retry the stream starts over,
	// so consumers should discard text received before OnRetry fired.
	OnDelta func(text string)
	// OnRetry fires before each retry with the failed attempt's error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// ModelClient runs one complete model turn per call: it streams through a
// Client, collects the events into a Response and retries transient
// failures. Partial turns are never returned.
type ModelClient struct {
	client *Client
	policy retry.Policy
	logger *slog.Logger
	tracer trace.Tracer
}

// ModelClientOption configures a ModelClient.
type ModelClientOption func(*ModelClient)

// WithRetryPolicy overrides the retry policy. The model error classifier
// is always installed.
func WithRetryPolicy(p retry.Policy) ModelClientOption {
	return func(m *ModelClient) { m.policy = WithModelClassification(p) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ModelClientOption {
	return func(m *ModelClient) { m.logger = logger }
}

// NewModelClient wraps client.
func NewModelClient(client *Client, opts ...ModelClientOption) *ModelClient {
	m := &ModelClient{
		client: client,
		policy: DefaultRetryPolicy(),
		logger: slog.New(slog.DiscardHandler),
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Turn streams one assistant turn for req.
func (m *ModelClient) Turn(ctx context.Context, req Request, hooks TurnHooks) (*Response, error) {
	ctx, span := m.tracer.Start(ctx, "unifiedllm.turn", trace.WithAttributes(
		attribute.String("llm.model", req.Model),
		attribute.String("llm.provider", req.Provider),
		attribute.Int("llm.messages", len(req.Messages)),
		attribute.Int("llm.tools", len(req.Tools)),
	))
	defer span.End()

	policy := m.policy
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		m.logger.Warn("model call failed, retrying",
			"attempt", attempt, "delay", delay, "model", req.Model, "error", err)
		span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, delay, err)
		}
	}

	resp, err := retry.Do(ctx, policy, func(ctx context.Context) (*Response, error) {
		events, err := m.client.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		resp, err := Collect(ctx, events, hooks.OnDelta)
		if err != nil {
			return nil, err
		}
		if resp.Model == "" {
			resp.Model = req.Model
		}
		if resp.Provider == "" {
			resp.Provider = req.Provider
		}
		return resp, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			err = &AbortError{SDKError: SDKError{Message: "model turn cancelled", Cause: ctx.Err()}}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("llm.finish_reason", resp.FinishReason.Reason),
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
	)
	return resp, nil
}
