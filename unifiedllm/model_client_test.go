package unifiedllm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/martinemde/warden/retry"
)

// flakyAdapter serves one scripted attempt per Stream call.
type flakyAdapter struct {
	mu       sync.Mutex
	attempts []func() (<-chan StreamEvent, error)
	calls    int
}

func (f *flakyAdapter) Name() string { return "flaky" }

func (f *flakyAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	return nil, errors.New("not used")
}

func (f *flakyAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i >= len(f.attempts) {
		i = len(f.attempts) - 1
	}
	return f.attempts[i]()
}

func fails(err error) func() (<-chan StreamEvent, error) {
	return func() (<-chan StreamEvent, error) { return nil, err }
}

func streams(events ...StreamEvent) func() (<-chan StreamEvent, error) {
	return func() (<-chan StreamEvent, error) { return feed(events...), nil }
}

func instantPolicy(attempts int) retry.Policy {
	p := retry.Default()
	p.MaxAttempts = attempts
	p.Jitter = false
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func newTestModelClient(adapter ProviderAdapter, attempts int) *ModelClient {
	return NewModelClient(NewClient(WithProvider("flaky", adapter)), WithRetryPolicy(instantPolicy(attempts)))
}

func TestTurnRetriesTransientFailure(t *testing.T) {
	adapter := &flakyAdapter{attempts: []func() (<-chan StreamEvent, error){
		fails(&ServerError{}),
		streams(StreamEvent{Type: TextDelta, Delta: "ok"}, finish(FinishStop)),
	}}
	var retries []int
	resp, err := newTestModelClient(adapter, 3).Turn(context.Background(), Request{Model: "m"}, TurnHooks{
		OnRetry: func(attempt int, delay time.Duration, err error) { retries = append(retries, attempt) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "ok" {
		t.Errorf("unexpected text %q", resp.Text())
	}
	if resp.Provider != "flaky" || resp.Model != "m" {
		t.Errorf("provider/model not filled in: %q/%q", resp.Provider, resp.Model)
	}
	if len(retries) != 1 || retries[0] != 1 {
		t.Errorf("expected one retry after attempt 1, got %v", retries)
	}
}

func TestTurnRetriesDroppedStream(t *testing.T) {
	adapter := &flakyAdapter{attempts: []func() (<-chan StreamEvent, error){
		streams(StreamEvent{Type: TextDelta, Delta: "part"}),
		streams(StreamEvent{Type: TextDelta, Delta: "whole"}, finish(FinishStop)),
	}}
	var deltas []string
	resp, err := newTestModelClient(adapter, 3).Turn(context.Background(), Request{}, TurnHooks{
		OnDelta: func(s string) { deltas = append(deltas, s) },
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "whole" {
		t.Errorf("partial output leaked into response: %q", resp.Text())
	}
	if len(deltas) != 2 {
		t.Errorf("expected deltas from both attempts, got %v", deltas)
	}
}

func TestTurnGuardrailIsFinal(t *testing.T) {
	adapter := &flakyAdapter{attempts: []func() (<-chan StreamEvent, error){
		fails(&GuardrailError{}),
		streams(finish(FinishStop)),
	}}
	_, err := newTestModelClient(adapter, 3).Turn(context.Background(), Request{}, TurnHooks{})
	if !IsGuardrail(err) {
		t.Fatalf("expected guardrail error, got %v", err)
	}
	if adapter.calls != 1 {
		t.Errorf("guardrail errors must not be retried, got %d calls", adapter.calls)
	}
}

func TestTurnExhausted(t *testing.T) {
	adapter := &flakyAdapter{attempts: []func() (<-chan StreamEvent, error){
		fails(&NetworkError{}),
	}}
	_, err := newTestModelClient(adapter, 2).Turn(context.Background(), Request{}, TurnHooks{})
	if !IsConnectivity(err) {
		t.Fatalf("expected the last network error, got %v", err)
	}
	if adapter.calls != 2 {
		t.Errorf("expected 2 attempts, got %d", adapter.calls)
	}
}

func TestTurnCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	adapter := &flakyAdapter{attempts: []func() (<-chan StreamEvent, error){
		fails(&ServerError{}),
	}}
	_, err := newTestModelClient(adapter, 3).Turn(ctx, Request{}, TurnHooks{})
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %T %v", err, err)
	}
	if IsRetryable(err) {
		t.Error("aborted turns are not retryable")
	}
}
