package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func feed(events ...StreamEvent) <-chan StreamEvent {
	ch := make(chan StreamEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func finish(reason string) StreamEvent {
	return StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: reason}}
}

func TestCollectText(t *testing.T) {
	var deltas []string
	resp, err := Collect(context.Background(), feed(
		StreamEvent{Type: StreamStart, ResponseID: "r1", Model: "m"},
		StreamEvent{Type: TextDelta, Delta: "Hel"},
		StreamEvent{Type: TextDelta, Delta: "lo"},
		StreamEvent{Type: StreamFinish, FinishReason: &FinishReason{Reason: FinishStop}, Usage: &Usage{InputTokens: 3, OutputTokens: 2}},
	), func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello" || resp.ID != "r1" || resp.Model != "m" {
		t.Errorf("unexpected response %+v", resp)
	}
	if len(deltas) != 2 {
		t.Errorf("expected 2 deltas, got %v", deltas)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("expected total to be filled in, got %d", resp.Usage.TotalTokens)
	}
}

func TestCollectToolCallFragments(t *testing.T) {
	resp, err := Collect(context.Background(), feed(
		StreamEvent{Type: ToolCallStart, ToolIndex: 1, ToolCallID: "b", ToolName: "second"},
		StreamEvent{Type: ToolCallStart, ToolIndex: 0, ToolCallID: "a", ToolName: "first"},
		StreamEvent{Type: ToolCallDelta, ToolIndex: 0, Delta: `{"path":`},
		StreamEvent{Type: ToolCallDelta, ToolIndex: 1, Delta: `{}`},
		StreamEvent{Type: ToolCallDelta, ToolIndex: 0, Delta: `"a.go"}`},
		StreamEvent{Type: ToolCallEnd, ToolIndex: 0},
		StreamEvent{Type: ToolCallEnd, ToolIndex: 1},
		StreamEvent{Type: StreamFinish},
	), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := resp.ToolCalls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "first" || calls[1].Name != "second" {
		t.Errorf("calls not ordered by index: %+v", calls)
	}
	var args map[string]string
	if err := json.Unmarshal(calls[0].Arguments, &args); err != nil || args["path"] != "a.go" {
		t.Errorf("unexpected arguments %s", calls[0].Arguments)
	}
	if resp.FinishReason.Reason != FinishToolCalls {
		t.Errorf("expected inferred tool_calls finish, got %q", resp.FinishReason.Reason)
	}
}

func TestCollectRepairsArguments(t *testing.T) {
	resp, err := Collect(context.Background(), feed(
		StreamEvent{Type: ToolCallStart, ToolName: "shell"},
		StreamEvent{Type: ToolCallDelta, Delta: `{"command": "ls",}`},
		finish(FinishToolCalls),
	), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	call := resp.ToolCalls()[0]
	if !json.Valid(call.Arguments) {
		t.Errorf("arguments not repaired: %s", call.Arguments)
	}
	if call.ID == "" {
		t.Error("missing id should be generated")
	}
}

func TestCollectNamelessToolCall(t *testing.T) {
	_, err := Collect(context.Background(), feed(
		StreamEvent{Type: ToolCallDelta, Delta: `{}`},
		finish(FinishToolCalls),
	), nil)
	var bad *InvalidToolCallError
	if !errors.As(err, &bad) {
		t.Fatalf("expected InvalidToolCallError, got %v", err)
	}
}

func TestCollectInterrupted(t *testing.T) {
	_, err := Collect(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "partial"},
	), nil)
	var interrupted *StreamInterruptedError
	if !errors.As(err, &interrupted) {
		t.Fatalf("expected StreamInterruptedError, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("an interrupted stream should be retryable")
	}
}

func TestCollectStreamError(t *testing.T) {
	boom := &ServerError{}
	_, err := Collect(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "x"},
		StreamEvent{Type: StreamError, Error: boom},
	), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected stream error to surface, got %v", err)
	}
}

func TestCollectContentFilter(t *testing.T) {
	_, err := Collect(context.Background(), feed(
		StreamEvent{Type: TextDelta, Delta: "x"},
		finish(FinishContentFilter),
	), nil)
	if !IsGuardrail(err) {
		t.Fatalf("expected guardrail error, got %v", err)
	}
}

func TestCollectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events := make(chan StreamEvent)
	defer close(events)

	_, err := Collect(ctx, events, nil)
	var abort *AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("expected AbortError, got %v", err)
	}
}
