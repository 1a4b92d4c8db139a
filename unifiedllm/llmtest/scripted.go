// Package llmtest provides a deterministic provider adapter for engine tests.
package llmtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/martinemde/warden/unifiedllm"
)

// Turn configures one streamed model turn in a scripted sequence.
type Turn struct {
	Text      string
	ToolCalls []unifiedllm.ToolCallData
	// Finish defaults to tool_calls when ToolCalls is set and stop otherwise.
	Finish string
	Usage  unifiedllm.Usage

	// Err fails the Stream call itself.
	Err error
	// Drop closes the stream after the text without a finish event.
	Drop bool
	// Block holds the stream open until the request context ends.
	Block bool
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args any) unifiedllm.ToolCallData {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return unifiedllm.ToolCallData{ID: id, Name: name, Arguments: raw}
}

// Text is a plain text turn that ends the task.
func Text(text string) Turn {
	return Turn{Text: text}
}

// Tools is a turn that requests the given tool calls.
func Tools(calls ...unifiedllm.ToolCallData) Turn {
	return Turn{ToolCalls: calls}
}

// Scripted is a unifiedllm.ProviderAdapter that replays turns in order.
type Scripted struct {
	name string

	mu       sync.Mutex
	index    int
	turns    []Turn
	requests []unifiedllm.Request
}

var _ unifiedllm.ProviderAdapter = (*Scripted)(nil)

// New returns a Scripted adapter registered under name.
func New(name string, turns ...Turn) *Scripted {
	cloned := make([]Turn, len(turns))
	copy(cloned, turns)
	return &Scripted{name: name, turns: cloned}
}

// Append adds more turns to the script.
func (s *Scripted) Append(turns ...Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turns...)
}

// Requests returns the requests received so far.
func (s *Scripted) Requests() []unifiedllm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]unifiedllm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Calls returns how many turns have been served.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

func (s *Scripted) Name() string { return s.name }

func (s *Scripted) next(req unifiedllm.Request) (Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.index >= len(s.turns) {
		return Turn{}, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("script exhausted at turn %d", s.index+1)},
			Provider: s.name,
		}}
	}
	t := s.turns[s.index]
	s.index++
	return t, nil
}

// Complete collects the next scripted turn.
func (s *Scripted) Complete(ctx context.Context, req unifiedllm.Request) (*unifiedllm.Response, error) {
	events, err := s.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return unifiedllm.Collect(ctx, events, nil)
}

// Stream replays the next scripted turn as stream events.
func (s *Scripted) Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error) {
	t, err := s.next(req)
	if err != nil {
		return nil, err
	}
	if t.Err != nil {
		return nil, t.Err
	}

	ch := make(chan unifiedllm.StreamEvent, 8+3*len(t.ToolCalls))
	go func() {
		defer close(ch)
		emit := func(ev unifiedllm.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(unifiedllm.StreamEvent{Type: unifiedllm.StreamStart, ResponseID: fmt.Sprintf("%s-%d", s.name, s.Calls()), Model: req.Model}) {
			return
		}
		if t.Text != "" && !emit(unifiedllm.StreamEvent{Type: unifiedllm.TextDelta, Delta: t.Text}) {
			return
		}
		if t.Block {
			<-ctx.Done()
			return
		}
		if t.Drop {
			return
		}
		for i, tc := range t.ToolCalls {
			if !emit(unifiedllm.StreamEvent{Type: unifiedllm.ToolCallStart, ToolIndex: i, ToolCallID: tc.ID, ToolName: tc.Name}) ||
				!emit(unifiedllm.StreamEvent{Type: unifiedllm.ToolCallDelta, ToolIndex: i, Delta: string(tc.Arguments)}) ||
				!emit(unifiedllm.StreamEvent{Type: unifiedllm.ToolCallEnd, ToolIndex: i}) {
				return
			}
		}

		finish := t.Finish
		if finish == "" {
			finish = unifiedllm.FinishStop
			if len(t.ToolCalls) > 0 {
				finish = unifiedllm.FinishToolCalls
			}
		}
		usage := t.Usage
		if usage.InputTokens == 0 && usage.OutputTokens == 0 {
			usage = unifiedllm.Usage{InputTokens: 10, OutputTokens: 5}
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		emit(unifiedllm.StreamEvent{Type: unifiedllm.StreamFinish, FinishReason: &unifiedllm.FinishReason{Reason: finish}, Usage: &usage})
	}()
	return ch, nil
}
