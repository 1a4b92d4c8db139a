package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
)

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Collect drains a provider stream into one complete Response. onDelta, if
// non-nil, receives text deltas as they arrive. Tool call fragments are
// assembled by index and only become visible in the returned Response, so a
// caller never observes a partial tool call. A stream that closes without a
// finish event yields a StreamInterruptedError.
func Collect(ctx context.Context, events <-chan StreamEvent, onDelta func(string)) (*Response, error) {
	var (
		text  strings.Builder
		calls = map[int]*partialCall{}
		resp  = &Response{Message: Message{Role: RoleAssistant}}
	)

	for {
		var (
			ev StreamEvent
			ok bool
		)
		select {
		case <-ctx.Done():
			go drain(events)
			return nil, &AbortError{SDKError: SDKError{Message: "model stream cancelled", Cause: ctx.Err()}}
		case ev, ok = <-events:
		}
		if !ok {
			return nil, &StreamInterruptedError{SDKError: SDKError{Message: "stream closed before finish"}}
		}

		switch ev.Type {
		case StreamStart:
			resp.ID = ev.ResponseID
			resp.Model = ev.Model
		case TextDelta:
			text.WriteString(ev.Delta)
			if onDelta != nil && ev.Delta != "" {
				onDelta(ev.Delta)
			}
		case ToolCallStart, ToolCallDelta, ToolCallEnd:
			pc := calls[ev.ToolIndex]
			if pc == nil {
				pc = &partialCall{}
				calls[ev.ToolIndex] = pc
			}
			if ev.ToolCallID != "" {
				pc.id = ev.ToolCallID
			}
			if ev.ToolName != "" {
				pc.name = ev.ToolName
			}
			if ev.Type == ToolCallDelta {
				pc.args.WriteString(ev.Delta)
			}
		case StreamError:
			go drain(events)
			if ev.Error != nil {
				return nil, ev.Error
			}
			return nil, &StreamInterruptedError{SDKError: SDKError{Message: "stream reported an error"}}
		case StreamFinish:
			go drain(events)
			if ev.FinishReason != nil {
				resp.FinishReason = *ev.FinishReason
			}
			if ev.Usage != nil {
				resp.Usage = *ev.Usage
			}
			if ev.ResponseID != "" {
				resp.ID = ev.ResponseID
			}
			if ev.Model != "" {
				resp.Model = ev.Model
			}
			return finishResponse(resp, text.String(), calls)
		}
	}
}

func finishResponse(resp *Response, text string, calls map[int]*partialCall) (*Response, error) {
	if text != "" {
		resp.Message.Content = append(resp.Message.Content, TextPart(text))
	}

	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	for _, i := range indexes {
		pc := calls[i]
		if pc.name == "" {
			return nil, &InvalidToolCallError{SDKError: SDKError{Message: fmt.Sprintf("tool call %d has no name", i)}}
		}
		args, err := completeArguments(pc.args.String())
		if err != nil {
			return nil, &InvalidToolCallError{SDKError: SDKError{
				Message: fmt.Sprintf("tool call %s has malformed arguments", pc.name),
				Cause:   err,
			}}
		}
		id := pc.id
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		resp.Message.Content = append(resp.Message.Content, ToolCallPart(id, pc.name, args))
	}

	switch resp.FinishReason.Reason {
	case "":
		resp.FinishReason.Reason = FinishStop
		if len(indexes) > 0 {
			resp.FinishReason.Reason = FinishToolCalls
		}
	case FinishContentFilter:
		return nil, &GuardrailError{ProviderError: ProviderError{
			SDKError: SDKError{Message: "response blocked by content filter"},
			Provider: resp.Provider,
		}}
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}
	return resp, nil
}

// completeArguments turns accumulated argument fragments into valid JSON,
// repairing common model mistakes such as trailing commas or unclosed
// braces.
func completeArguments(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`), nil
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), nil
	}
	fixed, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(fixed)) {
		return nil, fmt.Errorf("repaired arguments are still invalid")
	}
	return json.RawMessage(fixed), nil
}

func drain(events <-chan StreamEvent) {
	for range events {
	}
}
