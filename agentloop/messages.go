package agentloop

import (
	"github.com/martinemde/warden/dispatch"
	"github.com/martinemde/warden/thread"
	"github.com/martinemde/warden/unifiedllm"
)

// toLLMMessages converts a thread view into model messages.
func toLLMMessages(msgs []thread.Message) []unifiedllm.Message {
	out := make([]unifiedllm.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case thread.RoleSystem:
			out = append(out, unifiedllm.SystemMessage(m.Content))
		case thread.RoleUser:
			out = append(out, unifiedllm.UserMessage(m.Content))
		case thread.RoleAssistant:
			msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
			if m.Content != "" || len(m.ToolCalls) == 0 {
				msg.Content = append(msg.Content, unifiedllm.TextPart(m.Content))
			}
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			out = append(out, msg)
		case thread.RoleTool:
			isError := m.Status != "" && m.Status != string(dispatch.StatusSucceeded)
			out = append(out, unifiedllm.ToolResultMessage(m.ToolCallID, m.Content, isError))
		}
	}
	return out
}

// assistantMessage builds the thread entry for a complete model turn.
func assistantMessage(resp *unifiedllm.Response, taskID string, stepID int) thread.Message {
	msg := thread.Message{
		Role:    thread.RoleAssistant,
		Content: resp.Text(),
		TaskID:  taskID,
		StepID:  stepID,
	}
	for _, tc := range resp.ToolCalls() {
		msg.ToolCalls = append(msg.ToolCalls, thread.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return msg
}

// toolMessage builds the thread entry for one tool result.
func toolMessage(res dispatch.Result, taskID string, stepID int) thread.Message {
	return thread.Message{
		Role:         thread.RoleTool,
		Content:      res.Content(),
		TaskID:       taskID,
		StepID:       stepID,
		ToolCallID:   res.CallID,
		ToolName:     res.Tool,
		Status:       string(res.Status),
		ArtifactRefs: res.ArtifactRefs,
	}
}

func toolDefinitions(defs []dispatch.Definition) []unifiedllm.ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, def := range defs {
		out[i] = unifiedllm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
	}
	return out
}

func dispatchCalls(calls []thread.ToolCall) []dispatch.Call {
	out := make([]dispatch.Call, len(calls))
	for i, tc := range calls {
		out[i] = dispatch.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	}
	return out
}
