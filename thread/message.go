// Package thread holds the conversation thread of a session and the token
// accounting that bounds it.
package thread

import (
	"encoding/json"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a complete tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id" cbor:"id"`
	Name      string          `json:"name" cbor:"name"`
	Arguments json.RawMessage `json:"arguments" cbor:"arguments"`
}

// Message is one immutable entry of the thread.
type Message struct {
	ID        string    `json:"id" cbor:"id"`
	Role      Role      `json:"role" cbor:"role"`
	Content   string    `json:"content" cbor:"content"`
	Tokens    int       `json:"tokens" cbor:"tokens"`
	TaskID    string    `json:"task_id,omitempty" cbor:"task_id,omitempty"`
	StepID    int       `json:"step_id,omitempty" cbor:"step_id,omitempty"`
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`

	// Assistant turns.
	ToolCalls []ToolCall `json:"tool_calls,omitempty" cbor:"tool_calls,omitempty"`

	// Tool results.
	ToolCallID   string   `json:"tool_call_id,omitempty" cbor:"tool_call_id,omitempty"`
	ToolName     string   `json:"tool_name,omitempty" cbor:"tool_name,omitempty"`
	Status       string   `json:"status,omitempty" cbor:"status,omitempty"`
	ArtifactRefs []string `json:"artifact_refs,omitempty" cbor:"artifact_refs,omitempty"`

	// Marker is set on the synthetic message that stands in for truncated
	// history. Markers only appear in request views, never in the thread.
	Marker bool `json:"marker,omitempty" cbor:"marker,omitempty"`
}

// Usage is the token usage a model call reported.
type Usage struct {
	InputTokens  int `json:"input_tokens" cbor:"input_tokens"`
	OutputTokens int `json:"output_tokens" cbor:"output_tokens"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// messageOverhead approximates per-message framing tokens.
const messageOverhead = 4

func countMessage(c Counter, m Message) int {
	n := messageOverhead + c.Count(m.Content)
	for _, tc := range m.ToolCalls {
		n += c.Count(tc.Name) + c.Count(string(tc.Arguments))
	}
	return n
}
