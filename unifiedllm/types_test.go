package unifiedllm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageConstructors(t *testing.T) {
	tests := []struct {
		msg  Message
		role Role
		text string
	}{
		{SystemMessage("You are careful."), RoleSystem, "You are careful."},
		{UserMessage("fix the test"), RoleUser, "fix the test"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.role, tt.msg.Role)
		assert.Equal(t, tt.text, tt.msg.TextContent())
	}

	res := ToolResultMessage("call-7", "permission denied", true)
	assert.Equal(t, RoleTool, res.Role)
	assert.Equal(t, "call-7", res.ToolCallID)
	require.Len(t, res.Content, 1)
	assert.Equal(t, ContentToolResult, res.Content[0].Kind)
	assert.Equal(t, &ToolResultData{ToolCallID: "call-7", Content: "permission denied", IsError: true}, res.Content[0].ToolResult)
	assert.Empty(t, res.TextContent(), "tool results carry no text parts")
}

func TestMixedContent(t *testing.T) {
	resp := Response{Message: Message{
		Role: RoleAssistant,
		Content: []ContentPart{
			TextPart("Reading "),
			ToolCallPart("c1", "read_file", json.RawMessage(`{"path":"go.mod"}`)),
			TextPart("both files."),
			ToolCallPart("c2", "read_file", json.RawMessage(`{"path":"go.sum"}`)),
			{Kind: ContentToolCall},
		},
	}}

	assert.Equal(t, "Reading both files.", resp.Text())
	calls := resp.ToolCalls()
	require.Len(t, calls, 2, "parts without call data are skipped")
	assert.Equal(t, "c1", calls[0].ID)
	assert.JSONEq(t, `{"path":"go.sum"}`, string(calls[1].Arguments))
}
