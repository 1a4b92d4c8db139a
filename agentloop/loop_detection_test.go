package agentloop

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/martinemde/warden/thread"
)

func callTurn(taskID string, calls ...thread.ToolCall) thread.Message {
	return thread.Message{Role: thread.RoleAssistant, TaskID: taskID, ToolCalls: calls}
}

func tc(name, args string) thread.ToolCall {
	return thread.ToolCall{ID: name, Name: name, Arguments: json.RawMessage(args)}
}

func TestDetectLoop(t *testing.T) {
	read := tc("read_file", `{"path":"a"}`)
	readB := tc("read_file", `{"path":"b"}`)
	shell := tc("shell", `{"command":"ls"}`)

	repeat := func(n int, calls ...thread.ToolCall) []thread.Message {
		var msgs []thread.Message
		for range n {
			for _, c := range calls {
				msgs = append(msgs, callTurn("t1", c), thread.Message{Role: thread.RoleTool, TaskID: "t1"})
			}
		}
		return msgs
	}

	tests := []struct {
		name   string
		msgs   []thread.Message
		window int
		want   bool
	}{
		{"same call repeated", repeat(4, read), 4, true},
		{"alternating pair", repeat(3, read, shell), 6, true},
		{"triple cycle", repeat(2, read, readB, shell), 6, true},
		{"different arguments", append(repeat(3, read), callTurn("t1", readB)), 4, false},
		{"not enough calls", repeat(2, read), 4, false},
		{"disabled", repeat(10, read), 0, false},
		{"other task ignored", append(repeat(3, read), callTurn("t0", shell)), 4, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectLoop(tt.msgs, "t1", tt.window))
		})
	}
}

func TestCallSignatureDependsOnArguments(t *testing.T) {
	assert.Equal(t, callSignature(tc("x", `{"a":1}`)), callSignature(tc("x", `{"a":1}`)))
	assert.NotEqual(t, callSignature(tc("x", `{"a":1}`)), callSignature(tc("x", `{"a":2}`)))
	assert.NotEqual(t, callSignature(tc("x", `{}`)), callSignature(tc("y", `{}`)))
}
