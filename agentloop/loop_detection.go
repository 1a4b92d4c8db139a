package agentloop

import (
	"encoding/hex"

	"github.com/zeebo/blake3"

	"github.com/martinemde/warden/thread"
)

const loopSteering = "You appear to be repeating the same tool calls without making progress. " +
	"Stop, review the results you already have, and try a different approach."

// callSignature identifies a tool call by name and argument digest.
func callSignature(tc thread.ToolCall) string {
	sum := blake3.Sum256(tc.Arguments)
	return tc.Name + ":" + hex.EncodeToString(sum[:8])
}

// recentSignatures returns up to count signatures of the most recent tool
// calls of taskID, oldest first.
func recentSignatures(msgs []thread.Message, taskID string, count int) []string {
	var sigs []string
	for i := len(msgs) - 1; i >= 0 && len(sigs) < count; i-- {
		m := msgs[i]
		if m.Role != thread.RoleAssistant || m.TaskID != taskID {
			continue
		}
		for j := len(m.ToolCalls) - 1; j >= 0 && len(sigs) < count; j-- {
			sigs = append(sigs, callSignature(m.ToolCalls[j]))
		}
	}
	for i, j := 0, len(sigs)-1; i < j; i, j = i+1, j-1 {
		sigs[i], sigs[j] = sigs[j], sigs[i]
	}
	return sigs
}

// detectLoop reports whether the last window tool calls of taskID repeat a
// pattern of length 1, 2 or 3.
func detectLoop(msgs []thread.Message, taskID string, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentSignatures(msgs, taskID, window)
	if len(sigs) < window {
		return false
	}
	for size := 1; size <= 3; size++ {
		if window%size != 0 || window == size {
			continue
		}
		repeats := true
		for i := size; i < window && repeats; i++ {
			repeats = sigs[i] == sigs[i%size]
		}
		if repeats {
			return true
		}
	}
	return false
}
