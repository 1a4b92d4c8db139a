package dispatch

import (
	"fmt"
	"strings"
)

// TruncationMode specifies how oversized output is cut.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultOutputLimit is the byte budget for tool output kept in the thread.
const DefaultOutputLimit = 30000

// truncationModes per tool category. Listings keep their tail; everything
// else keeps both ends.
var truncationModes = map[Category]TruncationMode{
	CategoryFile:    TruncateHeadTail,
	CategoryExec:    TruncateHeadTail,
	CategoryNetwork: TruncateHeadTail,
	CategoryOther:   TruncateTail,
}

// lineLimits are applied after the byte cut, for readability.
var lineLimits = map[Category]int{
	CategoryExec: 256,
}

// TruncateOutput cuts output to at most limit bytes of original text.
// ref, when set, names the artifact holding the full output.
func TruncateOutput(output string, limit int, mode TruncationMode, ref string) string {
	if limit <= 0 || len(output) <= limit {
		return output
	}

	where := "The full output was not retained."
	if ref != "" {
		where = "The full output is stored as artifact " + ref + "."
	}
	removed := len(output) - limit

	switch mode {
	case TruncateTail:
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d bytes were removed. %s]\n\n",
			removed, where) + output[len(output)-limit:]
	default:
		half := limit / 2
		return output[:half] +
			fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d bytes were removed from the middle. %s "+
				"If you need specific parts, re-run the tool with more targeted parameters.]\n\n",
				removed, where) +
			output[len(output)-(limit-half):]
	}
}

// TruncateLines keeps the first and last lines of output.
func TruncateLines(output string, maxLines int) string {
	lines := strings.Split(output, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return output
	}

	headCount := maxLines / 2
	tailCount := maxLines - headCount
	omitted := len(lines) - headCount - tailCount

	return strings.Join(lines[:headCount], "\n") +
		fmt.Sprintf("\n[... %d lines omitted ...]\n", omitted) +
		strings.Join(lines[len(lines)-tailCount:], "\n")
}

func truncateFor(category Category, output string, limit int, ref string) string {
	mode, ok := truncationModes[category]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, limit, mode, ref)
	if n := lineLimits[category]; n > 0 && len(output) > limit {
		result = TruncateLines(result, n)
	}
	return result
}
