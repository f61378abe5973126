package agentloop

import (
	"encoding/json"
	"fmt"
	"strings"
)

// TruncationMode specifies how output is truncated.
type TruncationMode string

const (
	TruncateHeadTail TruncationMode = "head_tail"
	TruncateTail     TruncationMode = "tail"
)

// DefaultResultCharLimits bounds how much of a tool result is folded back
// into the next model message, per tool.
var DefaultResultCharLimits = map[string]int{
	"read_file":      8000,
	"run_command":    6000,
	"glob":           4000,
	"list_directory": 4000,
	"write_file":     1000,
}

// DefaultTruncationModes picks the truncation mode per tool.
var DefaultTruncationModes = map[string]TruncationMode{
	"read_file":      TruncateHeadTail,
	"run_command":    TruncateHeadTail,
	"glob":           TruncateTail,
	"list_directory": TruncateTail,
	"write_file":     TruncateTail,
}

// DefaultResultLineLimits are applied after character truncation.
var DefaultResultLineLimits = map[string]int{
	"run_command":    256,
	"glob":           500,
	"list_directory": 500,
}

const defaultResultCharLimit = 4000

// TruncateOutput applies character-based truncation to output. Lengths
// are counted in runes.
func TruncateOutput(output string, maxChars int, mode TruncationMode) string {
	runes := []rune(output)
	if maxChars <= 0 || len(runes) <= maxChars {
		return output
	}
	removed := len(runes) - maxChars

	if mode == TruncateTail {
		return fmt.Sprintf("[WARNING: Tool output was truncated. First %d characters were removed. "+
			"The full result is available in the event stream.]\n\n", removed) +
			string(runes[len(runes)-maxChars:])
	}

	half := maxChars / 2
	return string(runes[:half]) +
		fmt.Sprintf("\n\n[WARNING: Tool output was truncated. %d characters were removed from the middle. "+
			"The full result is available in the event stream. "+
			"If you need specific parts, call the tool again with narrower parameters.]\n\n", removed) +
		string(runes[len(runes)-(maxChars-half):])
}

// TruncateLines applies line-based truncation using head/tail split.
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

// TruncateToolOutput applies the character limit, then the line limit, for
// toolName. charLimits and lineLimits override the defaults when they name
// the tool; a maxChars above zero overrides the fallback for unknown tools.
func TruncateToolOutput(output, toolName string, maxChars int, charLimits, lineLimits map[string]int) string {
	limit, ok := charLimits[toolName]
	if !ok {
		limit, ok = DefaultResultCharLimits[toolName]
	}
	if !ok {
		limit = maxChars
		if limit <= 0 {
			limit = defaultResultCharLimit
		}
	}

	mode, ok := DefaultTruncationModes[toolName]
	if !ok {
		mode = TruncateHeadTail
	}
	result := TruncateOutput(output, limit, mode)

	lines, ok := lineLimits[toolName]
	if !ok {
		lines = DefaultResultLineLimits[toolName]
	}
	return TruncateLines(result, lines)
}

// formatResult renders a tool result payload as text.
func formatResult(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
