package agentloop

import (
	"fmt"
	"strings"
)

// TurnSummary is what a ContinuationPolicy sees of a finished turn.
type TurnSummary struct {
	Turn       int
	Text       string
	Requests   []ToolCallRequest
	Responses  []ToolCallResponse
	StopReason StopReason
}

// ContinuationPolicy decides whether a session runs another turn and what
// to tell the model when it does.
type ContinuationPolicy interface {
	ShouldContinue(summary TurnSummary) bool
	NextMessage(goal string, summary TurnSummary) string
}

// DefaultContinuationPolicy continues while the model uses tools and stops
// once it signals the end of its turn. Text-only turns without a stop
// signal continue, bounded by the session's turn limit, unless the text
// contains one of CompletionPhrases.
type DefaultContinuationPolicy struct {
	// CompletionPhrases are matched case-insensitively against the turn's
	// text. Empty by default.
	CompletionPhrases []string `mapstructure:"completion_phrases"`

	// MaxResultChars bounds each tool result folded into the next message
	// for tools without a per-tool limit.
	MaxResultChars int `mapstructure:"max_result_chars"`
}

// ShouldContinue implements ContinuationPolicy. An explicit end of turn
// wins over tool calls made in the same turn.
func (p DefaultContinuationPolicy) ShouldContinue(s TurnSummary) bool {
	if s.StopReason == StopEndTurn {
		return false
	}
	if len(s.Requests) > 0 {
		return true
	}
	if len(p.CompletionPhrases) > 0 {
		text := strings.ToLower(s.Text)
		for _, phrase := range p.CompletionPhrases {
			if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
				return false
			}
		}
	}
	return true
}

// NextMessage implements ContinuationPolicy. It lists each tool outcome,
// marked succeeded or failed, then restates the goal.
func (p DefaultContinuationPolicy) NextMessage(goal string, s TurnSummary) string {
	var sb strings.Builder
	if len(s.Responses) > 0 {
		sb.WriteString("Tool results:\n")
		for _, resp := range s.Responses {
			if resp.Success {
				out := TruncateToolOutput(formatResult(resp.Result), resp.Name, p.MaxResultChars, nil, nil)
				fmt.Fprintf(&sb, "- %s [%s] succeeded:\n%s\n", resp.Name, resp.ID, out)
			} else {
				fmt.Fprintf(&sb, "- %s [%s] failed: %s\n", resp.Name, resp.ID, resp.Error)
			}
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Original goal: %s\n", goal)
	sb.WriteString("Continue working toward the goal. When it is complete, reply with a short summary and stop.")
	return sb.String()
}
