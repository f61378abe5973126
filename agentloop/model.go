package agentloop

import "context"

// StopReason says why the model ended its response.
type StopReason string

const (
	// StopEndTurn means the model considers the task finished.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model is waiting on tool results.
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopNone      StopReason = ""
)

// ToolCallPart is a structured tool invocation requested by the model. ID
// may be empty; the session assigns one.
type ToolCallPart struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Params Params `json:"params"`
}

// ResponsePart is either text or a tool call, never both.
type ResponsePart struct {
	Text     string        `json:"text,omitempty"`
	ToolCall *ToolCallPart `json:"tool_call,omitempty"`
}

// ModelResponse is one generation. Parts keep the model's ordering.
type ModelResponse struct {
	Parts      []ResponsePart `json:"parts"`
	StopReason StopReason     `json:"stop_reason"`
}

// TextParts returns the text parts in order.
func (r *ModelResponse) TextParts() []string {
	var out []string
	for _, p := range r.Parts {
		if p.ToolCall == nil && p.Text != "" {
			out = append(out, p.Text)
		}
	}
	return out
}

// ToolCallParts returns the tool call parts in order.
func (r *ModelResponse) ToolCallParts() []ToolCallPart {
	var out []ToolCallPart
	for _, p := range r.Parts {
		if p.ToolCall != nil {
			out = append(out, *p.ToolCall)
		}
	}
	return out
}

// Model generates the next response for a session. Generate must return
// promptly once ctx is done.
type Model interface {
	Generate(ctx context.Context, prompt PromptContext, tools []ToolDefinition) (*ModelResponse, error)
}

// Readier is implemented by models that can report misconfiguration before
// a session starts.
type Readier interface {
	Ready() error
}

// ModelFunc adapts a function into a Model.
type ModelFunc func(ctx context.Context, prompt PromptContext, tools []ToolDefinition) (*ModelResponse, error)

func (f ModelFunc) Generate(ctx context.Context, prompt PromptContext, tools []ToolDefinition) (*ModelResponse, error) {
	return f(ctx, prompt, tools)
}
