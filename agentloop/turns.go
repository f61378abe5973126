package agentloop

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnActive    TurnStatus = "active"
	TurnCompleted TurnStatus = "completed"
	TurnError     TurnStatus = "error"
)

// Turn is one model round trip within a session and the tool calls it
// produced. Once Status leaves active it never changes again.
type Turn struct {
	Number    int                `json:"number"`
	Requests  []ToolCallRequest  `json:"requests"`
	Responses []ToolCallResponse `json:"responses"`
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Status    TurnStatus         `json:"status"`
	Err       string             `json:"error,omitempty"`
}

var errTurnClosed = errors.New("turn already closed")

// NewTurn starts turn number n.
func NewTurn(n int) *Turn {
	return &Turn{
		Number:    n,
		StartedAt: time.Now(),
		Status:    TurnActive,
	}
}

// AddRequest records a tool call issued during the turn.
func (t *Turn) AddRequest(req ToolCallRequest) error {
	if t.Status != TurnActive {
		return errTurnClosed
	}
	t.Requests = append(t.Requests, req)
	return nil
}

// AddResponse records the response to an earlier request of this turn.
// Responses never outnumber requests and each request gets at most one.
func (t *Turn) AddResponse(resp ToolCallResponse) error {
	if t.Status != TurnActive {
		return errTurnClosed
	}
	if len(t.Responses) >= len(t.Requests) {
		return fmt.Errorf("response %s has no outstanding request", resp.ID)
	}
	found := false
	for _, req := range t.Requests {
		if req.ID == resp.ID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("response %s does not match any request", resp.ID)
	}
	for _, prev := range t.Responses {
		if prev.ID == resp.ID {
			return fmt.Errorf("request %s already has a response", resp.ID)
		}
	}
	t.Responses = append(t.Responses, resp)
	return nil
}

// Complete marks the turn completed. It reports false if the turn had
// already ended.
func (t *Turn) Complete() bool {
	if t.Status != TurnActive {
		return false
	}
	t.Status = TurnCompleted
	t.EndedAt = time.Now()
	return true
}

// Fail marks the turn as errored. It reports false if the turn had already
// ended.
func (t *Turn) Fail(err error) bool {
	if t.Status != TurnActive {
		return false
	}
	t.Status = TurnError
	t.EndedAt = time.Now()
	if err != nil {
		t.Err = err.Error()
	}
	return true
}

// clone returns a deep copy safe to hand to other goroutines.
func (t *Turn) clone() Turn {
	c := *t
	c.Requests = append([]ToolCallRequest(nil), t.Requests...)
	c.Responses = append([]ToolCallResponse(nil), t.Responses...)
	return c
}

// MessageRole is the author of a history entry.
type MessageRole string

const (
	RoleUser  MessageRole = "user"
	RoleModel MessageRole = "model"
)

// PartKind discriminates message parts.
type PartKind string

const (
	PartText       PartKind = "text"
	PartToolCall   PartKind = "tool_call"
	PartToolResult PartKind = "tool_result"
)

// Part is one piece of a Message.
type Part struct {
	Kind       PartKind          `json:"kind"`
	Text       string            `json:"text,omitempty"`
	ToolCall   *ToolCallRequest  `json:"tool_call,omitempty"`
	ToolResult *ToolCallResponse `json:"tool_result,omitempty"`
}

// Message is a history entry. CorrelationID links a tool call message to
// its result message.
type Message struct {
	Role          MessageRole `json:"role"`
	Parts         []Part      `json:"parts"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id,omitempty"`
}

// NewUserMessage creates a user text message.
func NewUserMessage(text string) Message {
	return Message{
		Role:      RoleUser,
		Parts:     []Part{{Kind: PartText, Text: text}},
		Timestamp: time.Now(),
	}
}

// NewModelMessage creates a model text message.
func NewModelMessage(text string) Message {
	return Message{
		Role:      RoleModel,
		Parts:     []Part{{Kind: PartText, Text: text}},
		Timestamp: time.Now(),
	}
}

// NewToolCallMessage records a model-issued tool call.
func NewToolCallMessage(req ToolCallRequest) Message {
	return Message{
		Role:          RoleModel,
		Parts:         []Part{{Kind: PartToolCall, ToolCall: &req}},
		Timestamp:     time.Now(),
		CorrelationID: req.ID,
	}
}

// NewToolResultMessage records a tool call's outcome.
func NewToolResultMessage(resp ToolCallResponse) Message {
	return Message{
		Role:          RoleUser,
		Parts:         []Part{{Kind: PartToolResult, ToolResult: &resp}},
		Timestamp:     time.Now(),
		CorrelationID: resp.ID,
	}
}

// TextContent concatenates the message's text parts.
func (m Message) TextContent() string {
	var parts []string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "")
}

// History is an append-only message log pruned to a maximum length,
// oldest first. It is owned by one session and not safe for concurrent use.
type History struct {
	messages []Message
	limit    int
}

// NewHistory returns a History holding at most limit messages. A limit of
// zero or less keeps everything.
func NewHistory(limit int) *History {
	return &History{limit: limit}
}

// Append adds messages and drops the oldest entries beyond the limit.
func (h *History) Append(msgs ...Message) {
	h.messages = append(h.messages, msgs...)
	if h.limit > 0 && len(h.messages) > h.limit {
		h.messages = append(h.messages[:0], h.messages[len(h.messages)-h.limit:]...)
	}
}

// Messages returns a copy of the retained messages.
func (h *History) Messages() []Message {
	return append([]Message(nil), h.messages...)
}

// Len returns the number of retained messages.
func (h *History) Len() int { return len(h.messages) }
