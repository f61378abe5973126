package agentloop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/autopilot/unifiedllm"
)

// ClientModel is a Model backed by a unifiedllm.Client.
type ClientModel struct {
	client   *unifiedllm.Client
	model    string
	provider string
}

// NewClientModel returns a Model that sends every turn to model through
// client. An empty provider uses the client's default.
func NewClientModel(client *unifiedllm.Client, model, provider string) *ClientModel {
	return &ClientModel{client: client, model: model, provider: provider}
}

// Ready reports whether the client can route requests to the provider.
func (m *ClientModel) Ready() error {
	return m.client.Ready(m.provider)
}

// Generate implements Model.
func (m *ClientModel) Generate(ctx context.Context, prompt PromptContext, tools []ToolDefinition) (*ModelResponse, error) {
	var messages []unifiedllm.Message
	if prompt.SystemPrompt != "" {
		messages = append(messages, unifiedllm.SystemMessage(prompt.SystemPrompt))
	}
	messages = append(messages, ConvertHistoryToMessages(prompt.History)...)
	messages = append(messages, unifiedllm.UserMessage(prompt.Render()))

	req := unifiedllm.Request{
		Model:     m.model,
		Provider:  m.provider,
		Messages:  messages,
		SessionID: prompt.SessionID,
		Turn:      prompt.Turn,
	}
	if len(tools) > 0 {
		req.Tools = make([]unifiedllm.ToolDefinition, len(tools))
		for i, td := range tools {
			req.Tools[i] = unifiedllm.ToolDefinition{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			}
		}
		req.ToolChoice = unifiedllm.ToolChoiceAuto
	}

	resp, err := m.client.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return convertResponse(resp)
}

func convertResponse(resp *unifiedllm.Response) (*ModelResponse, error) {
	out := &ModelResponse{StopReason: convertFinishReason(resp.FinishReason)}
	for _, part := range resp.Message.Content {
		switch part.Kind {
		case unifiedllm.ContentText:
			if part.Text != "" {
				out.Parts = append(out.Parts, ResponsePart{Text: part.Text})
			}
		case unifiedllm.ContentToolCall:
			if part.ToolCall == nil {
				continue
			}
			params, err := ParseParams(part.ToolCall.Arguments)
			if err != nil {
				return nil, fmt.Errorf("tool call %s: %w", part.ToolCall.Name, err)
			}
			out.Parts = append(out.Parts, ResponsePart{ToolCall: &ToolCallPart{
				ID:     part.ToolCall.ID,
				Name:   part.ToolCall.Name,
				Params: params,
			}})
		}
	}
	return out, nil
}

func convertFinishReason(reason unifiedllm.FinishReason) StopReason {
	switch reason {
	case unifiedllm.FinishStop:
		return StopEndTurn
	case unifiedllm.FinishToolCalls:
		return StopToolUse
	case unifiedllm.FinishLength:
		return StopMaxTokens
	}
	return StopNone
}

// ConvertHistoryToMessages converts session history into LLM messages.
// Consecutive model entries are merged into one assistant message so tool
// calls sit alongside the text that introduced them.
func ConvertHistoryToMessages(history []Message) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, msg := range history {
		for _, part := range msg.Parts {
			switch part.Kind {
			case PartText:
				if msg.Role == RoleModel {
					messages = appendAssistant(messages, unifiedllm.TextPart(part.Text))
				} else {
					messages = append(messages, unifiedllm.UserMessage(part.Text))
				}
			case PartToolCall:
				if part.ToolCall == nil {
					continue
				}
				args, err := json.Marshal(part.ToolCall.Params)
				if err != nil {
					args = []byte("{}")
				}
				messages = appendAssistant(messages,
					unifiedllm.ToolCallPart(part.ToolCall.ID, part.ToolCall.Name, args))
			case PartToolResult:
				if part.ToolResult == nil {
					continue
				}
				r := part.ToolResult
				content := r.Error
				if r.Success {
					content = formatResult(r.Result)
				}
				messages = append(messages, unifiedllm.ToolResultMessage(r.ID, content, !r.Success))
			}
		}
	}
	return messages
}

func appendAssistant(messages []unifiedllm.Message, part unifiedllm.ContentPart) []unifiedllm.Message {
	if n := len(messages); n > 0 && messages[n-1].Role == unifiedllm.RoleAssistant {
		messages[n-1].Content = append(messages[n-1].Content, part)
		return messages
	}
	return append(messages, unifiedllm.Message{
		Role:    unifiedllm.RoleAssistant,
		Content: []unifiedllm.ContentPart{part},
	})
}
