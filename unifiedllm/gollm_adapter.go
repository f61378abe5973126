package unifiedllm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// An adapter is bound to one model; requests naming a different model are
// rejected rather than mutating the shared LLM.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string
}

// GollmAdapterOption configures NewGollmAdapter.
type GollmAdapterOption func(*adapterSettings)

type adapterSettings struct {
	model       string
	maxTokens   int
	temperature float64
	extra       []gollm.ConfigOption
}

// WithModel binds the adapter to model instead of the provider default.
func WithModel(model string) GollmAdapterOption {
	return func(s *adapterSettings) { s.model = model }
}

// WithMaxTokens caps completion length.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(s *adapterSettings) { s.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(s *adapterSettings) { s.temperature = t }
}

// WithGollmOptions passes raw options through to gollm.NewLLM.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(s *adapterSettings) { s.extra = append(s.extra, opts...) }
}

// DefaultModel returns the model used for provider when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "ollama":
		return "llama3.1"
	default:
		return "gpt-4o-mini"
	}
}

// NewGollmAdapter builds an adapter for provider. An empty apiKey leaves
// gollm to read the provider's usual environment variable.
func NewGollmAdapter(provider, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	set := adapterSettings{maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(&set)
	}
	if set.model == "" {
		set.model = DefaultModel(provider)
	}

	config := append([]gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(set.model),
		gollm.SetMaxTokens(set.maxTokens),
		gollm.SetTemperature(set.temperature),
		gollm.SetMaxRetries(0), // RetryMiddleware owns retries.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}, set.extra...)
	if apiKey != "" {
		config = append(config, gollm.SetAPIKey(apiKey))
	}

	llm, err := gollm.NewLLM(config...)
	if err != nil {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "gollm setup failed for " + provider,
			Cause:   err,
		}}
	}
	return NewGollmAdapterFromLLM(provider, set.model, llm), nil
}

// NewGollmAdapterFromLLM binds an existing LLM to provider and model.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm, model: model}
}

func (a *GollmAdapter) Name() string { return a.provider }

// Initialize reports whether the adapter has a usable LLM.
func (a *GollmAdapter) Initialize() error {
	if a.llm == nil {
		return fmt.Errorf("gollm adapter for %s has no LLM", a.provider)
	}
	return nil
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Model != "" && a.model != "" && req.Model != a.model {
		return nil, &InvalidRequestError{ProviderError: ProviderError{
			SDKError: SDKError{Message: fmt.Sprintf("adapter is bound to model %q, request asked for %q", a.model, req.Model)},
			Provider: a.provider,
		}}
	}

	prompt := a.translateRequest(req)
	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &AbortError{SDKError: SDKError{Message: "generation cancelled", Cause: ctx.Err()}}
		}
		return nil, a.translateError(err)
	}

	return a.buildResponse(req, text), nil
}

// flatten renders the conversation as gollm's single-prompt input. System
// messages are joined into the system prompt; the rest become a transcript.
func flatten(msgs []Message) (system, transcript string) {
	var sys, lines []string
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			sys = append(sys, msg.TextContent())
		case RoleUser:
			lines = append(lines, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				lines = append(lines, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				lines = append(lines, fmt.Sprintf("[Tool Call %s]: %s %s", tc.ID, tc.Name, tc.Arguments))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if r := part.ToolResult; r != nil {
					label := "[Tool Result %s]: "
					if r.IsError {
						label = "[Tool Error %s]: "
					}
					lines = append(lines, fmt.Sprintf(label, r.ToolCallID)+r.Content)
				}
			}
		}
	}
	return strings.TrimSpace(strings.Join(sys, "\n")), strings.Join(lines, "\n")
}

func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	system, text := flatten(req.Messages)
	if text == "" {
		text = "Hello"
	}

	var opts []gollm.PromptOption
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens > 0 {
		opts = append(opts, gollm.WithMaxLength(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]gollm.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		opts = append(opts, gollm.WithTools(tools))
	}
	if req.ToolChoice != "" {
		opts = append(opts, gollm.WithToolChoice(string(req.ToolChoice)))
	}

	return gollm.NewPrompt(text, opts...)
}

// buildResponse constructs a Response from the generated text, lifting any
// embedded tool call JSON into tool call parts.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	toolCalls, remaining := parseToolCalls(text)

	var contentParts []ContentPart
	if remaining != "" {
		contentParts = append(contentParts, TextPart(remaining))
	}
	for i := range toolCalls {
		tc := toolCalls[i]
		contentParts = append(contentParts, ContentPart{Kind: ContentToolCall, ToolCall: &tc})
	}

	finish := FinishStop
	if len(toolCalls) > 0 {
		finish = FinishToolCalls
	}

	input := estimateTokens(req)
	return &Response{
		ID:       "resp_" + uuid.New().String()[:8],
		Model:    model,
		Provider: a.provider,
		Message: Message{
			Role:    RoleAssistant,
			Content: contentParts,
		},
		FinishReason: finish,
		// gollm doesn't report usage.
		Usage: Usage{InputTokens: input, OutputTokens: len(text) / 4},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// parseToolCalls extracts tool calls that the provider rendered as JSON in
// the response text, either {"tool_calls":[...]} or a bare [{"name":...}]
// array. It returns the calls and the text preceding the JSON.
func parseToolCalls(text string) ([]ToolCallData, string) {
	start := strings.Index(text, `{"tool_calls"`)
	wrapped := start != -1
	if !wrapped {
		start = strings.Index(text, `[{"name"`)
	}
	if start == -1 {
		return nil, text
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw []rawToolCall
	if wrapped {
		var obj struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&obj); err != nil {
			return nil, text
		}
		raw = obj.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil, text
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		if rc.Name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		args := rc.Arguments
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		calls = append(calls, ToolCallData{ID: id, Name: rc.Name, Arguments: args})
	}
	if len(calls) == 0 {
		return nil, text
	}
	return calls, strings.TrimSpace(text[:start])
}

var (
	statusPattern     = regexp.MustCompile(`\b([45]\d\d)\b`)
	retryAfterPattern = regexp.MustCompile(`(?i)retry[- ]after[:= ]+(\d+(?:\.\d+)?)\s*s?`)
)

// translateError classifies a gollm error. gollm reports provider failures
// as text, so the HTTP status and Retry-After hint are recovered from the
// message when present and keywords decide otherwise.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	var after time.Duration
	if m := retryAfterPattern.FindStringSubmatch(msg); m != nil {
		if secs, perr := strconv.ParseFloat(m[1], 64); perr == nil {
			after = time.Duration(secs * float64(time.Second))
		}
	}

	status := 0
	if m := statusPattern.FindStringSubmatch(msg); m != nil {
		status, _ = strconv.Atoi(m[1])
	}
	switch {
	case status != 0:
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "forbidden"):
		status = 403
	case strings.Contains(lower, "not found"):
		status = 404
	case strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "internal server"):
		status = 500
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "content filter"), strings.Contains(lower, "safety"):
		return &ContentFilterError{ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}}
	}

	return classifyStatus(ProviderError{
		SDKError:   SDKError{Message: msg, Cause: err},
		Provider:   a.provider,
		StatusCode: status,
		RetryAfter: after,
	})
}

// estimateTokens approximates prompt size at four characters per token,
// counting text, tool arguments and tool results.
func estimateTokens(req Request) int {
	chars := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			chars += len(part.Text)
			if part.ToolCall != nil {
				chars += len(part.ToolCall.Arguments)
			}
			if part.ToolResult != nil {
				chars += len(part.ToolResult.Content)
			}
		}
	}
	return max(chars/4, 1)
}
