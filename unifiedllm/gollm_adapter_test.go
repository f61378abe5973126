package unifiedllm

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGollmAdapterName(t *testing.T) {
	for _, provider := range []string{"openai", "anthropic"} {
		adapter, err := NewGollmAdapter(provider, "test-key-not-real")
		if err != nil {
			t.Logf("skipping %s adapter creation: %v", provider, err)
			continue
		}
		if adapter.Name() != provider {
			t.Errorf("expected name %q, got %q", provider, adapter.Name())
		}
		if err := adapter.Initialize(); err != nil {
			t.Errorf("expected constructed adapter to initialize, got %v", err)
		}
	}
}

func TestDefaultModel(t *testing.T) {
	tests := map[string]string{
		"anthropic": "claude-sonnet-4-5",
		"ollama":    "llama3.1",
		"openai":    "gpt-4o-mini",
		"":          "gpt-4o-mini",
	}
	for provider, want := range tests {
		if got := DefaultModel(provider); got != want {
			t.Errorf("DefaultModel(%q) = %q, want %q", provider, got, want)
		}
	}
}

func TestGollmAdapterInitializeWithoutLLM(t *testing.T) {
	adapter := NewGollmAdapterFromLLM("openai", "", nil)
	if err := adapter.Initialize(); err == nil {
		t.Error("expected error for adapter without LLM")
	}
}

func TestGollmAdapterRejectsOtherModel(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-4o-mini"}
	_, err := adapter.Complete(context.Background(), Request{Model: "gpt-5"})
	var invalid *InvalidRequestError
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidRequestError, got %T", err)
	}
}

func TestFlatten(t *testing.T) {
	system, transcript := flatten([]Message{
		SystemMessage("be brief"),
		UserMessage("list files"),
		{Role: RoleAssistant, Content: []ContentPart{
			TextPart("Looking."),
			ToolCallPart("c1", "list_directory", []byte(`{"path":"."}`)),
		}},
		ToolResultMessage("c1", "a.txt", false),
		ToolResultMessage("c2", "denied", true),
	})

	want := strings.Join([]string{
		"list files",
		"[Assistant]: Looking.",
		`[Tool Call c1]: list_directory {"path":"."}`,
		"[Tool Result c1]: a.txt",
		"[Tool Error c2]: denied",
	}, "\n")
	if transcript != want {
		t.Errorf("unexpected transcript:\n%s", transcript)
	}
	if system != "be brief" {
		t.Errorf("expected system prompt, got %q", system)
	}

	if system, transcript := flatten(nil); system != "" || transcript != "" {
		t.Errorf("expected empty output for no messages, got %q %q", system, transcript)
	}
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai"}

	tests := []struct {
		errMsg string
		check  func(error) bool
	}{
		{"API error 401: Unauthorized", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"invalid api key", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"403 Forbidden", func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{"model not found", func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{"429 rate limit exceeded", func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"context length exceeded", func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{"status 503 service unavailable", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"internal server error", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"timeout waiting for response", func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{"content filter triggered", func(err error) bool { var e *ContentFilterError; return errors.As(err, &e) }},
		{"something unknown", func(err error) bool { _, ok := err.(*ProviderError); return ok }},
	}

	for _, tt := range tests {
		cause := errors.New(tt.errMsg)
		err := adapter.translateError(cause)
		if !tt.check(err) {
			t.Errorf("for %q: unexpected error type %T", tt.errMsg, err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("for %q: expected the gollm error to be wrapped", tt.errMsg)
		}
	}
}

func TestGollmAdapterTranslateErrorRetryAfter(t *testing.T) {
	adapter := &GollmAdapter{provider: "anthropic"}
	err := adapter.translateError(errors.New("429 Too Many Requests, retry after 2.5s"))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rl.RetryAfter != 2500*time.Millisecond {
		t.Errorf("expected 2.5s Retry-After, got %v", rl.RetryAfter)
	}
}

func TestParseToolCallsArray(t *testing.T) {
	text := `I'll look around. [{"name":"list_directory","arguments":{"path":"."}}] trailing`
	calls, rest := parseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "list_directory" || string(calls[0].Arguments) != `{"path":"."}` {
		t.Errorf("unexpected call %+v", calls[0])
	}
	if calls[0].ID == "" {
		t.Error("expected generated call id")
	}
	if rest != "I'll look around." {
		t.Errorf("unexpected remaining text %q", rest)
	}
}

func TestParseToolCallsWrapped(t *testing.T) {
	text := `{"tool_calls":[{"id":"call_7","name":"read_file","arguments":{"path":"a.txt"}},{"name":"glob"}]}`
	calls, rest := parseToolCalls(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].ID != "call_7" {
		t.Errorf("expected provided id to be kept, got %q", calls[0].ID)
	}
	if string(calls[1].Arguments) != `{}` {
		t.Errorf("expected empty arguments object, got %s", calls[1].Arguments)
	}
	if rest != "" {
		t.Errorf("expected no remaining text, got %q", rest)
	}
}

func TestParseToolCallsPlainText(t *testing.T) {
	calls, rest := parseToolCalls("All done.")
	if calls != nil || rest != "All done." {
		t.Errorf("expected plain text passthrough, got %v %q", calls, rest)
	}
}

func TestBuildResponseFinishReason(t *testing.T) {
	adapter := &GollmAdapter{provider: "openai", model: "gpt-4o-mini"}

	resp := adapter.buildResponse(Request{}, `[{"name":"glob","arguments":{"pattern":"*.go"}}]`)
	if resp.FinishReason != FinishToolCalls {
		t.Errorf("expected tool_calls finish reason, got %q", resp.FinishReason)
	}
	if resp.Model != "gpt-4o-mini" {
		t.Errorf("expected adapter model, got %q", resp.Model)
	}

	resp = adapter.buildResponse(Request{}, "The directory has two files.")
	if resp.FinishReason != FinishStop || resp.Text() != "The directory has two files." {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.OutputTokens != len("The directory has two files.")/4 {
		t.Errorf("unexpected usage estimate %+v", resp.Usage)
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{Messages: []Message{
		UserMessage("Hello world, this is a test message."),
		ToolResultMessage("call_1", "twelve chars", false),
	}}
	if tokens := estimateTokens(req); tokens != 12 {
		t.Errorf("expected 12 tokens, got %d", tokens)
	}
	if tokens := estimateTokens(Request{}); tokens != 1 {
		t.Errorf("expected empty request to estimate 1 token, got %d", tokens)
	}
}
