package unifiedllm

import (
	"context"
	"testing"

	"github.com/martinemde/autopilot/observability"
)

func TestLoggingMiddleware(t *testing.T) {
	rec := &observability.Recorder{}
	mock := &mockAdapter{name: "openai", text: "hi"}
	client := NewClient(WithProvider("openai", mock), WithMiddleware(LoggingMiddleware(rec)))

	req := hi()
	req.Model = "gpt-4o-mini"
	req.SessionID = "s1"
	req.Turn = 3
	if _, err := client.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mock.err = ErrorFromStatusCode(401, "bad key", "openai", 0)
	if _, err := client.Complete(context.Background(), req); err == nil {
		t.Fatal("expected error")
	}

	events := rec.OfType(observability.ModelRequest)
	if len(events) != 2 {
		t.Fatalf("expected 2 model.request events, got %d", len(events))
	}
	ok := events[0]
	if ok.Level != observability.LevelVerbose {
		t.Errorf("expected verbose level for success, got %v", ok.Level)
	}
	if ok.Data["provider"] != "openai" || ok.Data["session_id"] != "s1" || ok.Data["turn"] != 3 {
		t.Errorf("unexpected data %v", ok.Data)
	}
	if ok.Data["finish_reason"] != "stop" || ok.Data["output_tokens"] != 20 {
		t.Errorf("expected response details, got %v", ok.Data)
	}

	failed := events[1]
	if failed.Level != observability.LevelWarning {
		t.Errorf("expected warning level for failure, got %v", failed.Level)
	}
	if failed.Data["retryable"] != false || failed.Data["error"] == nil {
		t.Errorf("expected error details, got %v", failed.Data)
	}
}

func TestLogRetries(t *testing.T) {
	rec := &observability.Recorder{}
	policy := LogRetries(fastPolicy(2), rec)

	Retry(context.Background(), policy, func(ctx context.Context) (int, error) {
		return 0, serverError()
	})

	events := rec.OfType(observability.ModelRetry)
	if len(events) != 2 {
		t.Fatalf("expected 2 model.retry events, got %d", len(events))
	}
	if events[1].Data["attempt"] != 2 {
		t.Errorf("expected second retry to report attempt 2, got %v", events[1].Data["attempt"])
	}
	if _, ok := events[0].Data["delay_ms"].(int64); !ok {
		t.Errorf("expected delay_ms, got %v", events[0].Data)
	}
}
