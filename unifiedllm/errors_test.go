package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
		check     func(error) bool
	}{
		{400, false, func(err error) bool { var e *InvalidRequestError; return errors.As(err, &e) }},
		{401, false, func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{403, false, func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{404, false, func(err error) bool { var e *NotFoundError; return errors.As(err, &e) }},
		{408, true, func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{413, false, func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{422, false, func(err error) bool { var e *InvalidRequestError; return errors.As(err, &e) }},
		{429, true, func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{500, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{502, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{503, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{504, true, func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{418, true, func(err error) bool { _, ok := err.(*ProviderError); return ok }},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", 0)
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: expected retryable=%v, got %v", tt.status, tt.retryable, got)
		}
		if !tt.check(err) {
			t.Errorf("status %d: unexpected error type %T", tt.status, err)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"config error", &ConfigurationError{}, false},
		{"abort", &AbortError{}, false},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"content filter", &ContentFilterError{}, false},
		{"provider not retryable", &ProviderError{}, false},
		{"provider retryable", &ProviderError{Retryable: true}, true},
		{"wrapped auth", fmt.Errorf("turn 2: %w", ErrorFromStatusCode(401, "bad key", "openai", 0)), false},
		{"wrapped server", fmt.Errorf("turn 2: %w", ErrorFromStatusCode(500, "boom", "openai", 0)), true},
		{"abort wrapping a retryable cause", &AbortError{SDKError{Message: "stop", Cause: &NetworkError{}}}, false},
		{"context canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), false},
		{"unknown error", errors.New("unknown"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestRetryAfterHint(t *testing.T) {
	err := fmt.Errorf("turn 1: %w", ErrorFromStatusCode(429, "slow down", "openai", 3*time.Second))
	if got := retryAfter(err); got != 3*time.Second {
		t.Errorf("expected 3s hint, got %v", got)
	}
	if got := retryAfter(errors.New("plain")); got != 0 {
		t.Errorf("expected no hint, got %v", got)
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &ConfigurationError{SDKError{Message: "wrapper", Cause: cause}}
	if !errors.Is(err, cause) {
		t.Error("expected ConfigurationError to unwrap to its cause")
	}
	if err.Error() != "wrapper: root cause" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := ErrorFromStatusCode(429, "rate limit exceeded", "openai", 0)
	if got := err.Error(); got != "openai: rate limit exceeded (status 429)" {
		t.Errorf("unexpected message %q", got)
	}
	plain := &ProviderError{SDKError: SDKError{Message: "odd failure"}, Provider: "ollama"}
	if got := plain.Error(); got != "ollama: odd failure" {
		t.Errorf("unexpected message %q", got)
	}
}
