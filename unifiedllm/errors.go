package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SDKError is embedded by every error this package returns.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error { return e.Cause }

// ProviderError is a failure reported by the provider. RetryAfter is zero
// when the provider gave no hint.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	Retryable  bool
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) retryable() bool    { return e.Retryable }
// Provider error kinds. Their Retryable flag is set by the constructor.
type (
	AuthenticationError struct{ ProviderError }
	AccessDeniedError   struct{ ProviderError }
	NotFoundError       struct{ ProviderError }
	InvalidRequestError struct{ ProviderError }
	RateLimitError      struct{ ProviderError }
	ServerError         struct{ ProviderError }
	ContentFilterError  struct{ ProviderError }
	ContextLengthError  struct{ ProviderError }
)

// Local failures.
type (
	RequestTimeoutError struct{ SDKError }
	AbortError          struct{ SDKError }
	NetworkError        struct{ SDKError }
	ConfigurationError  struct{ SDKError }
)

func (*RequestTimeoutError) retryable() bool { return true }
func (*NetworkError) retryable() bool        { return true }
func (*AbortError) retryable() bool          { return false }
func (*ConfigurationError) retryable() bool  { return false }

// ErrorFromStatusCode classifies an HTTP failure from provider.
func ErrorFromStatusCode(statusCode int, message, provider string, retryAfter time.Duration) error {
	return classifyStatus(ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: retryAfter,
	})
}

func classifyStatus(pe ProviderError) error {
	switch pe.StatusCode {
	case 400, 422:
		return &InvalidRequestError{pe}
	case 401:
		return &AuthenticationError{pe}
	case 403:
		return &AccessDeniedError{pe}
	case 404:
		return &NotFoundError{pe}
	case 408:
		return &RequestTimeoutError{pe.SDKError}
	case 413:
		return &ContextLengthError{pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{pe}
	case 500, 502, 503, 504:
		pe.Retryable = true
		return &ServerError{pe}
	}
	pe.Retryable = true
	return &pe
}

// IsRetryable reports whether the call that failed with err may succeed if
// repeated. The first classified error in the chain decides; cancellation
// never retries and unclassified errors do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified interface{ retryable() bool }
	if errors.As(err, &classified) {
		return classified.retryable()
	}
	return true
}

// retryAfter returns the provider's Retry-After hint carried by err.
func retryAfter(err error) time.Duration {
	var pe interface{ hint() time.Duration }
	if errors.As(err, &pe) {
		return pe.hint()
	}
	return 0
}

func (e *ProviderError) hint() time.Duration { return e.RetryAfter }
