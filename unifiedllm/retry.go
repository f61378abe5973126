package unifiedllm

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls exponential backoff for retryable failures.
type RetryPolicy struct {
	// MaxRetries counts attempts after the first.
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Multiplier float64       `mapstructure:"multiplier"`
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter bool `mapstructure:"jitter"`

	OnRetry func(ctx context.Context, err error, attempt int, delay time.Duration) `mapstructure:"-"`
}

// DefaultRetryPolicy retries twice, starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   time.Minute,
		Multiplier: 2,
		Jitter:     true,
	}
}

// Delay returns the wait before retry number attempt, counting from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 {
		delay = math.Min(delay, float64(p.MaxDelay))
	}
	if p.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// Retry calls fn until it succeeds, fails with a non-retryable error or the
// policy runs out of attempts. A Retry-After hint longer than MaxDelay ends
// the retries early. Cancelling ctx while waiting returns an AbortError.
func Retry[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil || attempt >= p.MaxRetries || !IsRetryable(err) {
			return result, err
		}

		delay := p.Delay(attempt)
		if hint := retryAfter(err); hint > 0 {
			if p.MaxDelay > 0 && hint > p.MaxDelay {
				return result, err
			}
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(ctx, err, attempt+1, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, &AbortError{SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		case <-timer.C:
		}
	}
}

// RetryMiddleware retries failed calls according to p.
func RetryMiddleware(p RetryPolicy) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (*Response, error) {
			return Retry(ctx, p, func(ctx context.Context) (*Response, error) {
				return next(ctx, req)
			})
		}
	}
}
