package unifiedllm

import (
	"context"
	"time"

	"github.com/martinemde/autopilot/observability"
)

// LoggingMiddleware reports every call that reaches it to obs. Placed
// after RetryMiddleware it sees each attempt; before, only the outcome.
func LoggingMiddleware(obs observability.Observer) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next(ctx, req)

			data := map[string]any{
				"provider":   req.Provider,
				"model":      req.Model,
				"session_id": req.SessionID,
				"turn":       req.Turn,
				"messages":   len(req.Messages),
				"tools":      len(req.Tools),
				"latency_ms": time.Since(start).Milliseconds(),
			}
			level := observability.LevelVerbose
			if err != nil {
				level = observability.LevelWarning
				data["error"] = err.Error()
				data["retryable"] = IsRetryable(err)
			} else {
				data["finish_reason"] = string(resp.FinishReason)
				data["input_tokens"] = resp.Usage.InputTokens
				data["output_tokens"] = resp.Usage.OutputTokens
			}
			observability.Emit(ctx, obs, observability.ModelRequest, level, "unifiedllm", data)
			return resp, err
		}
	}
}

// LogRetries sets p.OnRetry to report each retry to obs.
func LogRetries(p RetryPolicy, obs observability.Observer) RetryPolicy {
	p.OnRetry = func(ctx context.Context, err error, attempt int, delay time.Duration) {
		observability.Emit(ctx, obs, observability.ModelRetry, observability.LevelWarning, "unifiedllm", map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
	}
	return p
}
