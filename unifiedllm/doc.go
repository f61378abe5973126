// Package unifiedllm is a small provider-agnostic model client. A Client
// routes Requests to a registered ProviderAdapter through a middleware
// chain; GollmAdapter backs the adapters with gollm.
//
// Errors returned by adapters belong to a typed hierarchy (SDKError,
// ProviderError and the concrete kinds below it) so callers can decide what
// to retry with IsRetryable. RetryMiddleware wires Retry into a Client and
// LoggingMiddleware reports each call to an observer.
//
//	adapter, err := unifiedllm.NewGollmAdapter("anthropic", apiKey)
//	if err != nil {
//	    return err
//	}
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("anthropic", adapter),
//	    unifiedllm.WithMiddleware(
//	        unifiedllm.RetryMiddleware(unifiedllm.DefaultRetryPolicy()),
//	        unifiedllm.LoggingMiddleware(obs),
//	    ),
//	)
//	resp, err := client.Complete(ctx, unifiedllm.Request{
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("list files")},
//	})
package unifiedllm
