package unifiedllm

import "context"

// ProviderAdapter sends requests to one model provider.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Initializer is implemented by adapters that can validate their
// configuration before the first request.
type Initializer interface {
	Initialize() error
}
