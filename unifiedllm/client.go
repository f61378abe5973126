package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Handler completes a request.
type Handler func(ctx context.Context, req Request) (*Response, error)

// Middleware wraps a Handler. Middleware registered first sees the request
// first.
type Middleware func(next Handler) Handler

// Client routes requests to provider adapters through a middleware chain.
// A Client is configured once at construction and is safe for concurrent
// use.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) { c.providers[name] = adapter }
}

// WithDefaultProvider routes requests that name no provider to name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) { c.defaultProvider = name }
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

// NewClient builds a Client. With a single provider and no explicit
// default, that provider is the default.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

func (c *Client) adapter(name string) (ProviderAdapter, error) {
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{Message: "no provider specified and no default provider configured"}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{Message: fmt.Sprintf("provider %q is not registered", name)}}
	}
	return adapter, nil
}

// Ready reports whether requests for provider can be served. An empty
// provider checks the default.
func (c *Client) Ready(provider string) error {
	adapter, err := c.adapter(provider)
	if err != nil {
		return err
	}
	if init, ok := adapter.(Initializer); ok {
		if err := init.Initialize(); err != nil {
			return &ConfigurationError{SDKError: SDKError{
				Message: fmt.Sprintf("provider %q is not usable", adapter.Name()),
				Cause:   err,
			}}
		}
	}
	return nil
}

// Complete sends req through the middleware chain to its provider. The
// request's Provider is filled in before the chain runs.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	adapter, err := c.adapter(req.Provider)
	if err != nil {
		return nil, err
	}
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}

	h := Handler(adapter.Complete)
	for i := len(c.middleware) - 1; i >= 0; i-- {
		h = c.middleware[i](h)
	}
	return h(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
