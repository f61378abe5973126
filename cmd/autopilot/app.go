package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/martinemde/autopilot/agentloop"
	"github.com/martinemde/autopilot/builtin"
	"github.com/martinemde/autopilot/config"
	"github.com/martinemde/autopilot/history"
	"github.com/martinemde/autopilot/observability"
	"github.com/martinemde/autopilot/policy"
	"github.com/martinemde/autopilot/unifiedllm"
)

// app holds everything a command needs to run sessions.
type app struct {
	cfg      *config.Config
	observer observability.Observer
	env      *builtin.Environment
	registry *agentloop.ToolRegistry
	history  history.Store
	client   *unifiedllm.Client
	manager  *agentloop.Manager
}

// newObserver builds the structured-log observer for cfg.
func newObserver(cfg *config.Config, w io.Writer) observability.Observer {
	return observability.NewSlogObserver(observability.NewLogger(w, cfg.Log.Format, cfg.LogLevel()))
}

// newRegistry builds the tool registry with the built-in tools.
func newRegistry(cfg *config.Config, obs observability.Observer) (*agentloop.ToolRegistry, *builtin.Environment, error) {
	env, err := builtin.NewEnvironment(cfg.WorkingDir)
	if err != nil {
		return nil, nil, err
	}
	reg := agentloop.NewToolRegistry(agentloop.WithRegistryObserver(obs))
	builtin.Register(reg, env, cfg.Tools)
	return reg, env, nil
}

// newApp wires the model client, tools, policy and history into a Manager.
func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (*app, error) {
	obs := newObserver(cfg, logOut)

	reg, env, err := newRegistry(cfg, obs)
	if err != nil {
		return nil, err
	}

	opts := []agentloop.ManagerOption{
		agentloop.WithObserver(obs),
		agentloop.WithDefaults(cfg.Session),
		agentloop.WithLoopDetection(cfg.LoopDetection),
		agentloop.WithChunker(cfg.Streaming),
		agentloop.WithContinuationPolicy(cfg.Continuation),
	}

	if cfg.Policy.Enabled {
		engine, err := policy.LoadEngine(ctx, cfg.Policy.Path)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agentloop.WithConfirmationPolicy(engine))
	}

	a := &app{cfg: cfg, observer: obs, env: env, registry: reg}

	if cfg.History.Enabled {
		store, err := history.NewSQLiteStore(cfg.History.Path)
		if err != nil {
			return nil, err
		}
		a.history = store
		opts = append(opts, agentloop.WithHistoryStore(store))
	}

	adapter, err := unifiedllm.NewGollmAdapter(cfg.Provider, cfg.APIKey,
		unifiedllm.WithModel(cfg.ModelName()),
		unifiedllm.WithMaxTokens(cfg.MaxTokens),
		unifiedllm.WithTemperature(cfg.Temperature),
	)
	if err != nil {
		a.closeHistory()
		return nil, fmt.Errorf("create %s model: %w", cfg.Provider, err)
	}
	a.client = unifiedllm.NewClient(
		unifiedllm.WithProvider(cfg.Provider, adapter),
		unifiedllm.WithDefaultProvider(cfg.Provider),
		unifiedllm.WithMiddleware(
			unifiedllm.RetryMiddleware(unifiedllm.LogRetries(cfg.Retry, obs)),
			unifiedllm.LoggingMiddleware(obs),
		),
	)

	model := agentloop.NewClientModel(a.client, cfg.ModelName(), cfg.Provider)
	a.manager = agentloop.NewManager(model, reg, opts...)
	return a, nil
}

// sessionContext returns the hints every session started by the CLI gets.
func (a *app) sessionContext() map[string]string {
	return map[string]string{
		"working_directory": a.env.Root(),
		"provider":          a.cfg.Provider,
		"model":             a.cfg.ModelName(),
	}
}

func (a *app) closeHistory() error {
	if closer, ok := a.history.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Close stops every session, then releases the model client and history.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.manager != nil {
		errs = append(errs, a.manager.Shutdown(ctx))
	}
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	errs = append(errs, a.closeHistory())
	return errors.Join(errs...)
}
