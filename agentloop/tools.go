package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/autopilot/observability"
)

// ToolDefinition describes a tool for the model and for callers listing
// what a registry can do.
type ToolDefinition struct {
	Name                 string                 `json:"name" yaml:"name"`
	Description          string                 `json:"description" yaml:"description"`
	Parameters           map[string]interface{} `json:"parameters" yaml:"parameters"`
	Dangerous            bool                   `json:"dangerous" yaml:"dangerous"`
	RequiresConfirmation bool                   `json:"requires_confirmation" yaml:"requires_confirmation"`
}

// CallerContext tells a tool who is calling it.
type CallerContext struct {
	SessionID string            `json:"session_id"`
	Turn      int               `json:"turn"`
	RequestID string            `json:"request_id"`
	Values    map[string]string `json:"values,omitempty"`
}

// Tool is an executable capability. Execute should honor ctx; a tool that
// ignores cancellation still completes but its result may be discarded.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, params Params, caller CallerContext) (interface{}, error)
}

// Confirmer is implemented by tools that decide per call whether a human
// must approve them.
type Confirmer interface {
	ShouldConfirm(params Params) (bool, error)
}

// ToolFunc adapts a function into a Tool.
type ToolFunc struct {
	Def ToolDefinition
	Fn  func(ctx context.Context, params Params, caller CallerContext) (interface{}, error)

	// Confirm, when set, is consulted as the tool's Confirmer.
	Confirm func(params Params) (bool, error)
}

// NewTool returns a ToolFunc for def backed by fn.
func NewTool(def ToolDefinition, fn func(ctx context.Context, params Params, caller CallerContext) (interface{}, error)) *ToolFunc {
	return &ToolFunc{Def: def, Fn: fn}
}

func (t *ToolFunc) Definition() ToolDefinition { return t.Def }

func (t *ToolFunc) Execute(ctx context.Context, params Params, caller CallerContext) (interface{}, error) {
	return t.Fn(ctx, params, caller)
}

func (t *ToolFunc) ShouldConfirm(params Params) (bool, error) {
	if t.Confirm == nil {
		return false, nil
	}
	return t.Confirm(params)
}

// ToolCallRequest is one model-issued tool invocation.
type ToolCallRequest struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Params    Params    `json:"params"`
	Turn      int       `json:"turn"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolCallResponse is the outcome of executing a ToolCallRequest. Exactly
// one of Result and Error is meaningful, selected by Success.
type ToolCallResponse struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Success   bool          `json:"success"`
	Result    interface{}   `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// ExecuteOptions controls a single Execute call.
type ExecuteOptions struct {
	// AutoApprove runs tools without parking them for confirmation.
	AutoApprove bool

	// Values is passed to the tool in CallerContext.Values.
	Values map[string]string

	// OnPending is invoked once when the call is parked awaiting
	// ConfirmPendingExecution.
	OnPending func(req ToolCallRequest)
}

// ToolRegistry maps tool names to tools and executes calls against them.
// It is safe for concurrent use; sessions share one registry.
type ToolRegistry struct {
	tools    map[string]Tool
	aliases  ParamAliases
	policy   ConfirmationPolicy
	observer observability.Observer
	pending  *pendingSet
	mu       sync.RWMutex
}

// RegistryOption configures a ToolRegistry.
type RegistryOption func(*ToolRegistry)

// WithParamAliases replaces the default parameter translation table.
func WithParamAliases(aliases ParamAliases) RegistryOption {
	return func(r *ToolRegistry) { r.aliases = aliases }
}

// WithRegistryConfirmationPolicy installs a policy consulted before every call.
func WithRegistryConfirmationPolicy(p ConfirmationPolicy) RegistryOption {
	return func(r *ToolRegistry) { r.policy = p }
}

// WithRegistryObserver sets the observer that receives tool execution logs.
func WithRegistryObserver(obs observability.Observer) RegistryOption {
	return func(r *ToolRegistry) { r.observer = obs }
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry(opts ...RegistryOption) *ToolRegistry {
	r := &ToolRegistry{
		tools:    make(map[string]Tool),
		aliases:  DefaultParamAliases(),
		observer: observability.NoOpObserver{},
		pending:  newPendingSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetConfirmationPolicy replaces the policy consulted before each call.
// Subsets created earlier keep the policy they were created with.
func (r *ToolRegistry) SetConfirmationPolicy(p ConfirmationPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

func (r *ToolRegistry) confirmationPolicy() ConfirmationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// Register adds a tool under its declared name, replacing any tool already
// registered with that name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Definition().Name] = tool
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name, or nil if not found.
func (r *ToolRegistry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Definitions returns every tool definition sorted by name.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, tool.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names returns the sorted names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset returns a registry exposing only the named tools. It shares the
// parent's aliases, policy, observer and pending confirmations, so a call
// parked through the subset can be confirmed through the parent.
func (r *ToolRegistry) Subset(names []string) (*ToolRegistry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub := &ToolRegistry{
		tools:    make(map[string]Tool, len(names)),
		aliases:  r.aliases,
		policy:   r.policy,
		observer: r.observer,
		pending:  r.pending,
	}
	for _, name := range names {
		tool, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		sub.tools[name] = tool
	}
	return sub, nil
}

// Execute runs req and always returns a response whose ID matches req.ID.
// Unknown tools, tool errors and panics become failed responses.
func (r *ToolRegistry) Execute(ctx context.Context, req ToolCallRequest, opts ExecuteOptions) ToolCallResponse {
	start := time.Now()
	req.Params = r.aliases.Normalize(req.Params)

	tool := r.Get(req.Name)
	if tool == nil {
		return r.finish(ctx, req, start, nil, fmt.Errorf("tool not found: %s", req.Name))
	}

	caller := CallerContext{
		SessionID: req.SessionID,
		Turn:      req.Turn,
		RequestID: req.ID,
		Values:    opts.Values,
	}

	decision, reason := r.decide(ctx, tool, req, opts.AutoApprove)
	switch decision {
	case DecisionBlock:
		return r.finish(ctx, req, start, nil, fmt.Errorf("blocked by policy: %s", reason))
	case DecisionConfirm:
		return r.park(ctx, tool, req, caller, opts.OnPending)
	}

	result, err := invoke(ctx, tool, req.Params, caller)
	return r.finish(ctx, req, start, result, err)
}

func invoke(ctx context.Context, tool Tool, params Params, caller CallerContext) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Definition().Name, rec)
		}
	}()
	return tool.Execute(ctx, params, caller)
}

func (r *ToolRegistry) finish(ctx context.Context, req ToolCallRequest, start time.Time, result interface{}, err error) ToolCallResponse {
	resp := ToolCallResponse{
		ID:        req.ID,
		Name:      req.Name,
		Success:   err == nil,
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	}
	level := observability.LevelVerbose
	if err != nil {
		resp.Error = err.Error()
		level = observability.LevelWarning
		if errors.Is(err, context.Canceled) {
			level = observability.LevelInfo
		}
	} else {
		resp.Result = result
	}

	observability.Emit(ctx, r.observer, observability.ToolExecute, level, "agentloop.registry", map[string]any{
		"session_id":  req.SessionID,
		"request_id":  req.ID,
		"tool":        req.Name,
		"success":     resp.Success,
		"error":       resp.Error,
		"duration_ms": resp.Duration.Milliseconds(),
	})
	return resp
}
