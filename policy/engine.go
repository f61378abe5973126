// Package policy decides whether a tool call may run, needs a human's
// approval, or is refused, by evaluating a rego policy with OPA.
package policy

import (
	"context"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/martinemde/autopilot/agentloop"
)

// Query is the rule every policy module must define.
const Query = "data.tool_policy.decision"

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

var _ agentloop.ConfirmationPolicy = (*Engine)(nil)

// NewEngine compiles policyContent, a rego module in package tool_policy.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query(Query),
		rego.Module("tool_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine compiles the policy stored at path. An empty path loads
// DefaultPolicy.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate runs the policy against input. The decision rule may produce
// either a bare string or an object {"decision": ..., "reason": ...}.
// A policy that produces nothing allows the call.
func (e *Engine) Evaluate(ctx context.Context, input interface{}) (string, string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return string(agentloop.DecisionAllow), "default", nil
	}

	switch val := results[0].Expressions[0].Value.(type) {
	case string:
		return val, "", nil
	case map[string]interface{}:
		decision, _ := val["decision"].(string)
		reason, _ := val["reason"].(string)
		if decision == "" {
			return "", "", fmt.Errorf("policy result has no decision: %v", val)
		}
		return decision, reason, nil
	default:
		return "", "", fmt.Errorf("unexpected policy result type %T", val)
	}
}

// Decide implements agentloop.ConfirmationPolicy.
func (e *Engine) Decide(ctx context.Context, def agentloop.ToolDefinition, params agentloop.Params) (agentloop.Decision, string, error) {
	decision, reason, err := e.Evaluate(ctx, Input(def, params))
	if err != nil {
		return "", "", err
	}
	switch decision {
	case "allow":
		return agentloop.DecisionAllow, reason, nil
	case "confirm", "require_approval":
		return agentloop.DecisionConfirm, reason, nil
	case "block", "deny":
		return agentloop.DecisionBlock, reason, nil
	default:
		return "", "", fmt.Errorf("unknown policy decision %q", decision)
	}
}

// Input builds the document a policy sees as input.
func Input(def agentloop.ToolDefinition, params agentloop.Params) map[string]interface{} {
	args := make(map[string]interface{}, len(params))
	for k, v := range params {
		args[k] = v
	}
	return map[string]interface{}{
		"tool_name":             def.Name,
		"args":                  args,
		"dangerous":             def.Dangerous,
		"requires_confirmation": def.RequiresConfirmation,
	}
}

// DefaultPolicy blocks destroying the filesystem root and writes under
// /etc, asks for confirmation on tools flagged dangerous or
// confirmation-required, and allows everything else.
const DefaultPolicy = `
package tool_policy

default decision := "allow"

destructive contains msg if {
	input.tool_name == "run_command"
	regex.match("(^|[;&|]\\s*)rm\\s+-(rf|fr)\\s+/(\\s|$)", input.args.command)
	msg := "refusing to remove the filesystem root"
}

destructive contains msg if {
	input.tool_name == "write_file"
	startswith(input.args.path, "/etc/")
	msg := "writes under /etc are not allowed"
}

decision := {"decision": "block", "reason": concat("; ", destructive)} if {
	count(destructive) > 0
} else := {"decision": "confirm", "reason": "tool requires confirmation"} if {
	input.requires_confirmation
} else := {"decision": "confirm", "reason": "tool is marked dangerous"} if {
	input.dangerous
}
`
