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

// Decision is a confirmation policy verdict for one tool call.
type Decision string

const (
	DecisionAllow   Decision = "allow"
	DecisionConfirm Decision = "confirm"
	DecisionBlock   Decision = "block"
)

// ConfirmationPolicy decides whether a call may run, must be confirmed, or
// is refused outright. The reason is surfaced in blocked responses.
type ConfirmationPolicy interface {
	Decide(ctx context.Context, def ToolDefinition, params Params) (Decision, string, error)
}

// ConfirmationPolicyFunc adapts a function into a ConfirmationPolicy.
type ConfirmationPolicyFunc func(ctx context.Context, def ToolDefinition, params Params) (Decision, string, error)

func (f ConfirmationPolicyFunc) Decide(ctx context.Context, def ToolDefinition, params Params) (Decision, string, error) {
	return f(ctx, def, params)
}

type pendingExecution struct {
	req    ToolCallRequest
	caller CallerContext
	tool   Tool
	ctx    context.Context
	done   chan ToolCallResponse
}

type pendingSet struct {
	items map[string]*pendingExecution
	mu    sync.Mutex
}

func newPendingSet() *pendingSet {
	return &pendingSet{items: make(map[string]*pendingExecution)}
}

func (s *pendingSet) add(p *pendingExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.req.ID] = p
}

// take removes and returns the pending execution for id, or nil.
func (s *pendingSet) take(id string) *pendingExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.items[id]
	delete(s.items, id)
	return p
}

func (s *pendingSet) list(sessionID string) []ToolCallRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ToolCallRequest
	for _, p := range s.items {
		if sessionID == "" || p.req.SessionID == sessionID {
			out = append(out, p.req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// decide combines the tool's own flags, its Confirmer and the policy. In
// auto-approve mode only a block verdict stops the call; Confirmer results
// and failures are recorded and otherwise ignored.
func (r *ToolRegistry) decide(ctx context.Context, tool Tool, req ToolCallRequest, autoApprove bool) (Decision, string) {
	def := tool.Definition()
	needs := def.RequiresConfirmation

	if c, ok := tool.(Confirmer); ok {
		confirm, err := callConfirmer(c, req.Params)
		switch {
		case err != nil:
			observability.Emit(ctx, r.observer, observability.ToolConfirmHookError, observability.LevelWarning, "agentloop.registry", map[string]any{
				"tool":       def.Name,
				"request_id": req.ID,
				"error":      err.Error(),
			})
			if !autoApprove {
				needs = true
			}
		case confirm:
			needs = true
		}
	}

	if policy := r.confirmationPolicy(); policy != nil {
		decision, reason, err := policy.Decide(ctx, def, req.Params)
		if err != nil {
			observability.Emit(ctx, r.observer, observability.ToolConfirmHookError, observability.LevelWarning, "agentloop.registry", map[string]any{
				"tool":       def.Name,
				"request_id": req.ID,
				"error":      err.Error(),
				"policy":     true,
			})
			if !autoApprove {
				needs = true
			}
		}
		switch decision {
		case DecisionBlock:
			return DecisionBlock, reason
		case DecisionConfirm:
			needs = true
		}
	}

	if needs && !autoApprove {
		return DecisionConfirm, ""
	}
	return DecisionAllow, ""
}

func callConfirmer(c Confirmer, params Params) (confirm bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("confirmation hook panicked: %v", rec)
		}
	}()
	return c.ShouldConfirm(params)
}

// park holds the call until ConfirmPendingExecution resolves it or ctx is
// cancelled.
func (r *ToolRegistry) park(ctx context.Context, tool Tool, req ToolCallRequest, caller CallerContext, onPending func(ToolCallRequest)) ToolCallResponse {
	p := &pendingExecution{
		req:    req,
		caller: caller,
		tool:   tool,
		ctx:    ctx,
		done:   make(chan ToolCallResponse, 1),
	}
	r.pending.add(p)

	observability.Emit(ctx, r.observer, observability.ToolPending, observability.LevelInfo, "agentloop.registry", map[string]any{
		"session_id": req.SessionID,
		"request_id": req.ID,
		"tool":       req.Name,
	})
	if onPending != nil {
		onPending(req)
	}

	select {
	case resp := <-p.done:
		return resp
	case <-ctx.Done():
		if r.pending.take(req.ID) != nil {
			return r.finish(ctx, req, time.Now(), nil, fmt.Errorf("cancelled: %w", context.Cause(ctx)))
		}
		// A confirmation won the race; its response is on the way.
		return <-p.done
	}
}

// ConfirmPendingExecution resolves a parked call. Approval executes the
// tool; denial yields a failed response with error "cancelled by user".
// The response is returned and also delivered to the parked caller. It
// returns nil when no call with that id is pending.
func (r *ToolRegistry) ConfirmPendingExecution(requestID string, approved bool) *ToolCallResponse {
	p := r.pending.take(requestID)
	if p == nil {
		return nil
	}

	start := time.Now()
	var resp ToolCallResponse
	if approved {
		result, err := invoke(p.ctx, p.tool, p.req.Params, p.caller)
		resp = r.finish(p.ctx, p.req, start, result, err)
	} else {
		resp = r.finish(p.ctx, p.req, start, nil, errors.New("cancelled by user"))
	}
	p.done <- resp
	return &resp
}

// PendingConfirmations lists parked calls for sessionID, oldest first. An
// empty sessionID lists every parked call.
func (r *ToolRegistry) PendingConfirmations(sessionID string) []ToolCallRequest {
	return r.pending.list(sessionID)
}
