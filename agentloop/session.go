package agentloop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/autopilot/observability"
)

// SessionState represents the lifecycle state of a session.
type SessionState string

const (
	StateIdle            SessionState = "idle"
	StateRunning         SessionState = "running"
	StateCompleted       SessionState = "completed"
	StateMaxTurnsReached SessionState = "max_turns_reached"
	StateCancelled       SessionState = "cancelled"
	StateFatalError      SessionState = "fatal_error"
)

// Terminal reports whether the state is final.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateMaxTurnsReached, StateCancelled, StateFatalError:
		return true
	}
	return false
}

// Finished details for terminal paths other than natural completion.
const (
	DetailLoop      = "loop"
	DetailCancelled = "cancelled"
	DetailTimeout   = "timeout"
)

const persistTimeout = 5 * time.Second

// SessionConfig holds the resolved settings of one session.
type SessionConfig struct {
	Goal                 string
	MaxTurns             int
	Timeout              time.Duration
	AutoExecute          bool
	Context              map[string]string
	SystemPrompt         string
	HistoryLimit         int
	MaxConsecutiveErrors int
}

// Session is one autonomous run. It is driven by a single goroutine and
// owns its turns, history and loop detector for its whole lifetime.
type Session struct {
	id           string
	cfg          SessionConfig
	model        Model
	tools        *ToolRegistry
	buffer       *StreamBuffer
	store        HistoryStore
	observer     observability.Observer
	detector     *LoopDetector
	chunker      ChunkPolicy
	continuation ContinuationPolicy

	ctx    context.Context
	cancel context.CancelCauseFunc
	timer  *time.Timer
	done   chan struct{}

	state     SessionState
	turns     []*Turn
	history   *History
	seenIDs   map[string]bool
	startedAt time.Time
	endedAt   time.Time
	reason    string
	detail    string
	toolCalls int
	mu        sync.Mutex
}

type sessionDeps struct {
	model        Model
	tools        *ToolRegistry
	buffer       *StreamBuffer
	store        HistoryStore
	observer     observability.Observer
	loop         LoopDetectorConfig
	chunker      ChunkPolicy
	continuation ContinuationPolicy
}

func newSession(parent context.Context, id string, cfg SessionConfig, deps sessionDeps) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	return &Session{
		id:           id,
		cfg:          cfg,
		model:        deps.model,
		tools:        deps.tools,
		buffer:       deps.buffer,
		store:        deps.store,
		observer:     deps.observer,
		detector:     NewLoopDetector(deps.loop),
		chunker:      deps.chunker,
		continuation: deps.continuation,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateIdle,
		history:      NewHistory(cfg.HistoryLimit),
		seenIDs:      make(map[string]bool),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has emitted Finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel fires the session's cancellation signal. Repeated calls have no
// further effect.
func (s *Session) Cancel() {
	s.cancel(ErrCancelled)
}

// History returns a copy of the retained conversation history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.Messages()
}

// start launches the turn loop and the timeout timer.
func (s *Session) start() {
	s.mu.Lock()
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	if s.cfg.Timeout > 0 {
		s.timer = time.AfterFunc(s.cfg.Timeout, func() { s.cancel(ErrSessionTimeout) })
	}
	go s.run()
}

type outcome struct {
	state  SessionState
	detail string
}

func (s *Session) run() {
	defer close(s.done)
	defer func() {
		if s.timer != nil {
			s.timer.Stop()
		}
	}()

	s.detector.Reset()
	observability.Emit(s.ctx, s.observer, observability.SessionStart, observability.LevelInfo, "agentloop.session", map[string]any{
		"session_id":   s.id,
		"max_turns":    s.cfg.MaxTurns,
		"timeout":      s.cfg.Timeout.String(),
		"auto_execute": s.cfg.AutoExecute,
		"tools":        s.tools.Names(),
	})

	s.finish(s.loop())
}

// loop drives turns until a terminal outcome.
func (s *Session) loop() outcome {
	message := s.cfg.Goal
	errCount := 0

	for n := 1; ; n++ {
		if n > s.cfg.MaxTurns {
			return outcome{state: StateMaxTurnsReached}
		}
		if s.ctx.Err() != nil {
			return s.cancelled()
		}

		res := s.runTurn(n, message)
		if res.outcome != nil {
			return *res.outcome
		}
		if res.err != nil {
			errCount++
			fatal := s.cfg.MaxConsecutiveErrors > 0 && errCount >= s.cfg.MaxConsecutiveErrors
			s.failTurn(res.turn, res.err, !fatal)
			if fatal {
				return outcome{state: StateFatalError, detail: res.err.Error()}
			}
			continue
		}
		errCount = 0
		if !res.next.cont {
			return outcome{state: StateCompleted}
		}
		message = res.next.message
	}
}

type nextStep struct {
	cont    bool
	message string
}

type turnResult struct {
	turn    *Turn
	err     error
	outcome *outcome
	next    nextStep
}

// runTurn performs one model round trip and handles every response part
// in order.
func (s *Session) runTurn(n int, message string) turnResult {
	turn := NewTurn(n)
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	prior := s.history.Messages()
	s.mu.Unlock()

	s.emit(Event{Kind: EventTurnStarted, Turn: n})

	prompt := PromptContext{
		SessionID:    s.id,
		Turn:         n,
		SystemPrompt: s.cfg.SystemPrompt,
		Hints:        s.cfg.Context,
		History:      prior,
		Message:      message,
	}
	resp, err := s.model.Generate(s.ctx, prompt, s.tools.Definitions())
	if s.ctx.Err() != nil {
		s.closeTurn(turn, context.Cause(s.ctx))
		return s.abort(s.cancelled())
	}
	if err != nil {
		return turnResult{turn: turn, err: fmt.Errorf("model call failed: %w", err)}
	}
	if resp == nil {
		return turnResult{turn: turn, err: errors.New("model returned no response")}
	}

	msgs := []Message{NewUserMessage(message)}
	s.record(msgs[0])

	summary := TurnSummary{Turn: n, StopReason: resp.StopReason}
	var text strings.Builder

	for _, part := range resp.Parts {
		switch {
		case part.ToolCall != nil:
			req, msg, stop := s.prepareCall(turn, *part.ToolCall)
			if stop != nil {
				s.completeTurn(turn, msgs)
				return s.abort(*stop)
			}
			msgs = append(msgs, msg)

			result := s.tools.Execute(s.ctx, req, ExecuteOptions{
				AutoApprove: s.cfg.AutoExecute,
				Values:      s.cfg.Context,
				OnPending: func(pending ToolCallRequest) {
					s.emit(Event{Kind: EventConfirmationRequired, Turn: n, Request: &pending})
				},
			})
			if s.ctx.Err() != nil {
				s.closeTurn(turn, context.Cause(s.ctx))
				s.persist(msgs)
				return s.abort(s.cancelled())
			}

			resultMsg := NewToolResultMessage(result)
			s.mu.Lock()
			if err := turn.AddResponse(result); err != nil {
				s.mu.Unlock()
				return turnResult{turn: turn, err: err}
			}
			s.history.Append(resultMsg)
			s.mu.Unlock()
			msgs = append(msgs, resultMsg)
			s.emit(Event{Kind: EventToolCallResponse, Turn: n, Response: &result})

			summary.Requests = append(summary.Requests, req)
			summary.Responses = append(summary.Responses, result)

		case part.Text != "":
			for chunk := range s.chunker.Stream(s.ctx, part.Text) {
				s.emit(Event{Kind: EventContent, Turn: n, Text: chunk})
			}
			if s.ctx.Err() != nil {
				s.closeTurn(turn, context.Cause(s.ctx))
				s.persist(msgs)
				return s.abort(s.cancelled())
			}
			textMsg := NewModelMessage(part.Text)
			s.record(textMsg)
			msgs = append(msgs, textMsg)
			text.WriteString(part.Text)

			if v := s.detector.CheckResponse(part.Text); v.Loop {
				s.loopDetected(n, v)
				s.completeTurn(turn, msgs)
				return s.abort(outcome{state: StateCompleted, detail: DetailLoop})
			}
		}
	}

	summary.Text = text.String()
	s.completeTurn(turn, msgs)

	if !s.continuation.ShouldContinue(summary) {
		return turnResult{turn: turn}
	}
	return turnResult{turn: turn, next: nextStep{
		cont:    true,
		message: s.continuation.NextMessage(s.cfg.Goal, summary),
	}}
}

// prepareCall checks a model tool call for loops, assigns its request id
// and records it. A non-nil outcome ends the session.
func (s *Session) prepareCall(turn *Turn, call ToolCallPart) (ToolCallRequest, Message, *outcome) {
	params := call.Params
	if params == nil {
		params = Params{}
	}
	if v := s.detector.CheckToolCall(call.Name, params); v.Loop {
		s.loopDetected(turn.Number, v)
		return ToolCallRequest{}, Message{}, &outcome{state: StateCompleted, detail: DetailLoop}
	}

	s.mu.Lock()
	id := call.ID
	if id == "" || s.seenIDs[id] {
		id = uuid.NewString()
	}
	s.seenIDs[id] = true
	req := ToolCallRequest{
		ID:        id,
		Name:      call.Name,
		Params:    params,
		Turn:      turn.Number,
		SessionID: s.id,
		Timestamp: time.Now(),
	}
	msg := NewToolCallMessage(req)
	_ = turn.AddRequest(req)
	s.history.Append(msg)
	s.toolCalls++
	s.mu.Unlock()

	s.emit(Event{Kind: EventToolCallRequest, Turn: turn.Number, Request: &req})
	return req, msg, nil
}

func (s *Session) abort(o outcome) turnResult {
	return turnResult{outcome: &o}
}

func (s *Session) record(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history.Append(msg)
}

func (s *Session) loopDetected(turn int, v LoopVerdict) {
	s.emit(Event{Kind: EventLoopDetected, Turn: turn, LoopKind: v.Kind, Detail: v.Signature})
	observability.Emit(s.ctx, s.observer, observability.LoopDetected, observability.LevelWarning, "agentloop.session", map[string]any{
		"session_id": s.id,
		"turn":       turn,
		"kind":       string(v.Kind),
		"signature":  v.Signature,
	})
}

// cancelled emits UserCancelled and returns the matching outcome.
func (s *Session) cancelled() outcome {
	s.emit(Event{Kind: EventUserCancelled})
	if errors.Is(context.Cause(s.ctx), ErrSessionTimeout) {
		return outcome{state: StateCancelled, detail: DetailTimeout}
	}
	return outcome{state: StateCancelled, detail: DetailCancelled}
}

// closeTurn marks a turn as errored without emitting TurnCompleted.
func (s *Session) closeTurn(turn *Turn, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turn.Fail(err)
}

func (s *Session) completeTurn(turn *Turn, msgs []Message) {
	s.mu.Lock()
	turn.Complete()
	s.mu.Unlock()
	s.persist(msgs)
	s.emit(Event{Kind: EventTurnCompleted, Turn: turn.Number})
}

func (s *Session) failTurn(turn *Turn, err error, recoverable bool) {
	s.mu.Lock()
	turn.Fail(err)
	s.mu.Unlock()
	s.persist(nil)

	observability.Emit(s.ctx, s.observer, observability.TurnError, observability.LevelWarning, "agentloop.session", map[string]any{
		"session_id":  s.id,
		"turn":        turn.Number,
		"error":       err.Error(),
		"recoverable": recoverable,
	})
	s.emit(Event{Kind: EventError, Turn: turn.Number, Error: err.Error(), Recoverable: recoverable})
	s.emit(Event{Kind: EventTurnCompleted, Turn: turn.Number})
}

// finish records the terminal state and emits the single Finished event.
func (s *Session) finish(o outcome) {
	reason := ReasonToolCallsComplete
	if o.state == StateMaxTurnsReached {
		reason = ReasonMaxTurns
	}

	s.mu.Lock()
	s.state = o.state
	s.endedAt = time.Now()
	s.reason = reason
	s.detail = o.detail
	turns := len(s.turns)
	toolCalls := s.toolCalls
	started := s.startedAt
	ended := s.endedAt
	s.mu.Unlock()

	s.updateMetadata(map[string]interface{}{
		"state":      string(o.state),
		"reason":     reason,
		"detail":     o.detail,
		"turns":      turns,
		"tool_calls": toolCalls,
		"started_at": started.UTC().Format(time.RFC3339Nano),
		"ended_at":   ended.UTC().Format(time.RFC3339Nano),
	})

	s.emit(Event{Kind: EventFinished, Reason: reason, State: o.state, Detail: o.detail})

	level := observability.LevelInfo
	if o.state == StateFatalError {
		level = observability.LevelError
	}
	observability.Emit(context.WithoutCancel(s.ctx), s.observer, observability.SessionEnd, level, "agentloop.session", map[string]any{
		"session_id": s.id,
		"state":      string(o.state),
		"reason":     reason,
		"detail":     o.detail,
		"turns":      turns,
		"duration":   ended.Sub(started).String(),
	})
}

// persist writes msgs and the running metadata to the history store.
func (s *Session) persist(msgs []Message) {
	if len(msgs) > 0 {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
		err := s.store.Append(ctx, s.id, msgs)
		cancel()
		if err != nil {
			s.persistFailed("append", err)
		}
	}

	s.mu.Lock()
	fields := map[string]interface{}{
		"state":      string(s.state),
		"turns":      len(s.turns),
		"tool_calls": s.toolCalls,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.mu.Unlock()
	s.updateMetadata(fields)
}

func (s *Session) updateMetadata(fields map[string]interface{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), persistTimeout)
	defer cancel()
	if err := s.store.UpdateMetadata(ctx, s.id, fields); err != nil {
		s.persistFailed("update_metadata", err)
	}
}

func (s *Session) persistFailed(op string, err error) {
	observability.Emit(context.WithoutCancel(s.ctx), s.observer, observability.HistoryPersistFailed, observability.LevelWarning, "agentloop.session", map[string]any{
		"session_id": s.id,
		"op":         op,
		"error":      err.Error(),
	})
}

func (s *Session) emit(ev Event) {
	s.buffer.Emit(s.id, ev)
}

// SessionSnapshot is a read-only copy of a session's state.
type SessionSnapshot struct {
	ID          string            `json:"id"`
	State       SessionState      `json:"state"`
	CurrentTurn int               `json:"current_turn"`
	MaxTurns    int               `json:"max_turns"`
	AutoExecute bool              `json:"auto_execute"`
	StartedAt   time.Time         `json:"started_at"`
	EndedAt     time.Time         `json:"ended_at,omitempty"`
	Reason      string            `json:"reason,omitempty"`
	Detail      string            `json:"detail,omitempty"`
	ToolCalls   int               `json:"tool_calls"`
	Turns       []Turn            `json:"turns"`
	Pending     []ToolCallRequest `json:"pending,omitempty"`
	Context     map[string]string `json:"context,omitempty"`
}

// Snapshot returns a copy of the session's current state.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	snap := SessionSnapshot{
		ID:          s.id,
		State:       s.state,
		CurrentTurn: len(s.turns),
		MaxTurns:    s.cfg.MaxTurns,
		AutoExecute: s.cfg.AutoExecute,
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		Reason:      s.reason,
		Detail:      s.detail,
		ToolCalls:   s.toolCalls,
		Turns:       make([]Turn, 0, len(s.turns)),
	}
	for _, t := range s.turns {
		snap.Turns = append(snap.Turns, t.clone())
	}
	if len(s.cfg.Context) > 0 {
		snap.Context = make(map[string]string, len(s.cfg.Context))
		for k, v := range s.cfg.Context {
			snap.Context[k] = v
		}
	}
	s.mu.Unlock()

	snap.Pending = s.tools.PendingConfirmations(s.id)
	return snap
}
