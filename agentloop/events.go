package agentloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/autopilot/observability"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventTurnStarted          EventKind = "turn_started"
	EventContent              EventKind = "content"
	EventToolCallRequest      EventKind = "tool_call_request"
	EventToolCallResponse     EventKind = "tool_call_response"
	EventLoopDetected         EventKind = "loop_detected"
	EventError                EventKind = "error"
	EventUserCancelled        EventKind = "user_cancelled"
	EventFinished             EventKind = "finished"
	EventTurnCompleted        EventKind = "turn_completed"
	EventConfirmationRequired EventKind = "confirmation_required"
)

// Finished reasons.
const (
	ReasonToolCallsComplete = "tool_calls_complete"
	ReasonMaxTurns          = "max_turns"
)

// Event is a typed notification emitted by a session. Seq is assigned by
// the StreamBuffer and increases by one per event within a session.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Turn      int       `json:"turn,omitempty"`

	// Content
	Text string `json:"text,omitempty"`

	// ToolCallRequest, ConfirmationRequired and ToolCallResponse
	Request  *ToolCallRequest  `json:"request,omitempty"`
	Response *ToolCallResponse `json:"response,omitempty"`

	// Error
	Error       string `json:"error,omitempty"`
	Recoverable bool   `json:"recoverable,omitempty"`

	// Finished
	Reason string       `json:"reason,omitempty"`
	State  SessionState `json:"state,omitempty"`
	Detail string       `json:"detail,omitempty"`

	// LoopDetected
	LoopKind LoopKind `json:"loop_kind,omitempty"`
}

// Sink receives events for one session. Deliver is called with the session
// lock held and must not block for long; a non-nil error detaches the sink.
type Sink interface {
	Deliver(ev Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ev Event) error

func (f SinkFunc) Deliver(ev Event) error { return f(ev) }

type stream struct {
	queue    []Event
	sink     Sink
	seq      uint64
	disposed bool
	mu       sync.Mutex
}

// StreamBuffer queues session events until a sink attaches, then delivers
// them directly. Each session is serialized by its own lock.
type StreamBuffer struct {
	streams  map[string]*stream
	observer observability.Observer
	mu       sync.Mutex
}

// NewStreamBuffer creates an empty StreamBuffer. A nil observer discards
// sink failure logs.
func NewStreamBuffer(obs observability.Observer) *StreamBuffer {
	if obs == nil {
		obs = observability.NoOpObserver{}
	}
	return &StreamBuffer{
		streams:  make(map[string]*stream),
		observer: obs,
	}
}

func (b *StreamBuffer) stream(sessionID string, create bool) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[sessionID]
	if s == nil && create {
		s = &stream{}
		b.streams[sessionID] = s
	}
	return s
}

// Emit stamps ev with the session id, sequence number and (if unset) the
// current time, then delivers it to the attached sink or queues it.
func (b *StreamBuffer) Emit(sessionID string, ev Event) Event {
	s := b.stream(sessionID, true)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	ev.Seq = s.seq
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	if s.sink != nil && len(s.queue) == 0 {
		err := s.sink.Deliver(ev)
		if err == nil {
			return ev
		}
		b.sinkFailed(sessionID, ev, err)
		s.sink = nil
	}
	s.queue = append(s.queue, ev)
	return ev
}

// Attach registers sink for the session, delivers every queued event in
// order and then switches to direct delivery. If the sink fails during the
// flush, the undelivered events stay queued, the sink is not attached and
// the error is returned.
func (b *StreamBuffer) Attach(sessionID string, sink Sink) error {
	return b.attach(sessionID, b.stream(sessionID, true), sink)
}

// attach replays s's queue into sink and makes it live. A stream disposed
// after it was looked up refuses the sink.
func (b *StreamBuffer) attach(sessionID string, s *stream, sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	for len(s.queue) > 0 {
		if err := sink.Deliver(s.queue[0]); err != nil {
			b.sinkFailed(sessionID, s.queue[0], err)
			s.sink = nil
			return err
		}
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
	}
	s.queue = nil
	s.sink = sink
	return nil
}

// Detach drops the session's sink. Later events are queued again.
func (b *StreamBuffer) Detach(sessionID string) {
	s := b.stream(sessionID, false)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
}

// DetachAndDispose forgets the session's queue and sink.
func (b *StreamBuffer) DetachAndDispose(sessionID string) {
	b.remove(sessionID).dispose()
}

func (b *StreamBuffer) remove(sessionID string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.streams[sessionID]
	delete(b.streams, sessionID)
	return s
}

func (s *stream) dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = nil
	s.queue = nil
	s.disposed = true
}

// Pending returns the number of queued events for the session.
func (b *StreamBuffer) Pending(sessionID string) int {
	s := b.stream(sessionID, false)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Attached reports whether a sink is live for the session.
func (b *StreamBuffer) Attached(sessionID string) bool {
	s := b.stream(sessionID, false)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink != nil
}

func (b *StreamBuffer) sinkFailed(sessionID string, ev Event, err error) {
	observability.Emit(context.Background(), b.observer, observability.StreamSinkFailed, observability.LevelWarning, "agentloop.stream", map[string]any{
		"session_id": sessionID,
		"seq":        ev.Seq,
		"kind":       string(ev.Kind),
		"error":      err.Error(),
	})
}
