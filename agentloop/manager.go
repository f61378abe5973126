package agentloop

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/autopilot/observability"
)

// SessionDefaults fill in whatever SessionOptions leave unset.
type SessionDefaults struct {
	MaxTurns             int           `mapstructure:"max_turns"`
	Timeout              time.Duration `mapstructure:"timeout"`
	HistoryLimit         int           `mapstructure:"history_limit"`
	// MaxConsecutiveErrors ends a session in fatal_error after that many
	// failed turns in a row. Zero retries until MaxTurns.
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
	SystemPrompt         string        `mapstructure:"system_prompt"`
}

// DefaultSessionDefaults returns the standard session limits.
func DefaultSessionDefaults() SessionDefaults {
	return SessionDefaults{
		MaxTurns:     10,
		Timeout:      10 * time.Minute,
		HistoryLimit: 100,
	}
}

// SessionOptions are the per-session settings accepted by Start.
type SessionOptions struct {
	// Tools restricts the session to the named tools. Empty means all.
	Tools    []string      `json:"tools,omitempty"`
	MaxTurns int           `json:"max_turns,omitempty"`
	Timeout  time.Duration `json:"timeout,omitempty"`

	// AutoExecute runs tools that require confirmation without waiting.
	AutoExecute  bool              `json:"auto_execute"`
	Context      map[string]string `json:"context,omitempty"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
}

// Manager starts sessions and is the control surface for running ones.
// All sessions share the Manager's model, tool registry and stream buffer.
type Manager struct {
	model        Model
	tools        *ToolRegistry
	buffer       *StreamBuffer
	store        HistoryStore
	observer     observability.Observer
	defaults     SessionDefaults
	loop         LoopDetectorConfig
	chunker      ChunkPolicy
	continuation ContinuationPolicy
	disposeGrace time.Duration

	sessions map[string]*Session
	closed   bool
	quit     chan struct{}
	wg       sync.WaitGroup
	mu       sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithStreamBuffer shares buf instead of creating a private buffer.
func WithStreamBuffer(buf *StreamBuffer) ManagerOption {
	return func(m *Manager) { m.buffer = buf }
}

// WithHistoryStore persists session history to store.
func WithHistoryStore(store HistoryStore) ManagerOption {
	return func(m *Manager) { m.store = store }
}

// WithObserver sets the observer for session and tool logs.
func WithObserver(obs observability.Observer) ManagerOption {
	return func(m *Manager) { m.observer = obs }
}

// WithDefaults sets the limits applied when SessionOptions leave them zero.
func WithDefaults(d SessionDefaults) ManagerOption {
	return func(m *Manager) { m.defaults = d }
}

// WithLoopDetection configures each session's loop detector.
func WithLoopDetection(cfg LoopDetectorConfig) ManagerOption {
	return func(m *Manager) { m.loop = cfg }
}

// WithChunker sets how model text is split into Content events.
func WithChunker(p ChunkPolicy) ManagerOption {
	return func(m *Manager) { m.chunker = p }
}

// WithContinuationPolicy replaces the default continuation decision.
func WithContinuationPolicy(p ContinuationPolicy) ManagerOption {
	return func(m *Manager) { m.continuation = p }
}

// WithConfirmationPolicy installs p on the Manager's tool registry.
func WithConfirmationPolicy(p ConfirmationPolicy) ManagerOption {
	return func(m *Manager) { m.tools.SetConfirmationPolicy(p) }
}

// WithDisposeGrace sets how long a finished session's events and snapshot
// are kept for late consumers.
func WithDisposeGrace(d time.Duration) ManagerOption {
	return func(m *Manager) { m.disposeGrace = d }
}

// NewManager creates a Manager that runs model against tools.
func NewManager(model Model, tools *ToolRegistry, opts ...ManagerOption) *Manager {
	m := &Manager{
		model:        model,
		tools:        tools,
		store:        NoopHistoryStore{},
		observer:     observability.NoOpObserver{},
		defaults:     DefaultSessionDefaults(),
		loop:         DefaultLoopDetectorConfig(),
		chunker:      DefaultChunkPolicy(),
		continuation: DefaultContinuationPolicy{},
		disposeGrace: 5 * time.Second,
		sessions:     make(map[string]*Session),
		quit:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.buffer == nil {
		m.buffer = NewStreamBuffer(m.observer)
	}
	return m
}

// Tools returns the definitions of every registered tool.
func (m *Manager) Tools() []ToolDefinition { return m.tools.Definitions() }

// Start validates the request, creates a session and starts its turn loop
// in the background. Configuration problems fail here rather than in the
// event stream. The session outlives ctx; only its values are inherited.
func (m *Manager) Start(ctx context.Context, message string, opts SessionOptions) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", ErrEmptyMessage
	}
	if r, ok := m.model.(Readier); ok {
		if err := r.Ready(); err != nil {
			return "", fmt.Errorf("%w: %w", ErrModelNotReady, err)
		}
	}

	tools := m.tools
	if len(opts.Tools) > 0 {
		sub, err := m.tools.Subset(opts.Tools)
		if err != nil {
			return "", err
		}
		tools = sub
	}

	cfg := m.resolve(message, opts)
	id := uuid.Must(uuid.NewV7()).String()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	s := newSession(context.WithoutCancel(ctx), id, cfg, sessionDeps{
		model:        m.model,
		tools:        tools,
		buffer:       m.buffer,
		store:        m.store,
		observer:     m.observer,
		loop:         m.loop,
		chunker:      m.chunker,
		continuation: m.continuation,
	})
	m.sessions[id] = s
	m.wg.Add(1)
	m.mu.Unlock()

	s.start()
	go m.reap(s)
	return id, nil
}

func (m *Manager) resolve(message string, opts SessionOptions) SessionConfig {
	cfg := SessionConfig{
		Goal:                 message,
		MaxTurns:             opts.MaxTurns,
		Timeout:              opts.Timeout,
		AutoExecute:          opts.AutoExecute,
		SystemPrompt:         opts.SystemPrompt,
		HistoryLimit:         m.defaults.HistoryLimit,
		MaxConsecutiveErrors: m.defaults.MaxConsecutiveErrors,
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = m.defaults.MaxTurns
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultSessionDefaults().MaxTurns
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = m.defaults.Timeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = m.defaults.SystemPrompt
	}
	if len(opts.Context) > 0 {
		cfg.Context = make(map[string]string, len(opts.Context))
		for k, v := range opts.Context {
			cfg.Context[k] = v
		}
	}
	return cfg
}

// reap disposes of a session's stream and record once it has finished and
// the grace period has passed.
func (m *Manager) reap(s *Session) {
	defer m.wg.Done()
	<-s.Done()

	if m.disposeGrace > 0 {
		timer := time.NewTimer(m.disposeGrace)
		select {
		case <-timer.C:
		case <-m.quit:
			timer.Stop()
		}
	}

	m.mu.Lock()
	delete(m.sessions, s.id)
	st := m.buffer.remove(s.id)
	m.mu.Unlock()
	st.dispose()
}

func (m *Manager) session(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Cancel fires the session's cancellation signal.
func (m *Manager) Cancel(id string) error {
	s, err := m.session(id)
	if err != nil {
		return err
	}
	s.Cancel()
	return nil
}

// Snapshot returns a read-only copy of the session's state.
func (m *Manager) Snapshot(id string) (SessionSnapshot, error) {
	s, err := m.session(id)
	if err != nil {
		return SessionSnapshot{}, err
	}
	return s.Snapshot(), nil
}

// Sessions returns snapshots of every known session, oldest first.
func (m *Manager) Sessions() []SessionSnapshot {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	snaps := make([]SessionSnapshot, 0, len(all))
	for _, s := range all {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].StartedAt.Equal(snaps[j].StartedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].StartedAt.Before(snaps[j].StartedAt)
	})
	return snaps
}

// Attach connects sink to the session's event stream, replaying whatever
// is still queued.
func (m *Manager) Attach(id string, sink Sink) error {
	m.mu.RLock()
	_, ok := m.sessions[id]
	var st *stream
	if ok {
		st = m.buffer.stream(id, true)
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return m.buffer.attach(id, st, sink)
}

// Detach disconnects the session's sink. Later events are queued.
func (m *Manager) Detach(id string) error {
	if _, err := m.session(id); err != nil {
		return err
	}
	m.buffer.Detach(id)
	return nil
}

// Confirm resolves a tool call parked awaiting confirmation.
func (m *Manager) Confirm(id, requestID string, approved bool) (*ToolCallResponse, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	owned := false
	for _, req := range s.tools.PendingConfirmations(id) {
		if req.ID == requestID {
			owned = true
			break
		}
	}
	if !owned {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingConfirmation, requestID)
	}
	resp := s.tools.ConfirmPendingExecution(requestID, approved)
	if resp == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPendingConfirmation, requestID)
	}
	return resp, nil
}

// Done returns a channel closed when the session emits Finished.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	s, err := m.session(id)
	if err != nil {
		return nil, err
	}
	return s.Done(), nil
}

// Shutdown cancels every session, stops accepting new ones and waits for
// them to finish or for ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.quit)
	}
	for _, s := range m.sessions {
		s.Cancel()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
