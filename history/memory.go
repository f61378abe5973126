// Package history provides agentloop.HistoryStore implementations: a
// SQLite-backed store for durable sessions and an in-memory store for
// tests and one-shot runs.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/martinemde/autopilot/agentloop"
)

// Store is a HistoryStore that can also read back what it persisted.
type Store interface {
	agentloop.HistoryStore
	Messages(ctx context.Context, sessionID string) ([]agentloop.Message, error)
	Metadata(ctx context.Context, sessionID string) (map[string]interface{}, error)
	SessionIDs(ctx context.Context) ([]string, error)
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

type memorySession struct {
	messages []agentloop.Message
	metadata map[string]interface{}
	updated  time.Time
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	sessions map[string]*memorySession
	mu       sync.RWMutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) session(id string) *memorySession {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &memorySession{metadata: make(map[string]interface{})}
		s.sessions[id] = sess
	}
	sess.updated = time.Now()
	return sess
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs []agentloop.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	sess.messages = append(sess.messages, msgs...)
	return nil
}

func (s *MemoryStore) UpdateMetadata(_ context.Context, sessionID string, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(sessionID)
	for k, v := range fields {
		sess.metadata[k] = v
	}
	return nil
}

func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]agentloop.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return append([]agentloop.Message(nil), sess.messages...), nil
}

func (s *MemoryStore) Metadata(_ context.Context, sessionID string) (map[string]interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]interface{}, len(sess.metadata))
	for k, v := range sess.metadata {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) SessionIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.sessions[ids[i]], s.sessions[ids[j]]
		if !a.updated.Equal(b.updated) {
			return a.updated.After(b.updated)
		}
		return ids[i] < ids[j]
	})
	return ids, nil
}
