package agentloop

import "context"

// HistoryStore persists session messages and metadata. Failures are
// logged by the session and never end it.
type HistoryStore interface {
	Append(ctx context.Context, sessionID string, msgs []Message) error
	UpdateMetadata(ctx context.Context, sessionID string, fields map[string]interface{}) error
}

// NoopHistoryStore discards everything.
type NoopHistoryStore struct{}

func (NoopHistoryStore) Append(context.Context, string, []Message) error { return nil }

func (NoopHistoryStore) UpdateMetadata(context.Context, string, map[string]interface{}) error {
	return nil
}
