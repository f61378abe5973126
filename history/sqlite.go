package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/martinemde/autopilot/agentloop"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists session messages and metadata in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    sequence INTEGER NOT NULL,
    role TEXT NOT NULL CHECK (role IN ('user', 'model')),
    parts TEXT NOT NULL,
    text_content TEXT,
    correlation_id TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at DESC);
`

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Sequence allocation happens inside a write transaction; one
	// connection keeps concurrent sessions from racing on SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func ensureSession(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, metadata, created_at, updated_at) VALUES (?, '{}', ?, ?)`,
		sessionID, now, now)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Append stores msgs after the session's existing messages.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, msgs []agentloop.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if err := ensureSession(ctx, tx, sessionID, now); err != nil {
		return err
	}

	var maxSeq sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(sequence) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&maxSeq)
	if err != nil {
		return fmt.Errorf("get max sequence: %w", err)
	}
	seq := 0
	if maxSeq.Valid {
		seq = int(maxSeq.Int64) + 1
	}

	for _, msg := range msgs {
		parts, err := json.Marshal(msg.Parts)
		if err != nil {
			return fmt.Errorf("serialize parts: %w", err)
		}
		created := msg.Timestamp
		if created.IsZero() {
			created = now
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO messages (session_id, sequence, role, parts, text_content, correlation_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sessionID, seq, string(msg.Role), string(parts), msg.TextContent(), msg.CorrelationID, created)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		seq++
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, sessionID); err != nil {
		return fmt.Errorf("update session timestamp: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateMetadata merges fields into the session's metadata. Existing keys
// not named in fields are kept.
func (s *SQLiteStore) UpdateMetadata(ctx context.Context, sessionID string, fields map[string]interface{}) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if err := ensureSession(ctx, tx, sessionID, now); err != nil {
		return err
	}

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, sessionID).Scan(&raw); err != nil {
		return fmt.Errorf("read metadata: %w", err)
	}
	meta := make(map[string]interface{})
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	for k, v := range fields {
		meta[k] = v
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET metadata = ?, updated_at = ? WHERE id = ?`,
		string(encoded), now, sessionID); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Messages returns the session's messages in append order. An unknown
// session yields an empty slice.
func (s *SQLiteStore) Messages(ctx context.Context, sessionID string) ([]agentloop.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, parts, correlation_id, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY sequence ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []agentloop.Message
	for rows.Next() {
		var (
			role, parts string
			corrID      sql.NullString
			created     time.Time
		)
		if err := rows.Scan(&role, &parts, &corrID, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg := agentloop.Message{
			Role:          agentloop.MessageRole(role),
			Timestamp:     created,
			CorrelationID: corrID.String,
		}
		if err := json.Unmarshal([]byte(parts), &msg.Parts); err != nil {
			return nil, fmt.Errorf("decode parts: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// Metadata returns the session's merged metadata, or nil for an unknown
// session.
func (s *SQLiteStore) Metadata(ctx context.Context, sessionID string) (map[string]interface{}, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT metadata FROM sessions WHERE id = ?`, sessionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	meta := make(map[string]interface{})
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// SessionIDs lists stored sessions, most recently updated first.
func (s *SQLiteStore) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
