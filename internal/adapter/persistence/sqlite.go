package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"sagents/internal/domain"
)

// SQLite persists agent state snapshots and the append-only display
// history in one SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path and migrates
// the schema.
func NewSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL for concurrent read/write, busy timeout so concurrent tool-status
	// writers retry instead of failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
CREATE TABLE IF NOT EXISTS agent_states (
	agent_id   TEXT PRIMARY KEY,
	state      BLOB NOT NULL,
	context    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS display_items (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	message_id      TEXT NOT NULL,
	sequence        INTEGER NOT NULL,
	role            TEXT NOT NULL,
	kind            TEXT NOT NULL,
	content         TEXT,
	tool_call_id    TEXT,
	tool_status     TEXT,
	payload         TEXT,
	created_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_display_conversation
	ON display_items (conversation_id, id);
CREATE INDEX IF NOT EXISTS idx_display_tool_call
	ON display_items (tool_call_id);
`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

// Persist implements domain.AgentPersistence.
func (s *SQLite) Persist(ctx context.Context, agentID string, serialized []byte, pctx domain.PersistContext) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO agent_states (agent_id, state, context, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (agent_id) DO UPDATE SET
	state = excluded.state,
	context = excluded.context,
	updated_at = excluded.updated_at`,
		agentID, serialized, string(pctx), time.Now().UTC())
	return domain.WrapOp("SQLite.Persist", err)
}

// Load implements domain.AgentPersistence.
func (s *SQLite) Load(ctx context.Context, agentID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM agent_states WHERE agent_id = ?`, agentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("SQLite.Load", domain.ErrNotFound, agentID)
	}
	if err != nil {
		return nil, domain.WrapOp("SQLite.Load", err)
	}
	return state, nil
}

// SaveMessage implements domain.DisplayMessagePersistence.
func (s *SQLite) SaveMessage(ctx context.Context, conversationID string, msg domain.Message) ([]domain.DisplayItem, error) {
	items := domain.DisplayItems(msg)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapOp("SQLite.SaveMessage", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, item := range items {
		payload, err := json.Marshal(item)
		if err != nil {
			return nil, domain.WrapOp("SQLite.SaveMessage", err)
		}
		var toolCallID any
		if item.ToolCall != nil {
			toolCallID = item.ToolCall.ID
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO display_items
	(conversation_id, message_id, sequence, role, kind, content, tool_call_id, tool_status, payload, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, item.MessageID, item.Sequence, item.Role, string(item.Kind),
			item.Content, toolCallID, item.ToolStatus, string(payload), now); err != nil {
			return nil, domain.WrapOp("SQLite.SaveMessage", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapOp("SQLite.SaveMessage", err)
	}
	return items, nil
}

// UpdateToolStatus implements domain.DisplayMessagePersistence.
func (s *SQLite) UpdateToolStatus(ctx context.Context, phase domain.ToolPhase, info domain.ToolInfo) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE display_items SET tool_status = ? WHERE tool_call_id = ?`,
		string(phase), info.CallID)
	if err != nil {
		return 0, domain.WrapOp("SQLite.UpdateToolStatus", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.WrapOp("SQLite.UpdateToolStatus", err)
	}
	if n == 0 {
		return 0, domain.NewDomainError("SQLite.UpdateToolStatus", domain.ErrNotFound, info.CallID)
	}
	return int(n), nil
}

// Display returns the ordered display history for a conversation.
func (s *SQLite) Display(ctx context.Context, conversationID string) ([]domain.DisplayItem, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT payload, tool_status FROM display_items
WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, domain.WrapOp("SQLite.Display", err)
	}
	defer rows.Close()

	var items []domain.DisplayItem
	for rows.Next() {
		var payload string
		var status sql.NullString
		if err := rows.Scan(&payload, &status); err != nil {
			return nil, domain.WrapOp("SQLite.Display", err)
		}
		var item domain.DisplayItem
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			return nil, domain.WrapOp("SQLite.Display", err)
		}
		if status.Valid {
			item.ToolStatus = status.String
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

var (
	_ domain.AgentPersistence          = (*SQLite)(nil)
	_ domain.DisplayMessagePersistence = (*SQLite)(nil)
)
