package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed conversation store. Transcripts survive
// restarts until their session is explicitly ended.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewSQLiteStoreDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStoreDB wraps an already-open database and applies the schema.
// The caller keeps ownership of driver selection.
func NewSQLiteStoreDB(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// migrate creates the database schema.
func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- seq preserves insertion order even when timestamps collide
	CREATE TABLE IF NOT EXISTS turns (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_call_id TEXT,
		tool_name TEXT,
		timestamp TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TEXT NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append adds a turn to the end of a conversation.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, t Turn) (Turn, error) {
	t, err := prepare(conversationID, t)
	if err != nil {
		return t, err
	}
	ts := t.Timestamp.UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return t, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, ts, ts)
	if err != nil {
		return t, fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, content, tool_call_id, tool_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, conversationID, t.Role, t.Content, nullString(t.ToolCallID), nullString(t.ToolName), ts)
	if err != nil {
		return t, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return t, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

// Turns returns the conversation in insertion order.
func (s *SQLiteStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_call_id, tool_name, timestamp
		FROM turns
		WHERE conversation_id = ?
		ORDER BY seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []Turn{}
	for rows.Next() {
		var t Turn
		var toolCallID, toolName sql.NullString
		var ts string
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &toolCallID, &toolName, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ToolCallID = toolCallID.String
		t.ToolName = toolName.String
		t.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Clear removes a conversation, its turns, and its tool call log.
func (s *SQLiteStore) Clear(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM turns WHERE conversation_id = ?`,
		`DELETE FROM tool_calls WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, conversationID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordToolCall stores one tool execution.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, rec ToolCallRecord) error {
	if rec.ConversationID == "" {
		return ErrEmptyConversationID
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.ConversationID, rec.ToolName, rec.Arguments,
		nullString(rec.Result), nullString(rec.Error),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.Duration.Milliseconds())
	if err != nil {
		return fmt.Errorf("record tool call: %w", err)
	}
	return nil
}

// ToolCalls returns recent tool calls for a conversation, newest first.
func (s *SQLiteStore) ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, tool_name, arguments, result, error, started_at, duration_ms
		FROM tool_calls
		WHERE conversation_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	calls := []ToolCallRecord{}
	for rows.Next() {
		var rec ToolCallRecord
		var result, errMsg sql.NullString
		var startedAt string
		var durationMs int64
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.ToolName, &rec.Arguments,
			&result, &errMsg, &startedAt, &durationMs); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		rec.Result = result.String
		rec.Error = errMsg.String
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		calls = append(calls, rec)
	}
	return calls, rows.Err()
}

// Stats returns memory statistics.
func (s *SQLiteStore) Stats() map[string]any {
	var convCount, turnCount, toolCount int

	_ = s.db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&convCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM turns`).Scan(&turnCount)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM tool_calls`).Scan(&toolCount)

	return map[string]any{
		"conversations": convCount,
		"turns":         turnCount,
		"tool_calls":    toolCount,
		"storage":       "sqlite",
	}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
