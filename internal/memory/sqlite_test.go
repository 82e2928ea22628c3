package memory

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteStoreDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestSQLiteStore_ToolCallRecording(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	var _ ToolCallRecorder = store

	started := time.Now().Add(-time.Minute)
	err := store.RecordToolCall(ctx, ToolCallRecord{
		ID:             "call-001",
		ConversationID: "conv",
		ToolName:       "f1_results",
		Arguments:      `{"query":"spain"}`,
		Result:         "Max Verstappen",
		StartedAt:      started,
		Duration:       150 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("RecordToolCall failed: %v", err)
	}
	err = store.RecordToolCall(ctx, ToolCallRecord{
		ID:             "call-002",
		ConversationID: "conv",
		ToolName:       "stock_price",
		Arguments:      `{"query":"AAPL"}`,
		Error:          `unknown tool "stock_price"`,
	})
	if err != nil {
		t.Fatalf("RecordToolCall with error failed: %v", err)
	}

	calls, err := store.ToolCalls(ctx, "conv", 10)
	if err != nil {
		t.Fatalf("ToolCalls() error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(calls))
	}

	// Most recent first.
	if calls[0].ToolName != "stock_price" || calls[0].Error == "" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].Result != "Max Verstappen" {
		t.Errorf("calls[1].Result = %q", calls[1].Result)
	}
	if calls[1].Duration != 150*time.Millisecond {
		t.Errorf("calls[1].Duration = %v, want 150ms", calls[1].Duration)
	}

	if err := store.Clear(ctx, "conv"); err != nil {
		t.Fatal(err)
	}
	calls, _ = store.ToolCalls(ctx, "conv", 10)
	if len(calls) != 0 {
		t.Errorf("Clear should drop the tool call log, got %d", len(calls))
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := setupSQLiteStore(t)

	_, _ = store.Append(ctx, "a", Turn{Role: "user", Content: "hi"})
	_, _ = store.Append(ctx, "a", Turn{Role: "assistant", Content: "hello"})

	stats := store.Stats()
	if stats["conversations"] != 1 || stats["turns"] != 2 || stats["storage"] != "sqlite" {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestNewSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "parley.db")

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error: %v", err)
	}
	if _, err := store.Append(ctx, "conv", Turn{Role: "user", Content: "remember me"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	turns, err := reopened.Turns(ctx, "conv")
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "remember me" {
		t.Errorf("Turns() after reopen = %+v", turns)
	}
}
