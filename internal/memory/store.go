// Package memory provides conversation memory storage.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyConversationID is returned when a store call has no conversation.
var ErrEmptyConversationID = errors.New("conversation id is required")

// Turn is one message in a conversation.
type Turn struct {
	ID         string    `json:"id"`
	Role       string    `json:"role"` // system, user, assistant, tool
	Content    string    `json:"content"`
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is an append-only, insertion-ordered log of turns per conversation.
// No method edits or removes an individual turn; Clear drops a whole
// conversation when its session ends.
type Store interface {
	Append(ctx context.Context, conversationID string, t Turn) (Turn, error)
	Turns(ctx context.Context, conversationID string) ([]Turn, error)
	Clear(ctx context.Context, conversationID string) error
}

// ToolCallRecorder is implemented by stores that keep an audit log of tool
// executions alongside the conversation.
type ToolCallRecorder interface {
	RecordToolCall(ctx context.Context, rec ToolCallRecord) error
	ToolCalls(ctx context.Context, conversationID string, limit int) ([]ToolCallRecord, error)
}

// ToolCallRecord is one executed (or skipped) tool invocation.
type ToolCallRecord struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	ToolName       string        `json:"tool_name"`
	Arguments      string        `json:"arguments"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// prepare validates a turn and fills in its ID and timestamp.
func prepare(conversationID string, t Turn) (Turn, error) {
	if conversationID == "" {
		return t, ErrEmptyConversationID
	}
	if !validRoles[t.Role] {
		return t, fmt.Errorf("invalid role %q", t.Role)
	}
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return t, fmt.Errorf("generate turn id: %w", err)
		}
		t.ID = id.String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return t, nil
}

// MemStore keeps conversations in process memory.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[string][]Turn
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[string][]Turn)}
}

// Append adds a turn to the end of a conversation.
func (s *MemStore) Append(ctx context.Context, conversationID string, t Turn) (Turn, error) {
	t, err := prepare(conversationID, t)
	if err != nil {
		return t, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[conversationID] = append(s.conversations[conversationID], t)
	return t, nil
}

// Turns returns a copy of the conversation, oldest first. An unknown
// conversation is empty.
func (s *MemStore) Turns(ctx context.Context, conversationID string) ([]Turn, error) {
	if conversationID == "" {
		return nil, ErrEmptyConversationID
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := s.conversations[conversationID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

// Clear removes a conversation.
func (s *MemStore) Clear(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, conversationID)
	return nil
}

// Stats returns memory statistics.
func (s *MemStore) Stats() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, turns := range s.conversations {
		total += len(turns)
	}
	return map[string]any{
		"conversations": len(s.conversations),
		"turns":         total,
		"storage":       "memory",
	}
}
