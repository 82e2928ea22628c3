package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
)

// ErrSessionClosed is returned when a turn is submitted to an ended session.
var ErrSessionClosed = errors.New("session closed")

// Session owns one conversation. Turns are serialized: a submission does
// not start until the previous one has appended its reply.
type Session struct {
	id    string
	store memory.Store

	mu     sync.Mutex // held for the whole of a turn
	closed bool

	refs int // guarded by Manager.mu
}

// NewSession creates a session over store. An empty id gets a fresh one.
func NewSession(id string, store memory.Store) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{id: id, store: store}
}

// ID returns the conversation identifier.
func (s *Session) ID() string { return s.id }

// History returns the ordered turns for display.
func (s *Session) History(ctx context.Context) ([]memory.Turn, error) {
	return s.store.Turns(ctx, s.id)
}

// end closes the session and discards its conversation. It waits for an
// in-flight turn to reach its append point.
func (s *Session) end(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.store.Clear(ctx, s.id)
}

// BuildMessages assembles a completion request: the system directive first,
// then every stored turn in its original order.
func BuildMessages(system string, turns []memory.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns)+1)
	if system != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	for _, t := range turns {
		msgs = append(msgs, llm.Message{
			Role:       t.Role,
			Content:    t.Content,
			ToolCallID: t.ToolCallID,
			Name:       t.ToolName,
		})
	}
	return msgs
}

// Manager tracks the sessions in use by a process. A session stays in
// the map only while some caller holds it; history lives in the store, so
// an idle conversation is simply reopened on its next turn.
type Manager struct {
	store  memory.Store
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager backed by store.
func NewManager(store memory.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session for id and holds it until Release. An empty id
// starts a new conversation with a generated identifier. While an End is
// tearing id down, Open returns the closing session, whose turns fail
// with ErrSessionClosed.
func (m *Manager) Open(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquire(id)
}

// acquire must be called with m.mu held.
func (m *Manager) acquire(id string) *Session {
	s, ok := m.sessions[id]
	if !ok || id == "" {
		s = NewSession(id, m.store)
		m.sessions[s.id] = s
		m.logger.Debug("session opened", "conversation", s.id)
	}
	s.refs++
	return s
}

// Release drops a hold taken by Open. The last release removes the
// session from the map.
func (m *Manager) Release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.refs--
	if s.refs > 0 {
		return
	}
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
		m.logger.Debug("session released", "conversation", s.id)
	}
}

// Get returns a held session without taking a hold.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// End closes the session for id and clears its history, including history
// persisted by an earlier process. The session stays mapped until the
// clear completes, so a concurrent Open cannot start a conversation that
// the clear would then truncate.
func (m *Manager) End(ctx context.Context, id string) error {
	if id == "" {
		return memory.ErrEmptyConversationID
	}

	m.mu.Lock()
	s := m.acquire(id)
	m.mu.Unlock()
	defer m.Release(s)

	if err := s.end(ctx); err != nil {
		return fmt.Errorf("end session %s: %w", id, err)
	}
	m.logger.Info("session ended", "conversation", id)
	return nil
}

// Len returns the number of sessions currently held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
