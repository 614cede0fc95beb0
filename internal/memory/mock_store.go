// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-supervisor/internal/turn"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	sessions map[string]*mockSession // keyed by session ID
	turns    map[string]*turn.Turn   // keyed by turn ID
	facts    []Fact
	nextFact int64
	now      func() time.Time

	// AppendErr, when set, is returned by AppendTurn.
	AppendErr error
	// SearchErr, when set, is returned by SearchLongTerm.
	SearchErr error
}

type mockSession struct {
	summary SessionSummary
	turnIDs []string
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		sessions: make(map[string]*mockSession),
		turns:    make(map[string]*turn.Turn),
		now:      time.Now,
	}
}

// LoadSession returns a copy of the session and its newest turns.
func (m *MockStore) LoadSession(ctx context.Context, sessionID string, recent int) (*turn.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	ids := s.turnIDs
	if recent > 0 && len(ids) > recent {
		ids = ids[len(ids)-recent:]
	}
	sess := &turn.Session{
		ID:           s.summary.ID,
		MemoryHandle: s.summary.MemoryHandle,
		CreatedAt:    s.summary.CreatedAt,
	}
	for _, id := range ids {
		sess.Turns = append(sess.Turns, copyTurn(m.turns[id]))
	}
	return sess, nil
}

// AppendTurn stores a copy of a sealed turn.
func (m *MockStore) AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}
	if !t.Sealed() {
		return ErrTurnNotSealed
	}
	if _, ok := m.turns[t.ID]; ok {
		return ErrDuplicateTurn
	}

	s := m.sessionLocked(sessionID)
	s.turnIDs = append(s.turnIDs, t.ID)
	s.summary.TurnCount++
	s.summary.UpdatedAt = m.now()
	m.turns[t.ID] = copyTurn(t)

	for _, f := range turnFacts(t) {
		m.nextFact++
		f.ID = m.nextFact
		f.Namespace = s.summary.MemoryHandle
		f.SessionID = sessionID
		f.TurnID = t.ID
		f.CreatedAt = t.CompletedAt
		m.facts = append(m.facts, f)
	}
	return nil
}

// SearchLongTerm ranks facts by the number of query terms they contain.
func (m *MockStore) SearchLongTerm(ctx context.Context, namespace, query string, limit int) ([]Fact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	terms := ftsTermPattern.FindAllString(strings.ToLower(query), -1)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultRecallLimit
	}

	var out []Fact
	for _, f := range m.facts {
		if f.Namespace != namespace {
			continue
		}
		text := strings.ToLower(f.Text)
		hits := 0
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		f.Score = -float64(hits)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetMemoryHandle sets the session's fact namespace.
func (m *MockStore) SetMemoryHandle(ctx context.Context, sessionID, handle string) error {
	if handle == "" {
		return errors.New("memory handle is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.sessionLocked(sessionID)
	s.summary.MemoryHandle = handle
	s.summary.UpdatedAt = m.now()
	return nil
}

// GetTurn returns a copy of a stored turn.
func (m *MockStore) GetTurn(ctx context.Context, turnID string) (*turn.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.turns[turnID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTurn(t), nil
}

// ListSessions returns sessions, most recently updated first.
func (m *MockStore) ListSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.summary)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// TurnCount returns the number of stored turns.
func (m *MockStore) TurnCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.turns)
}

func (m *MockStore) sessionLocked(sessionID string) *mockSession {
	s, ok := m.sessions[sessionID]
	if !ok {
		now := m.now()
		s = &mockSession{summary: SessionSummary{
			ID:           sessionID,
			MemoryHandle: sessionID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
		m.sessions[sessionID] = s
	}
	return s
}

// copyTurn returns a sealed copy of the exported fields of a turn.
func copyTurn(t *turn.Turn) *turn.Turn {
	c := &turn.Turn{
		ID:          t.ID,
		SessionID:   t.SessionID,
		Input:       t.Input,
		Routing:     append([]turn.Assignment(nil), t.Routing...),
		Response:    t.Response,
		Failures:    append([]turn.Failure(nil), t.Failures...),
		Status:      t.Status,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Invocations: append([]turn.ToolInvocation(nil), t.Invocations...),
	}
	return turn.Restore(c)
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
