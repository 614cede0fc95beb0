// ABOUTME: Tests for the SQLite memory store
// ABOUTME: Covers turn persistence, ordering, recent-turn limits, FTS5 recall and actor namespaces

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-supervisor/internal/turn"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sealedTurn builds a sealed turn with one successful invocation.
func sealedTurn(t *testing.T, sessionID, input, response string, status turn.Status) *turn.Turn {
	t.Helper()
	tr := turn.New(sessionID, input, nil)
	require.NoError(t, tr.SetRouting([]turn.Assignment{{Specialist: "literature", SubTask: input}}))

	log := tr.Log()
	id, err := log.Begin("literature", "search_pubmed", json.RawMessage(`{"query":"her2"}`))
	require.NoError(t, err)
	_, err = log.RecordAttempt(id)
	require.NoError(t, err)
	_, err = log.RecordAttempt(id)
	require.NoError(t, err)
	require.NoError(t, log.Finish(id, turn.Outcome{Status: turn.InvocationSucceeded, Output: json.RawMessage(`{"articles":2}`)}))

	if status == turn.StatusFailed {
		require.NoError(t, tr.AddFailure(turn.Failure{Specialist: "database", Kind: turn.KindTransientNetwork, Reason: "all tool calls failed"}))
	}
	require.NoError(t, tr.Seal(status, response))
	return tr
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "memory.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.AppendTurn(ctx, "sess-1", sealedTurn(t, "sess-1", "hello", "hi", turn.StatusCompleted)))
	require.NoError(t, s.Close())

	// Migrations must be idempotent against an existing schema.
	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	sess, err := s.LoadSession(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 1)
}

func TestSQLiteStore_AppendAndLoad(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LoadSession(ctx, "sess-1", 0)
	assert.ErrorIs(t, err, ErrNotFound)

	first := sealedTurn(t, "sess-1", "find HER2 papers", "Two papers found.", turn.StatusCompleted)
	second := sealedTurn(t, "sess-1", "and trials?", "unable to complete the request", turn.StatusFailed)
	require.NoError(t, s.AppendTurn(ctx, "sess-1", first))
	require.NoError(t, s.AppendTurn(ctx, "sess-1", second))

	sess, err := s.LoadSession(ctx, "sess-1", 0)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sess.ID)
	assert.Equal(t, "sess-1", sess.MemoryHandle)
	require.Len(t, sess.Turns, 2)

	got := sess.Turns[0]
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.Sealed())
	assert.Equal(t, turn.StatusCompleted, got.Status)
	assert.Equal(t, "Two papers found.", got.Response)
	assert.Equal(t, []string{"literature"}, got.SpecialistNames())
	require.Len(t, got.Invocations, 1)

	inv := got.Invocations[0]
	assert.Equal(t, "search_pubmed", inv.Tool)
	assert.Equal(t, turn.InvocationSucceeded, inv.Status)
	assert.Equal(t, 2, inv.Attempts)
	assert.JSONEq(t, `{"query":"her2"}`, string(inv.Input))
	assert.JSONEq(t, `{"articles":2}`, string(inv.Output))
	assert.True(t, inv.StartedAt.Equal(first.Invocations[0].StartedAt))

	failed := sess.Turns[1]
	assert.Equal(t, turn.StatusFailed, failed.Status)
	require.Len(t, failed.Failures, 1)
	assert.Equal(t, turn.KindTransientNetwork, failed.Failures[0].Kind)
}

func TestSQLiteStore_RecentTurns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		tr := sealedTurn(t, "sess-1", fmt.Sprintf("question %d", i), "answer", turn.StatusCompleted)
		ids = append(ids, tr.ID)
		require.NoError(t, s.AppendTurn(ctx, "sess-1", tr))
	}

	sess, err := s.LoadSession(ctx, "sess-1", 2)
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, ids[3], sess.Turns[0].ID, "oldest first")
	assert.Equal(t, ids[4], sess.Turns[1].ID)
}

func TestSQLiteStore_AppendRejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("unsealed turn", func(t *testing.T) {
		err := s.AppendTurn(ctx, "sess-1", turn.New("sess-1", "hi", nil))
		assert.ErrorIs(t, err, ErrTurnNotSealed)
	})

	t.Run("duplicate turn", func(t *testing.T) {
		tr := sealedTurn(t, "sess-1", "hi", "hello", turn.StatusCompleted)
		require.NoError(t, s.AppendTurn(ctx, "sess-1", tr))
		assert.ErrorIs(t, s.AppendTurn(ctx, "sess-1", tr), ErrDuplicateTurn)
	})
}

func TestSQLiteStore_GetTurn(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := sealedTurn(t, "sess-1", "hi", "hello", turn.StatusCompleted)
	require.NoError(t, s.AppendTurn(ctx, "sess-1", tr))

	got, err := s.GetTurn(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Response)
	assert.Len(t, got.Invocations, 1)

	_, err = s.GetTurn(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_SearchLongTerm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "sess-1",
		sealedTurn(t, "sess-1", "What is known about HER2 amplification?", "HER2 is amplified in 20% of breast cancers.", turn.StatusCompleted)))
	require.NoError(t, s.AppendTurn(ctx, "sess-1",
		sealedTurn(t, "sess-1", "List recent EGFR trials", "unable to complete the request", turn.StatusFailed)))
	require.NoError(t, s.AppendTurn(ctx, "sess-2",
		sealedTurn(t, "sess-2", "HER2 in gastric cancer", "Other session.", turn.StatusCompleted)))

	t.Run("ranks within the namespace", func(t *testing.T) {
		facts, err := s.SearchLongTerm(ctx, "sess-1", "her2 breast", 5)
		require.NoError(t, err)
		require.NotEmpty(t, facts)
		assert.Equal(t, RoleAssistant, facts[0].Role, "the fact matching both terms ranks first")
		for _, f := range facts {
			assert.Equal(t, "sess-1", f.Namespace)
		}
	})

	t.Run("failed turns keep only the input", func(t *testing.T) {
		facts, err := s.SearchLongTerm(ctx, "sess-1", "unable complete EGFR", 5)
		require.NoError(t, err)
		require.Len(t, facts, 1)
		assert.Equal(t, RoleUser, facts[0].Role)
	})

	t.Run("query syntax is neutralized", func(t *testing.T) {
		facts, err := s.SearchLongTerm(ctx, "sess-1", `HER2" OR NEAR(*`, 5)
		require.NoError(t, err)
		assert.NotEmpty(t, facts)
	})

	t.Run("empty query", func(t *testing.T) {
		facts, err := s.SearchLongTerm(ctx, "sess-1", "  ?! ", 5)
		require.NoError(t, err)
		assert.Empty(t, facts)
	})
}

func TestSQLiteStore_MemoryHandleSpansSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMemoryHandle(ctx, "sess-1", "actor:alice"))
	require.NoError(t, s.SetMemoryHandle(ctx, "sess-2", "actor:alice"))
	require.NoError(t, s.AppendTurn(ctx, "sess-1", sealedTurn(t, "sess-1", "remember trastuzumab", "noted", turn.StatusCompleted)))
	require.NoError(t, s.AppendTurn(ctx, "sess-2", sealedTurn(t, "sess-2", "something else", "ok", turn.StatusCompleted)))

	facts, err := s.SearchLongTerm(ctx, "actor:alice", "trastuzumab", 5)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "sess-1", facts[0].SessionID)

	sess, err := s.LoadSession(ctx, "sess-2", 0)
	require.NoError(t, err)
	assert.Equal(t, "actor:alice", sess.MemoryHandle)

	assert.Error(t, s.SetMemoryHandle(ctx, "sess-1", ""))
}

func TestSQLiteStore_ListSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendTurn(ctx, "sess-a", sealedTurn(t, "sess-a", "one", "1", turn.StatusCompleted)))
	require.NoError(t, s.AppendTurn(ctx, "sess-b", sealedTurn(t, "sess-b", "two", "2", turn.StatusCompleted)))
	require.NoError(t, s.AppendTurn(ctx, "sess-b", sealedTurn(t, "sess-b", "three", "3", turn.StatusCompleted)))

	sessions, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	counts := map[string]int{}
	for _, sum := range sessions {
		counts[sum.ID] = sum.TurnCount
	}
	assert.Equal(t, map[string]int{"sess-a": 1, "sess-b": 2}, counts)

	limited, err := s.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
