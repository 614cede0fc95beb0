// ABOUTME: Tests for the memory client over MockStore.
// ABOUTME: Covers new-session loading, best-effort recall and per-session write ordering.

package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-supervisor/internal/turn"
)

func TestClient_LoadUnknownSession(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClient(ClientConfig{Store: NewMockStore(), Now: func() time.Time { return now }})

	sess, err := c.Load(context.Background(), "sess-new")
	require.NoError(t, err)
	assert.Equal(t, "sess-new", sess.ID)
	assert.Equal(t, "sess-new", sess.MemoryHandle)
	assert.Equal(t, now, sess.CreatedAt)
	assert.Empty(t, sess.Turns)
}

func TestClient_LoadRecentTurns(t *testing.T) {
	store := NewMockStore()
	c := NewClient(ClientConfig{Store: store, RecentTurns: 2})
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, c.AppendTurn(ctx, "s", sealedTurn(t, "s", fmt.Sprintf("q%d", i), "a", turn.StatusCompleted)))
	}

	sess, err := c.Load(ctx, "s")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, "q1", sess.Turns[0].Input)

	full, err := c.Session(ctx, "s")
	require.NoError(t, err)
	assert.Len(t, full.Turns, 3)
}

func TestClient_RecallIsBestEffort(t *testing.T) {
	store := NewMockStore()
	c := NewClient(ClientConfig{Store: store})
	ctx := context.Background()

	require.NoError(t, c.AppendTurn(ctx, "s", sealedTurn(t, "s", "HER2 status", "positive", turn.StatusCompleted)))
	assert.Len(t, c.Recall(ctx, "s", "her2"), 1)

	store.SearchErr = errors.New("index corrupt")
	assert.Nil(t, c.Recall(ctx, "s", "her2"))
}

func TestClient_AppendTurn(t *testing.T) {
	t.Run("rejects unsealed", func(t *testing.T) {
		c := NewClient(ClientConfig{Store: NewMockStore()})
		err := c.AppendTurn(context.Background(), "s", turn.New("s", "hi", nil))
		assert.ErrorIs(t, err, ErrTurnNotSealed)
	})

	t.Run("wraps store errors", func(t *testing.T) {
		store := NewMockStore()
		store.AppendErr = errors.New("disk full")
		c := NewClient(ClientConfig{Store: store})

		err := c.AppendTurn(context.Background(), "s", sealedTurn(t, "s", "hi", "hello", turn.StatusCompleted))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disk full")
	})
}

// orderingStore records the order AppendTurn calls reach the store and
// detects overlapping writes to one session.
type orderingStore struct {
	*MockStore
	mu       sync.Mutex
	inFlight map[string]int
	overlap  bool
}

func (o *orderingStore) AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error {
	o.mu.Lock()
	o.inFlight[sessionID]++
	if o.inFlight[sessionID] > 1 {
		o.overlap = true
	}
	o.mu.Unlock()

	time.Sleep(2 * time.Millisecond)
	err := o.MockStore.AppendTurn(ctx, sessionID, t)

	o.mu.Lock()
	o.inFlight[sessionID]--
	o.mu.Unlock()
	return err
}

func TestClient_SerializesWritesPerSession(t *testing.T) {
	store := &orderingStore{MockStore: NewMockStore(), inFlight: map[string]int{}}
	c := NewClient(ClientConfig{Store: store})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		session := fmt.Sprintf("s%d", i%2)
		tr := sealedTurn(t, session, fmt.Sprintf("q%d", i), "a", turn.StatusCompleted)
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.AppendTurn(ctx, session, tr))
		}()
	}
	wg.Wait()

	assert.False(t, store.overlap, "writes to one session must not overlap")
	assert.Equal(t, 20, store.TurnCount())

	c.mu.Lock()
	assert.Empty(t, c.locks, "session locks are released")
	c.mu.Unlock()
}

func TestClient_BindActor(t *testing.T) {
	store := NewMockStore()
	c := NewClient(ClientConfig{Store: store})
	ctx := context.Background()

	require.NoError(t, c.BindActor(ctx, "s1", "alice"))
	require.NoError(t, c.BindActor(ctx, "s2", "alice"))
	require.NoError(t, c.AppendTurn(ctx, "s1", sealedTurn(t, "s1", "favourite gene is BRCA1", "noted", turn.StatusCompleted)))

	facts := c.Recall(ctx, "actor:alice", "brca1")
	require.Len(t, facts, 1)
	assert.Equal(t, "s1", facts[0].SessionID)

	sess, err := c.Load(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, "actor:alice", sess.MemoryHandle)
}
