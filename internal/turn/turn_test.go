// ABOUTME: Tests for turn lifecycle transitions, sealing and the invocation log.
// ABOUTME: Covers concurrent appends and forced expiry of pending invocations.

package turn

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every call.
type fakeClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
}

func TestTurn_Advance(t *testing.T) {
	t.Run("walks the happy path", func(t *testing.T) {
		tr := New("s1", "hello", nil)
		require.NoError(t, tr.Advance(StatusRouted))
		require.NoError(t, tr.Advance(StatusDispatched))
		require.NoError(t, tr.Advance(StatusAggregating))
		require.NoError(t, tr.Advance(StatusCompleted))
		assert.Equal(t, StatusCompleted, tr.State())
	})

	t.Run("rejects skipping states", func(t *testing.T) {
		tr := New("s1", "hello", nil)
		err := tr.Advance(StatusDispatched)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, StatusReceived, tr.State())
	})

	t.Run("any live state may fail", func(t *testing.T) {
		tr := New("s1", "hello", nil)
		require.NoError(t, tr.Advance(StatusRouted))
		require.NoError(t, tr.Advance(StatusFailed))
		assert.Equal(t, StatusFailed, tr.State())
		assert.ErrorIs(t, tr.Advance(StatusDispatched), ErrInvalidTransition)
	})
}

func TestTurn_SealExpiresPending(t *testing.T) {
	clock := newFakeClock()
	tr := New("s1", "hello", clock.now)

	done, err := tr.Log().Begin("analyst", "query_db", json.RawMessage(`{"q":1}`))
	require.NoError(t, err)
	require.NoError(t, tr.Log().Finish(done, Outcome{Status: InvocationSucceeded, Output: json.RawMessage(`{"ok":true}`)}))

	_, err = tr.Log().Begin("analyst", "slow_tool", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Log().PendingCount())

	require.NoError(t, tr.Seal(StatusCompleted, "answer"))

	require.Len(t, tr.Invocations, 2)
	assert.Equal(t, InvocationSucceeded, tr.Invocations[0].Status)
	assert.Equal(t, InvocationTimedOut, tr.Invocations[1].Status)
	assert.Equal(t, KindTimeout, tr.Invocations[1].ErrorKind)
	assert.Equal(t, 0, tr.Log().PendingCount())
	assert.True(t, tr.Sealed())

	assert.ErrorIs(t, tr.Seal(StatusFailed, "again"), ErrTurnSealed)
	assert.ErrorIs(t, tr.AddFailure(Failure{Specialist: "x"}), ErrTurnSealed)
	_, err = tr.Log().Begin("late", "tool", nil)
	assert.ErrorIs(t, err, ErrLogSealed)
}

func TestTurn_SealRequiresTerminalStatus(t *testing.T) {
	tr := New("s1", "hello", nil)
	err := tr.Seal(StatusAggregating, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.False(t, tr.Sealed())
}

func TestInvocationLog_FinishOnce(t *testing.T) {
	log := NewInvocationLog(nil)
	id, err := log.Begin("a", "t", nil)
	require.NoError(t, err)

	attempts, err := log.RecordAttempt(id)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	attempts, err = log.RecordAttempt(id)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	require.NoError(t, log.Finish(id, Outcome{Status: InvocationSucceeded}))
	assert.ErrorIs(t, log.Finish(id, Outcome{Status: InvocationFailed}), ErrAlreadyTerminal)
	_, err = log.RecordAttempt(id)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	inv, ok := log.Get(id)
	require.True(t, ok)
	assert.Equal(t, InvocationSucceeded, inv.Status)
	assert.Equal(t, 2, inv.Attempts)

	assert.ErrorIs(t, log.Finish("missing", Outcome{Status: InvocationFailed}), ErrUnknownInvocation)
}

func TestInvocationLog_NonTerminalOutcomeBecomesFailed(t *testing.T) {
	log := NewInvocationLog(nil)
	id, err := log.Begin("a", "t", nil)
	require.NoError(t, err)
	require.NoError(t, log.Finish(id, Outcome{Status: InvocationPending}))

	inv, _ := log.Get(id)
	assert.Equal(t, InvocationFailed, inv.Status)
}

func TestInvocationLog_ConcurrentAppend(t *testing.T) {
	log := NewInvocationLog(nil)

	const workers = 32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := log.Begin(fmt.Sprintf("s%d", i%4), "tool", nil)
			if err != nil {
				t.Errorf("Begin: %v", err)
				return
			}
			if _, err := log.RecordAttempt(id); err != nil {
				t.Errorf("RecordAttempt: %v", err)
			}
			if err := log.Finish(id, Outcome{Status: InvocationSucceeded}); err != nil {
				t.Errorf("Finish: %v", err)
			}
		}(i)
	}
	wg.Wait()

	snap := log.Snapshot()
	assert.Len(t, snap, workers)
	for _, inv := range snap {
		assert.Equal(t, InvocationSucceeded, inv.Status)
		assert.Equal(t, 1, inv.Attempts)
	}
}

func TestInvocationLog_SnapshotIsCopy(t *testing.T) {
	log := NewInvocationLog(nil)
	id, err := log.Begin("a", "t", json.RawMessage(`{"x":1}`))
	require.NoError(t, err)

	snap := log.Snapshot()
	snap[0].Input[2] = 'y'
	snap[0].Status = InvocationFailed

	inv, _ := log.Get(id)
	assert.JSONEq(t, `{"x":1}`, string(inv.Input))
	assert.Equal(t, InvocationPending, inv.Status)
}

func TestSession_AppendRequiresSealedTurn(t *testing.T) {
	s := &Session{ID: "s1"}
	tr := New("s1", "hi", nil)
	assert.Error(t, s.Append(tr))

	require.NoError(t, tr.Seal(StatusCompleted, "ok"))
	require.NoError(t, s.Append(tr))

	for i := 0; i < 4; i++ {
		next := New("s1", "more", nil)
		require.NoError(t, next.Seal(StatusCompleted, "ok"))
		require.NoError(t, s.Append(next))
	}
	assert.Len(t, s.Recent(3), 3)
	assert.Len(t, s.Recent(0), 5)
	assert.Equal(t, tr.ID, s.Turns[0].ID)
}
