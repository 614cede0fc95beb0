// ABOUTME: Tests for turn handling with scripted routers, runners and memory.
// ABOUTME: Covers dependency ordering, cycles, routing failures, memory faults and aggregation.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-supervisor/internal/memory"
	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/turn"
)

type routerFunc func(ctx context.Context, req RouteRequest) ([]turn.Assignment, error)

func (f routerFunc) Route(ctx context.Context, req RouteRequest) ([]turn.Assignment, error) {
	return f(ctx, req)
}

func routeTo(assignments ...turn.Assignment) Router {
	return routerFunc(func(context.Context, RouteRequest) ([]turn.Assignment, error) {
		return assignments, nil
	})
}

func assign(name string, deps ...string) turn.Assignment {
	return turn.Assignment{Specialist: name, SubTask: "task for " + name, DependsOn: deps}
}

// fakeRunner runs a scripted function and records what it was given.
type fakeRunner struct {
	desc specialist.Descriptor
	run  func(ctx context.Context, subTask string, sc specialist.SessionContext) (*specialist.Result, error)

	mu       sync.Mutex
	ran      bool
	subTask  string
	upstream []string
}

func (r *fakeRunner) Name() string                      { return r.desc.Name }
func (r *fakeRunner) Descriptor() specialist.Descriptor { return r.desc }

func (r *fakeRunner) Run(ctx context.Context, subTask string, sc specialist.SessionContext) (*specialist.Result, error) {
	r.mu.Lock()
	r.ran = true
	r.subTask = subTask
	for _, up := range sc.Upstream {
		r.upstream = append(r.upstream, up.Specialist)
	}
	r.mu.Unlock()
	if r.run == nil {
		return answer(r.desc.Name, r.desc.Name+" answer"), nil
	}
	return r.run(ctx, subTask, sc)
}

func (r *fakeRunner) didRun() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ran
}

func answer(name, text string) *specialist.Result {
	return &specialist.Result{Specialist: name, Answer: text, Succeeded: 1}
}

func runner(name string) *fakeRunner {
	return &fakeRunner{desc: specialist.Descriptor{Name: name}}
}

func failingRunner(name string, kind turn.ErrorKind) *fakeRunner {
	r := runner(name)
	r.run = func(context.Context, string, specialist.SessionContext) (*specialist.Result, error) {
		return nil, &specialist.FailedError{Specialist: name, Kind: kind, Reason: "scripted failure"}
	}
	return r
}

func newTestSupervisor(t *testing.T, router Router, mem Memory, runners ...*fakeRunner) *Supervisor {
	t.Helper()
	rs := make([]Runner, 0, len(runners))
	for _, r := range runners {
		rs = append(rs, r)
	}
	s, err := New(Config{Router: router, Specialists: rs, Memory: mem, Grace: 50 * time.Millisecond})
	require.NoError(t, err)
	return s
}

func newMemory() (*memory.Client, *memory.MockStore) {
	store := memory.NewMockStore()
	return memory.NewClient(memory.ClientConfig{Store: store}), store
}

func TestNew(t *testing.T) {
	t.Run("requires router", func(t *testing.T) {
		_, err := New(Config{Specialists: []Runner{runner("a")}})
		assert.Error(t, err)
	})

	t.Run("requires specialists", func(t *testing.T) {
		_, err := New(Config{Router: routeTo()})
		assert.Error(t, err)
	})

	t.Run("rejects duplicate names", func(t *testing.T) {
		_, err := New(Config{Router: routeTo(), Specialists: []Runner{runner("a"), runner("a")}})
		assert.Error(t, err)
	})

	t.Run("applies defaults", func(t *testing.T) {
		s, err := New(Config{Router: routeTo(), Specialists: []Runner{runner("a")}})
		require.NoError(t, err)
		assert.Equal(t, DefaultDeadline, s.deadline)
		assert.Equal(t, DefaultGrace, s.grace)
		assert.Equal(t, DefaultRecentTurns, s.recentTurns)
	})
}

func TestHandleTurn_Completed(t *testing.T) {
	mem, store := newMemory()
	a, b := runner("alpha"), runner("beta")
	s := newTestSupervisor(t, routeTo(assign("alpha"), assign("beta")), mem, a, b)

	tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
	require.NoError(t, err)

	assert.Equal(t, turn.StatusCompleted, tr.Status)
	assert.Equal(t, "## alpha\n\nalpha answer\n\n## beta\n\nbeta answer", tr.Response)
	assert.Empty(t, tr.Failures)
	assert.False(t, tr.CompletedAt.IsZero())
	assert.Equal(t, "task for alpha", a.subTask)
	assert.Equal(t, 1, store.TurnCount())

	_, err = s.HandleTurn(context.Background(), "", "hello")
	assert.Error(t, err)
}

func TestHandleTurn_SingleResultIsBare(t *testing.T) {
	s := newTestSupervisor(t, routeTo(assign("alpha")), nil, runner("alpha"))

	resp, err := s.HandleRequest(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "alpha answer", resp)
}

func TestHandleTurn_Dependencies(t *testing.T) {
	t.Run("dependent receives upstream results", func(t *testing.T) {
		upstreamDone := make(chan struct{})
		a := runner("alpha")
		a.run = func(context.Context, string, specialist.SessionContext) (*specialist.Result, error) {
			time.Sleep(20 * time.Millisecond)
			close(upstreamDone)
			return answer("alpha", "found 3 papers"), nil
		}
		b := runner("beta")
		b.run = func(_ context.Context, _ string, sc specialist.SessionContext) (*specialist.Result, error) {
			select {
			case <-upstreamDone:
			default:
				t.Error("beta started before alpha finished")
			}
			if len(sc.Upstream) != 1 {
				return nil, fmt.Errorf("want 1 upstream result, got %d", len(sc.Upstream))
			}
			return answer("beta", "summarized "+sc.Upstream[0].Answer), nil
		}

		s := newTestSupervisor(t, routeTo(assign("beta", "alpha"), assign("alpha")), nil, a, b)
		tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.Contains(t, tr.Response, "summarized found 3 papers")
		assert.Equal(t, []string{"alpha"}, b.upstream)
	})

	t.Run("declared dependencies apply when both are routed", func(t *testing.T) {
		a := runner("alpha")
		b := runner("beta")
		b.desc.DependsOn = []string{"alpha"}

		s := newTestSupervisor(t, routeTo(assign("alpha"), assign("beta")), nil, a, b)
		_, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, b.upstream)
	})

	t.Run("declared dependency on an unrouted specialist is ignored", func(t *testing.T) {
		b := runner("beta")
		b.desc.DependsOn = []string{"alpha"}

		s := newTestSupervisor(t, routeTo(assign("beta")), nil, runner("alpha"), b)
		_, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.Empty(t, b.upstream)
	})

	t.Run("dependent of a failed specialist never runs", func(t *testing.T) {
		a := failingRunner("alpha", turn.KindAllToolsFailed)
		b := runner("beta")
		c := runner("gamma")

		s := newTestSupervisor(t, routeTo(assign("alpha"), assign("beta", "alpha"), assign("gamma")), nil, a, b, c)
		tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)

		assert.False(t, b.didRun())
		assert.Equal(t, turn.StatusCompleted, tr.Status)
		require.Len(t, tr.Failures, 2)
		assert.Equal(t, turn.Failure{Specialist: "alpha", Kind: turn.KindAllToolsFailed, Reason: "scripted failure"}, tr.Failures[0])
		assert.Equal(t, turn.Failure{Specialist: "beta", Kind: turn.KindDependency, Reason: "dependency alpha failed"}, tr.Failures[1])
		assert.Equal(t, "gamma answer\n\n_Not included: alpha (all_tools_failed), beta (dependency_failed)._", tr.Response)
	})

	t.Run("cycle members fail, others still run", func(t *testing.T) {
		a, b, c := runner("alpha"), runner("beta"), runner("gamma")
		s := newTestSupervisor(t, routeTo(assign("alpha", "beta"), assign("beta", "alpha"), assign("gamma")), nil, a, b, c)

		tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.False(t, a.didRun())
		assert.False(t, b.didRun())
		assert.True(t, c.didRun())
		require.Len(t, tr.Failures, 2)
		for _, f := range tr.Failures {
			assert.Equal(t, turn.KindDependency, f.Kind)
			assert.Equal(t, "dependency cycle", f.Reason)
		}
	})
}

func TestCycleMembers(t *testing.T) {
	got := cycleMembers(map[string][]string{
		"a": {"b"},
		"b": {"c"},
		"c": {"a"},
		"d": {"a"},
		"e": nil,
	})
	assert.Equal(t, map[string]bool{"a": true, "b": true, "c": true}, got)
}

func TestHandleTurn_Routing(t *testing.T) {
	t.Run("unknown and repeated specialists are dropped", func(t *testing.T) {
		a := runner("alpha")
		s := newTestSupervisor(t, routeTo(
			turn.Assignment{Specialist: "ghost", SubTask: "x"},
			turn.Assignment{Specialist: "alpha"},
			turn.Assignment{Specialist: "alpha", SubTask: "again"},
		), nil, a)

		tr, err := s.HandleTurn(context.Background(), "sess-1", "whole input")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha"}, tr.SpecialistNames())
		assert.Equal(t, "whole input", a.subTask, "empty sub-task defaults to the input")
	})

	t.Run("no known specialist fails the turn", func(t *testing.T) {
		mem, store := newMemory()
		s := newTestSupervisor(t, routeTo(assign("ghost")), mem, runner("alpha"))

		tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		assert.ErrorIs(t, err, ErrTurnFailed)
		assert.ErrorIs(t, err, ErrNoRoute)
		assert.Equal(t, turn.StatusFailed, tr.Status)
		assert.Equal(t, FailureMessage, tr.Response)
		assert.Equal(t, 1, store.TurnCount())
	})

	t.Run("router error fails the turn", func(t *testing.T) {
		boom := errors.New("model overloaded")
		s := newTestSupervisor(t, routerFunc(func(context.Context, RouteRequest) ([]turn.Assignment, error) {
			return nil, boom
		}), nil, runner("alpha"))

		tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		assert.ErrorIs(t, err, boom)

		var failed *TurnFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, tr.ID, failed.TurnID)
		require.Len(t, failed.Failures, 1)
		assert.Equal(t, turn.Failure{Specialist: "router", Kind: turn.KindOracle, Reason: "routing failed"}, failed.Failures[0])
		assert.NotContains(t, failed.Message, "model overloaded")
	})

	t.Run("router sees history and recalled facts", func(t *testing.T) {
		mem, _ := newMemory()
		var seen RouteRequest
		s := newTestSupervisor(t, routerFunc(func(_ context.Context, req RouteRequest) ([]turn.Assignment, error) {
			seen = req
			return []turn.Assignment{assign("alpha")}, nil
		}), mem, runner("alpha"))

		_, err := s.HandleTurn(context.Background(), "sess-1", "tell me about kinases")
		require.NoError(t, err)
		_, err = s.HandleTurn(context.Background(), "sess-1", "more on kinases")
		require.NoError(t, err)

		require.Len(t, seen.Recent, 1)
		assert.Equal(t, "tell me about kinases", seen.Recent[0].Input)
		assert.Contains(t, seen.Facts, "tell me about kinases")
		require.Len(t, seen.Specialists, 1)
		assert.Equal(t, "alpha", seen.Specialists[0].Name)
	})
}

func TestHandleTurn_AllFailed(t *testing.T) {
	partial := answer("alpha", "one paper found")
	a := runner("alpha")
	a.run = func(context.Context, string, specialist.SessionContext) (*specialist.Result, error) {
		return nil, &specialist.FailedError{Specialist: "alpha", Kind: turn.KindTimeout, Reason: "cancelled", Partial: partial}
	}
	b := failingRunner("beta", turn.KindAuthDenied)

	s := newTestSupervisor(t, routeTo(assign("alpha"), assign("beta")), nil, a, b)
	tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
	require.ErrorIs(t, err, ErrTurnFailed)

	assert.Equal(t, turn.StatusFailed, tr.Status)
	assert.Equal(t, FailureMessage+"\n\nPartial findings:\n\n## alpha\n\none paper found"+
		"\n\n_Not included: alpha (timeout), beta (auth_denied)._", tr.Response)
}

func TestHandleTurn_PanickingSpecialist(t *testing.T) {
	a := runner("alpha")
	a.run = func(context.Context, string, specialist.SessionContext) (*specialist.Result, error) {
		panic("nil map")
	}
	s := newTestSupervisor(t, routeTo(assign("alpha"), assign("beta")), nil, a, runner("beta"))

	tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	require.Len(t, tr.Failures, 1)
	assert.Equal(t, turn.KindInternal, tr.Failures[0].Kind)
	assert.Equal(t, "beta answer\n\n_Not included: alpha (internal)._", tr.Response)
}

func TestHandleTurn_Deadline(t *testing.T) {
	stuck := runner("stuck")
	stuck.run = func(ctx context.Context, _ string, sc specialist.SessionContext) (*specialist.Result, error) {
		id, err := sc.Log.Begin("stuck", "slow_tool", nil)
		if err != nil {
			return nil, err
		}
		<-ctx.Done()
		// Ignores cancellation well past the grace period.
		time.Sleep(300 * time.Millisecond)
		_ = sc.Log.Finish(id, turn.Outcome{Status: turn.InvocationSucceeded})
		return answer("stuck", "too late"), nil
	}

	rs := []Runner{stuck, runner("quick")}
	s, err := New(Config{
		Router:      routeTo(assign("stuck"), assign("quick")),
		Specialists: rs,
		Deadline:    100 * time.Millisecond,
		Grace:       20 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 250*time.Millisecond)
	assert.Equal(t, "quick answer\n\n_Not included: stuck (timeout)._", tr.Response)
	require.Len(t, tr.Invocations, 1)
	assert.Equal(t, turn.InvocationTimedOut, tr.Invocations[0].Status)

	// The late result never changes the sealed turn.
	time.Sleep(350 * time.Millisecond)
	assert.Equal(t, turn.InvocationTimedOut, tr.Invocations[0].Status)
	assert.NotContains(t, tr.Response, "too late")
}

// flakyMemory fails loads or appends on demand.
type flakyMemory struct {
	Memory
	loadErr   error
	appendErr error
	appended  int
	// blockAppend makes AppendTurn wait for its context and record the deadline it had.
	blockAppend   bool
	writeDeadline bool
}

func (m *flakyMemory) Load(ctx context.Context, sessionID string) (*turn.Session, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.Memory.Load(ctx, sessionID)
}

func (m *flakyMemory) AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error {
	m.appended++
	if m.appendErr != nil {
		return m.appendErr
	}
	if m.blockAppend {
		_, m.writeDeadline = ctx.Deadline()
		<-ctx.Done()
		return ctx.Err()
	}
	return m.Memory.AppendTurn(ctx, sessionID, t)
}

func TestHandleTurn_MemoryFaults(t *testing.T) {
	t.Run("write failure still returns the response", func(t *testing.T) {
		mem, _ := newMemory()
		flaky := &flakyMemory{Memory: mem, appendErr: fmt.Errorf("disk full")}
		s := newTestSupervisor(t, routeTo(assign("alpha")), flaky, runner("alpha"))

		resp, err := s.HandleRequest(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.Equal(t, "alpha answer", resp)
		assert.Equal(t, 1, flaky.appended)
	})

	t.Run("stuck write is bounded by the turn budget", func(t *testing.T) {
		mem, _ := newMemory()
		flaky := &flakyMemory{Memory: mem, blockAppend: true}
		s, err := New(Config{
			Router:      routeTo(assign("alpha")),
			Specialists: []Runner{runner("alpha")},
			Memory:      flaky,
			Deadline:    150 * time.Millisecond,
			Grace:       50 * time.Millisecond,
		})
		require.NoError(t, err)

		start := time.Now()
		resp, err := s.HandleRequest(context.Background(), "sess-1", "hello")
		elapsed := time.Since(start)

		require.NoError(t, err)
		assert.Equal(t, "alpha answer", resp)
		assert.True(t, flaky.writeDeadline)
		assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond, "the write may use the unspent budget")
		assert.Less(t, elapsed, 150*time.Millisecond+2*50*time.Millisecond+200*time.Millisecond)
	})

	t.Run("load failure starts a fresh session", func(t *testing.T) {
		mem, _ := newMemory()
		flaky := &flakyMemory{Memory: mem, loadErr: fmt.Errorf("database locked")}
		var seen RouteRequest
		s := newTestSupervisor(t, routerFunc(func(_ context.Context, req RouteRequest) ([]turn.Assignment, error) {
			seen = req
			return []turn.Assignment{assign("alpha")}, nil
		}), flaky, runner("alpha"))

		_, err := s.HandleTurn(context.Background(), "sess-1", "hello")
		require.NoError(t, err)
		assert.Empty(t, seen.Recent)
	})
}

func TestHandleTurn_Observer(t *testing.T) {
	var got []*turn.Turn
	s, err := New(Config{
		Router:      routeTo(assign("alpha")),
		Specialists: []Runner{runner("alpha")},
		Observer:    ObserverFunc(func(t *turn.Turn) { got = append(got, t) }),
	})
	require.NoError(t, err)

	tr, err := s.HandleTurn(context.Background(), "sess-1", "hello")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Same(t, tr, got[0])
	assert.True(t, got[0].Sealed())
}

func TestAggregate_OrderIndependent(t *testing.T) {
	results := []*specialist.Result{answer("beta", "b"), answer("alpha", "a"), answer("gamma", "g")}
	failures := []turn.Failure{
		{Specialist: "zeta", Kind: turn.KindTimeout},
		{Specialist: "delta", Kind: turn.KindAuthDenied},
	}
	want := aggregate(results, failures)

	reversed := []*specialist.Result{results[2], results[1], results[0]}
	assert.Equal(t, want, aggregate(reversed, []turn.Failure{failures[1], failures[0]}))
	assert.Equal(t, "## alpha\n\na\n\n## beta\n\nb\n\n## gamma\n\ng\n\n_Not included: delta (auth_denied), zeta (timeout)._", want)
}
