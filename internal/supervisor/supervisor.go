// ABOUTME: Supervisor: runs one user turn from routing through dispatch and aggregation to memory.
// ABOUTME: Every turn is sealed with no pending invocations before it is returned or persisted.

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-supervisor/internal/memory"
	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/turn"
)

// Defaults for supervisor timing and context.
const (
	DefaultDeadline    = 60 * time.Second
	DefaultGrace       = 2 * time.Second
	DefaultRecentTurns = 5
)

// RouteRequest is what the router sees for one turn.
type RouteRequest struct {
	SessionID   string
	Input       string
	Specialists []specialist.Descriptor
	Recent      []specialist.Exchange
	Facts       []string
}

// Router chooses specialists for a request. Implementations may be
// non-deterministic; the choice is recorded on the turn.
type Router interface {
	Route(ctx context.Context, req RouteRequest) ([]turn.Assignment, error)
}

// Runner is a dispatchable specialist. *specialist.Agent implements it.
type Runner interface {
	Name() string
	Descriptor() specialist.Descriptor
	Run(ctx context.Context, subTask string, sc specialist.SessionContext) (*specialist.Result, error)
}

// Memory is the session memory used by the supervisor. *memory.Client implements it.
type Memory interface {
	Load(ctx context.Context, sessionID string) (*turn.Session, error)
	Recall(ctx context.Context, namespace, query string) []memory.Fact
	AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error
}

// Observer receives every sealed turn, including its invocation trail.
type Observer interface {
	TurnSealed(t *turn.Turn)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(t *turn.Turn)

// TurnSealed calls f(t).
func (f ObserverFunc) TurnSealed(t *turn.Turn) { f(t) }

// Config contains configuration options for the Supervisor.
type Config struct {
	Router      Router
	Specialists []Runner
	Memory      Memory
	// Deadline bounds the wall-clock time of a turn. The memory write that
	// follows gets what is left of Deadline+Grace, and never less than Grace, so
	// a caller waits at most Deadline + 2*Grace.
	Deadline time.Duration
	// Grace is how long cancelled specialists get to unwind after the deadline.
	Grace       time.Duration
	RecentTurns int
	Observer    Observer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Supervisor orchestrates specialists for user turns.
type Supervisor struct {
	router      Router
	specialists map[string]Runner
	descriptors []specialist.Descriptor
	memory      Memory
	deadline    time.Duration
	grace       time.Duration
	recentTurns int
	observer    Observer
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a Supervisor with the given configuration.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Router == nil {
		return nil, errors.New("router is required")
	}
	if len(cfg.Specialists) == 0 {
		return nil, errors.New("at least one specialist is required")
	}

	specialists := make(map[string]Runner, len(cfg.Specialists))
	descriptors := make([]specialist.Descriptor, 0, len(cfg.Specialists))
	for _, r := range cfg.Specialists {
		if _, dup := specialists[r.Name()]; dup {
			return nil, fmt.Errorf("duplicate specialist %q", r.Name())
		}
		specialists[r.Name()] = r
		descriptors = append(descriptors, r.Descriptor())
	}

	deadline := cfg.Deadline
	if deadline == 0 {
		deadline = DefaultDeadline
	}
	grace := cfg.Grace
	if grace == 0 {
		grace = DefaultGrace
	}
	recent := cfg.RecentTurns
	if recent == 0 {
		recent = DefaultRecentTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Supervisor{
		router:      cfg.Router,
		specialists: specialists,
		descriptors: descriptors,
		memory:      cfg.Memory,
		deadline:    deadline,
		grace:       grace,
		recentTurns: recent,
		observer:    cfg.Observer,
		logger:      logger.With("component", "supervisor"),
		now:         now,
	}, nil
}

// Specialists returns the descriptors of the configured specialists.
func (s *Supervisor) Specialists() []specialist.Descriptor {
	return append([]specialist.Descriptor(nil), s.descriptors...)
}

// HandleRequest runs one turn and returns the response text. On failure the
// returned text is the user-visible failure message and err is a *TurnFailedError.
func (s *Supervisor) HandleRequest(ctx context.Context, sessionID, text string) (string, error) {
	t, err := s.HandleTurn(ctx, sessionID, text)
	if t == nil {
		return "", err
	}
	return t.Response, err
}

// HandleTurn runs one turn and returns it sealed, with the full invocation
// trail, whether it completed or failed.
func (s *Supervisor) HandleTurn(ctx context.Context, sessionID, text string) (*turn.Turn, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	t := turn.New(sessionID, text, s.now)
	logger := s.logger.With("session_id", sessionID, "turn_id", t.ID)
	logger.Info("=== TURN RECEIVED ===", "input_len", len(text))

	tctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()
	stop := time.Now().Add(s.deadline + s.grace)

	sess := s.loadSession(tctx, sessionID, logger)
	facts := s.recall(tctx, sess, text)
	recent := exchanges(sess.Recent(s.recentTurns))

	assignments, err := s.router.Route(tctx, RouteRequest{
		SessionID:   sessionID,
		Input:       text,
		Specialists: s.Specialists(),
		Recent:      recent,
		Facts:       facts,
	})
	if err != nil {
		logger.Error("routing failed", "error", err)
		kind := turn.KindOracle
		if tctx.Err() != nil {
			kind = turn.KindTimeout
		}
		return s.failTurn(ctx, stop, t, nil, []turn.Failure{{Specialist: "router", Kind: kind, Reason: "routing failed"}}, err, logger)
	}

	assignments = s.knownAssignments(assignments, text, logger)
	if len(assignments) == 0 {
		logger.Warn("no specialist selected")
		return s.failTurn(ctx, stop, t, nil, nil, ErrNoRoute, logger)
	}
	if err := t.SetRouting(assignments); err != nil {
		return nil, err
	}
	_ = t.Advance(turn.StatusRouted)
	logger.Info("routed", "specialists", t.SpecialistNames())

	_ = t.Advance(turn.StatusDispatched)
	out := s.dispatch(tctx, specialist.SessionContext{
		SessionID: sessionID,
		TurnID:    t.ID,
		Recent:    recent,
		Facts:     facts,
		Log:       t.Log(),
	}, assignments)

	if n := t.Log().ExpirePending("turn deadline exceeded"); n > 0 {
		logger.Warn("expired pending tool invocations", "count", n)
	}
	_ = t.Advance(turn.StatusAggregating)

	if len(out.results) == 0 {
		return s.failTurn(ctx, stop, t, out.partials, out.failures, nil, logger)
	}
	for _, f := range out.failures {
		_ = t.AddFailure(f)
	}

	response := aggregate(out.results, out.failures)
	if err := t.Seal(turn.StatusCompleted, response); err != nil {
		return nil, err
	}
	logger.Info("=== TURN COMPLETED ===",
		"succeeded", len(out.results),
		"failed", len(out.failures),
		"invocations", len(t.Invocations),
	)
	s.finish(ctx, stop, t, logger)
	return t, nil
}

// failTurn seals the turn as failed and returns the TurnFailedError.
func (s *Supervisor) failTurn(ctx context.Context, stop time.Time, t *turn.Turn, partials []*specialist.Result, failures []turn.Failure, cause error, logger *slog.Logger) (*turn.Turn, error) {
	for _, f := range failures {
		_ = t.AddFailure(f)
	}
	message := failureResponse(partials, failures)
	if err := t.Seal(turn.StatusFailed, message); err != nil {
		return nil, err
	}
	logger.Warn("=== TURN FAILED ===",
		"failed", len(failures),
		"partials", len(partials),
		"cause", cause,
	)
	s.finish(ctx, stop, t, logger)
	return t, &TurnFailedError{
		TurnID:   t.ID,
		Message:  message,
		Failures: sortedFailures(failures),
		Cause:    cause,
	}
}

// finish writes the sealed turn to memory and notifies the observer. Memory
// failures are logged; the response is returned regardless.
func (s *Supervisor) finish(ctx context.Context, stop time.Time, t *turn.Turn, logger *slog.Logger) {
	if s.memory != nil {
		wctx, cancel := s.writeContext(ctx, stop)
		err := s.memory.AppendTurn(wctx, t.SessionID, t)
		cancel()
		if err != nil {
			logger.Error("writing turn to memory failed", "error", err)
		}
	}
	if s.observer != nil {
		s.observer.TurnSealed(t)
	}
}

// writeContext detaches the memory write from caller cancellation and bounds it
// by what is left until stop, with at least one grace period.
func (s *Supervisor) writeContext(ctx context.Context, stop time.Time) (context.Context, context.CancelFunc) {
	budget := max(time.Until(stop), s.grace)
	return context.WithTimeout(context.WithoutCancel(ctx), budget)
}

func (s *Supervisor) loadSession(ctx context.Context, sessionID string, logger *slog.Logger) *turn.Session {
	fresh := &turn.Session{ID: sessionID, MemoryHandle: sessionID, CreatedAt: s.now()}
	if s.memory == nil {
		return fresh
	}
	sess, err := s.memory.Load(ctx, sessionID)
	if err != nil {
		logger.Warn("loading session failed, continuing without history", "error", err)
		return fresh
	}
	return sess
}

func (s *Supervisor) recall(ctx context.Context, sess *turn.Session, text string) []string {
	if s.memory == nil {
		return nil
	}
	handle := sess.MemoryHandle
	if handle == "" {
		handle = sess.ID
	}
	facts := s.memory.Recall(ctx, handle, text)
	out := make([]string, 0, len(facts))
	for _, f := range facts {
		out = append(out, f.Text)
	}
	return out
}

// knownAssignments drops unknown and repeated specialists, keeping routing
// order. An empty sub-task defaults to the whole input.
func (s *Supervisor) knownAssignments(assignments []turn.Assignment, input string, logger *slog.Logger) []turn.Assignment {
	seen := make(map[string]bool, len(assignments))
	out := make([]turn.Assignment, 0, len(assignments))
	for _, a := range assignments {
		if _, ok := s.specialists[a.Specialist]; !ok {
			logger.Warn("router selected unknown specialist", "specialist", a.Specialist)
			continue
		}
		if seen[a.Specialist] {
			continue
		}
		seen[a.Specialist] = true
		if strings.TrimSpace(a.SubTask) == "" {
			a.SubTask = input
		}
		out = append(out, a)
	}
	return out
}

func exchanges(turns []*turn.Turn) []specialist.Exchange {
	out := make([]specialist.Exchange, 0, len(turns))
	for _, t := range turns {
		out = append(out, specialist.Exchange{Input: t.Input, Response: t.Response})
	}
	return out
}
