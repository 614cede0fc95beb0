// ABOUTME: Memory client used by the supervisor: bounded-time reads and writes over a Store.
// ABOUTME: Serializes writes per session and treats long-term recall as best effort.

package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-supervisor/internal/turn"
)

// Default client timeouts.
const (
	DefaultReadTimeout  = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Store        Store
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// RecentTurns is how many earlier turns Load returns. 0 means all.
	RecentTurns int
	RecallLimit int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Client wraps a Store with timeouts and per-session write ordering.
type Client struct {
	store        Store
	readTimeout  time.Duration
	writeTimeout time.Duration
	recentTurns  int
	recallLimit  int
	logger       *slog.Logger
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*sessionLock
}

// sessionLock is a reference-counted mutex for one session.
type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewClient creates a new memory Client.
func NewClient(cfg ClientConfig) *Client {
	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = DefaultReadTimeout
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = DefaultWriteTimeout
	}
	recallLimit := cfg.RecallLimit
	if recallLimit == 0 {
		recallLimit = DefaultRecallLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		store:        cfg.Store,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		recentTurns:  cfg.RecentTurns,
		recallLimit:  recallLimit,
		logger:       logger.With("component", "memory"),
		now:          now,
		locks:        make(map[string]*sessionLock),
	}
}

// Load returns the session with its recent turns. An unknown session is
// returned as a new, empty session that is not yet persisted.
func (c *Client) Load(ctx context.Context, sessionID string) (*turn.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	sess, err := c.store.LoadSession(ctx, sessionID, c.recentTurns)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("new session", "session_id", sessionID)
		return &turn.Session{ID: sessionID, MemoryHandle: sessionID, CreatedAt: c.now()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	return sess, nil
}

// Recall searches long-term memory. Failures are logged and yield no facts.
func (c *Client) Recall(ctx context.Context, namespace, query string) []Fact {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()

	facts, err := c.store.SearchLongTerm(ctx, namespace, query, c.recallLimit)
	if err != nil {
		c.logger.Warn("long-term recall failed", "namespace", namespace, "error", err)
		return nil
	}
	return facts
}

// AppendTurn writes a sealed turn. Writes for the same session are applied in
// call order; writes for different sessions proceed independently.
func (c *Client) AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error {
	if !t.Sealed() {
		return ErrTurnNotSealed
	}

	unlock := c.lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.store.AppendTurn(ctx, sessionID, t); err != nil {
		return fmt.Errorf("appending turn %s: %w", t.ID, err)
	}
	c.logger.Debug("turn written", "session_id", sessionID, "turn_id", t.ID, "status", t.Status)
	return nil
}

// BindActor makes the session write its facts to the actor's namespace, so
// recall spans every session of that actor.
func (c *Client) BindActor(ctx context.Context, sessionID, actorID string) error {
	unlock := c.lock(sessionID)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()

	if err := c.store.SetMemoryHandle(ctx, sessionID, actorNamespace(actorID)); err != nil {
		return fmt.Errorf("binding actor to session %s: %w", sessionID, err)
	}
	return nil
}

// Turn returns a persisted turn by ID.
func (c *Client) Turn(ctx context.Context, turnID string) (*turn.Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	return c.store.GetTurn(ctx, turnID)
}

// Session returns a persisted session with all its turns.
func (c *Client) Session(ctx context.Context, sessionID string) (*turn.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	return c.store.LoadSession(ctx, sessionID, 0)
}

// Sessions lists sessions, most recently active first.
func (c *Client) Sessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readTimeout)
	defer cancel()
	return c.store.ListSessions(ctx, limit)
}

func (c *Client) lock(sessionID string) func() {
	c.mu.Lock()
	l, ok := c.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		c.locks[sessionID] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, sessionID)
		}
		c.mu.Unlock()
	}
}

func actorNamespace(actorID string) string {
	return "actor:" + actorID
}
