// ABOUTME: Store interface and record types for session memory persistence.
// ABOUTME: Sessions, sealed turns with their invocation trail, and long-term facts.

package memory

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-supervisor/internal/turn"
)

// ErrNotFound is returned when a requested session or turn does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateTurn is returned when a turn ID was already appended.
var ErrDuplicateTurn = errors.New("turn already exists")

// ErrTurnNotSealed is returned when appending a turn that is still in flight.
var ErrTurnNotSealed = errors.New("turn not sealed")

// Fact roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Fact is one remembered piece of a conversation, searchable across the
// sessions that share a memory namespace.
type Fact struct {
	ID        int64     `json:"id"`
	Namespace string    `json:"namespace"`
	SessionID string    `json:"session_id"`
	TurnID    string    `json:"turn_id"`
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
	// Score is the search rank; lower is more relevant.
	Score float64 `json:"score,omitempty"`
}

// SessionSummary is a lightweight listing entry for a session.
type SessionSummary struct {
	ID           string    `json:"id"`
	MemoryHandle string    `json:"memory_handle"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	TurnCount    int       `json:"turn_count"`
}

// Store persists sessions and their turns.
type Store interface {
	// LoadSession returns the session with up to recent of its newest turns
	// (all turns when recent <= 0). Returns ErrNotFound for unknown sessions.
	LoadSession(ctx context.Context, sessionID string, recent int) (*turn.Session, error)

	// AppendTurn persists a sealed turn, creating the session if needed, and
	// records its input and response as facts in the session's namespace.
	AppendTurn(ctx context.Context, sessionID string, t *turn.Turn) error

	// SearchLongTerm ranks facts in a namespace against a free-text query.
	SearchLongTerm(ctx context.Context, namespace, query string, limit int) ([]Fact, error)

	// SetMemoryHandle sets the namespace new facts of the session are written to.
	SetMemoryHandle(ctx context.Context, sessionID, handle string) error

	GetTurn(ctx context.Context, turnID string) (*turn.Turn, error)
	ListSessions(ctx context.Context, limit int) ([]SessionSummary, error)
	Close() error
}
