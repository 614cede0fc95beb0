// ABOUTME: Session and Turn types shared by the supervisor, specialists and memory store.
// ABOUTME: A Turn walks received→routed→dispatched→aggregating→completed|failed and is sealed once.

package turn

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTurnSealed indicates a mutation was attempted on a sealed turn.
var ErrTurnSealed = errors.New("turn sealed")

// ErrInvalidTransition indicates a state change the turn lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid turn transition")

// Status is the lifecycle state of a Turn.
type Status string

const (
	StatusReceived    Status = "received"
	StatusRouted      Status = "routed"
	StatusDispatched  Status = "dispatched"
	StatusAggregating Status = "aggregating"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// allowed lists the forward transitions of the turn state machine.
// Any non-terminal state may also move to failed.
var allowed = map[Status]Status{
	StatusReceived:    StatusRouted,
	StatusRouted:      StatusDispatched,
	StatusDispatched:  StatusAggregating,
	StatusAggregating: StatusCompleted,
}

// Assignment is one routing decision: a specialist and the sub-task it receives.
type Assignment struct {
	Specialist string   `json:"specialist"`
	SubTask    string   `json:"sub_task"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

// Failure annotates a specialist that did not contribute to the response.
type Failure struct {
	Specialist string    `json:"specialist"`
	Kind       ErrorKind `json:"kind"`
	Reason     string    `json:"reason"`
}

// Session is one conversation. Its Turns list is append-only.
type Session struct {
	ID           string    `json:"id"`
	MemoryHandle string    `json:"memory_handle"`
	CreatedAt    time.Time `json:"created_at"`
	Turns        []*Turn   `json:"turns"`
}

// Append adds a sealed turn to the session transcript.
func (s *Session) Append(t *Turn) error {
	if !t.Sealed() {
		return fmt.Errorf("appending turn %s: turn not sealed", t.ID)
	}
	s.Turns = append(s.Turns, t)
	return nil
}

// Recent returns up to n of the newest turns, oldest first.
func (s *Session) Recent(n int) []*Turn {
	if n <= 0 || len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Turn is one request/response cycle within a session.
type Turn struct {
	ID          string           `json:"id"`
	SessionID   string           `json:"session_id"`
	Input       string           `json:"input"`
	Routing     []Assignment     `json:"routing,omitempty"`
	Response    string           `json:"response"`
	Failures    []Failure        `json:"failures,omitempty"`
	Status      Status           `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at,omitempty"`
	Invocations []ToolInvocation `json:"invocations,omitempty"`

	mu     sync.Mutex
	log    *InvocationLog
	sealed bool
	now    func() time.Time
}

// New creates a received turn for the given session input.
func New(sessionID, input string, now func() time.Time) *Turn {
	if now == nil {
		now = time.Now
	}
	return &Turn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Input:     input,
		Status:    StatusReceived,
		StartedAt: now(),
		log:       NewInvocationLog(now),
		now:       now,
	}
}

// Restore marks a turn rebuilt from persisted fields as sealed.
func Restore(t *Turn) *Turn {
	t.sealed = true
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// Log returns the invocation log shared with specialists during dispatch.
func (t *Turn) Log() *InvocationLog {
	return t.log
}

// Advance moves the turn forward one state.
func (t *Turn) Advance(next Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return ErrTurnSealed
	}
	if next == StatusFailed && !t.Status.Terminal() {
		t.Status = next
		return nil
	}
	if allowed[t.Status] != next {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, next)
	}
	t.Status = next
	return nil
}

// State returns the current status.
func (t *Turn) State() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Status
}

// SetRouting records which specialists were chosen.
func (t *Turn) SetRouting(assignments []Assignment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return ErrTurnSealed
	}
	t.Routing = append([]Assignment(nil), assignments...)
	return nil
}

// AddFailure annotates a specialist failure.
func (t *Turn) AddFailure(f Failure) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return ErrTurnSealed
	}
	t.Failures = append(t.Failures, f)
	return nil
}

// Seal finalizes the turn: pending invocations are timed out, the response and
// terminal status are fixed, and the invocation trail is copied onto the turn.
func (t *Turn) Seal(status Status, response string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: sealing with non-terminal status %s", ErrInvalidTransition, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return ErrTurnSealed
	}

	if t.log != nil {
		t.log.Seal()
		t.Invocations = t.log.Snapshot()
	}
	t.Status = status
	t.Response = response
	t.CompletedAt = t.now()
	t.sealed = true
	return nil
}

// Sealed reports whether the turn is immutable.
func (t *Turn) Sealed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sealed
}

// SpecialistNames returns the routed specialist names in routing order.
func (t *Turn) SpecialistNames() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.Routing))
	for _, a := range t.Routing {
		names = append(names, a.Specialist)
	}
	return names
}
