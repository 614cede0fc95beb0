// ABOUTME: ToolInvocation records and the append-only, concurrency-safe log that owns them.
// ABOUTME: Enforces single terminal transitions and force-expiry of pending calls on deadline.

package turn

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLogSealed indicates a mutation was attempted after the owning turn was sealed.
var ErrLogSealed = errors.New("invocation log sealed")

// ErrUnknownInvocation indicates the invocation ID is not in the log.
var ErrUnknownInvocation = errors.New("unknown invocation")

// ErrAlreadyTerminal indicates the invocation already reached a terminal status.
var ErrAlreadyTerminal = errors.New("invocation already terminal")

// InvocationStatus is the lifecycle state of a single tool call.
type InvocationStatus string

const (
	InvocationPending   InvocationStatus = "pending"
	InvocationSucceeded InvocationStatus = "succeeded"
	InvocationFailed    InvocationStatus = "failed"
	InvocationTimedOut  InvocationStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s InvocationStatus) Terminal() bool {
	return s == InvocationSucceeded || s == InvocationFailed || s == InvocationTimedOut
}

// ErrorKind names a failure class without carrying raw transport detail.
type ErrorKind string

const (
	KindNone             ErrorKind = ""
	KindAuthUnavailable  ErrorKind = "auth_unavailable"
	KindAuthDenied       ErrorKind = "auth_denied"
	KindAuthExpired      ErrorKind = "auth_expired"
	KindTransientNetwork ErrorKind = "transient_network"
	KindPermanentClient  ErrorKind = "permanent_client_error"
	KindToolNotFound     ErrorKind = "tool_not_found"
	KindNotPermitted     ErrorKind = "not_permitted"
	KindTimeout          ErrorKind = "timeout"
	KindOracle           ErrorKind = "oracle_error"
	KindDependency       ErrorKind = "dependency_failed"
	KindRefinement       ErrorKind = "refinement_exhausted"
	KindAllToolsFailed   ErrorKind = "all_tools_failed"
	KindInternal         ErrorKind = "internal"
)

// ToolInvocation is the audit record of one logical tool call, including retries.
type ToolInvocation struct {
	ID          string           `json:"id"`
	Specialist  string           `json:"specialist"`
	Tool        string           `json:"tool"`
	Input       json.RawMessage  `json:"input,omitempty"`
	Output      json.RawMessage  `json:"output,omitempty"`
	Status      InvocationStatus `json:"status"`
	Attempts    int              `json:"attempts"`
	Latency     time.Duration    `json:"latency"`
	ErrorKind   ErrorKind        `json:"error_kind,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at,omitempty"`
}

// Outcome describes the terminal transition of an invocation.
type Outcome struct {
	Status      InvocationStatus
	Output      json.RawMessage
	ErrorKind   ErrorKind
	ErrorDetail string
}

// InvocationLog is the append-only log of tool invocations for one turn.
// It is safe for concurrent use by every specialist dispatched in the turn.
type InvocationLog struct {
	mu      sync.Mutex
	records []*ToolInvocation
	index   map[string]*ToolInvocation
	sealed  bool
	now     func() time.Time
}

// NewInvocationLog creates an empty log. A nil clock defaults to time.Now.
func NewInvocationLog(now func() time.Time) *InvocationLog {
	if now == nil {
		now = time.Now
	}
	return &InvocationLog{
		index: make(map[string]*ToolInvocation),
		now:   now,
	}
}

// Begin appends a pending invocation and returns its ID.
func (l *InvocationLog) Begin(specialist, tool string, input json.RawMessage) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return "", ErrLogSealed
	}

	inv := &ToolInvocation{
		ID:         uuid.New().String(),
		Specialist: specialist,
		Tool:       tool,
		Input:      cloneRaw(input),
		Status:     InvocationPending,
		StartedAt:  l.now(),
	}
	l.records = append(l.records, inv)
	l.index[inv.ID] = inv
	return inv.ID, nil
}

// RecordAttempt bumps the attempt counter of a pending invocation.
func (l *InvocationLog) RecordAttempt(id string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, err := l.pendingLocked(id)
	if err != nil {
		return 0, err
	}
	inv.Attempts++
	return inv.Attempts, nil
}

// Finish moves a pending invocation to a terminal status. It can succeed only once.
func (l *InvocationLog) Finish(id string, out Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, err := l.pendingLocked(id)
	if err != nil {
		return err
	}
	if !out.Status.Terminal() {
		out.Status = InvocationFailed
	}

	finished := l.now()
	inv.Status = out.Status
	inv.Output = cloneRaw(out.Output)
	inv.ErrorKind = out.ErrorKind
	inv.ErrorDetail = out.ErrorDetail
	inv.FinishedAt = finished
	inv.Latency = finished.Sub(inv.StartedAt)
	return nil
}

func (l *InvocationLog) pendingLocked(id string) (*ToolInvocation, error) {
	if l.sealed {
		return nil, ErrLogSealed
	}
	inv, ok := l.index[id]
	if !ok {
		return nil, ErrUnknownInvocation
	}
	if inv.Status.Terminal() {
		return nil, ErrAlreadyTerminal
	}
	return inv, nil
}

// ExpirePending force-transitions every pending invocation to timed_out.
// Returns the number of records expired.
func (l *InvocationLog) ExpirePending(detail string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expired := 0
	for _, inv := range l.records {
		if inv.Status != InvocationPending {
			continue
		}
		inv.Status = InvocationTimedOut
		inv.ErrorKind = KindTimeout
		inv.ErrorDetail = detail
		inv.FinishedAt = now
		inv.Latency = now.Sub(inv.StartedAt)
		expired++
	}
	return expired
}

// Seal expires anything still pending and rejects all further mutation.
func (l *InvocationLog) Seal() {
	l.ExpirePending("turn sealed")

	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// Sealed reports whether the log accepts further mutation.
func (l *InvocationLog) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Get returns a copy of a single record.
func (l *InvocationLog) Get(id string) (ToolInvocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	inv, ok := l.index[id]
	if !ok {
		return ToolInvocation{}, false
	}
	return inv.clone(), true
}

// Snapshot returns copies of all records in append order.
func (l *InvocationLog) Snapshot() []ToolInvocation {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ToolInvocation, 0, len(l.records))
	for _, inv := range l.records {
		out = append(out, inv.clone())
	}
	return out
}

// PendingCount returns the number of invocations without a terminal status.
func (l *InvocationLog) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, inv := range l.records {
		if inv.Status == InvocationPending {
			n++
		}
	}
	return n
}

func (inv *ToolInvocation) clone() ToolInvocation {
	c := *inv
	c.Input = cloneRaw(inv.Input)
	c.Output = cloneRaw(inv.Output)
	return c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	c := make(json.RawMessage, len(raw))
	copy(c, raw)
	return c
}
