// ABOUTME: Turn-level errors returned by the supervisor.
// ABOUTME: TurnFailedError carries the user-visible message and per-specialist annotations.

package supervisor

import (
	"errors"
	"fmt"

	"github.com/2389/coven-supervisor/internal/turn"
)

// ErrTurnFailed is matched by every TurnFailedError.
var ErrTurnFailed = errors.New("turn failed")

// ErrNoRoute indicates the router selected no known specialist.
var ErrNoRoute = errors.New("no specialist selected")

// TurnFailedError reports a turn where no specialist produced a result.
type TurnFailedError struct {
	TurnID string
	// Message is the user-visible response, including any partial findings.
	Message  string
	Failures []turn.Failure
	Cause    error
}

func (e *TurnFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("turn %s failed: %v", e.TurnID, e.Cause)
	}
	return fmt.Sprintf("turn %s failed: %d specialist(s) failed", e.TurnID, len(e.Failures))
}

// Unwrap exposes the cause, if any.
func (e *TurnFailedError) Unwrap() error {
	return e.Cause
}

// Is matches ErrTurnFailed.
func (e *TurnFailedError) Is(target error) bool {
	return target == ErrTurnFailed
}
