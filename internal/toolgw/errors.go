// ABOUTME: Error taxonomy for remote tool calls: transient, auth-expired and permanent.
// ABOUTME: Transports wrap one of these sentinels so the retry policy can classify failures.

package toolgw

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-supervisor/internal/credentials"
	"github.com/2389/coven-supervisor/internal/turn"
)

// ErrTransientNetwork indicates a timeout, connection failure, 408/429 or 5xx. Retried with backoff.
var ErrTransientNetwork = errors.New("transient network error")

// ErrAuthExpired indicates the endpoint rejected the bearer token (401/403).
var ErrAuthExpired = errors.New("auth expired")

// ErrPermanentClient indicates a request the endpoint will never accept. Not retried.
var ErrPermanentClient = errors.New("permanent client error")

// ErrToolInvocationFailed is matched by every ToolInvocationFailedError.
var ErrToolInvocationFailed = errors.New("tool invocation failed")

// ErrToolNotFound indicates the requested logical tool is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolCollision indicates a tool name already exists on another endpoint.
var ErrToolCollision = errors.New("tool name collision")

// ErrEndpointExists indicates an endpoint with the same name is already registered.
var ErrEndpointExists = errors.New("endpoint already registered")

// ErrEndpointNotFound indicates the named endpoint is not registered.
var ErrEndpointNotFound = errors.New("endpoint not found")

// ToolInvocationFailedError reports a tool call that failed after the retry policy gave up.
type ToolInvocationFailedError struct {
	Tool string
	// InvocationID is the failed record on the call's log, empty when no log was given.
	InvocationID string
	Kind         turn.ErrorKind
	Attempts     int
	LastError    error
}

func (e *ToolInvocationFailedError) Error() string {
	return fmt.Sprintf("tool %s failed (%s) after %d attempt(s): %v", e.Tool, e.Kind, e.Attempts, e.LastError)
}

// Unwrap exposes the last underlying error.
func (e *ToolInvocationFailedError) Unwrap() error {
	return e.LastError
}

// Is matches ErrToolInvocationFailed.
func (e *ToolInvocationFailedError) Is(target error) bool {
	return target == ErrToolInvocationFailed
}

// transient wraps err as a transient network failure.
func transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientNetwork, fmt.Sprintf(format, args...))
}

// permanent wraps err as a permanent client failure.
func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanentClient, fmt.Sprintf(format, args...))
}

// authExpired wraps err as a token rejection.
func authExpired(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrAuthExpired, fmt.Sprintf(format, args...))
}

// KindOf maps an error to the kind recorded on invocations.
func KindOf(err error) turn.ErrorKind {
	var failed *ToolInvocationFailedError
	switch {
	case err == nil:
		return turn.KindNone
	case errors.As(err, &failed):
		return failed.Kind
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return turn.KindTimeout
	case errors.Is(err, ErrToolNotFound):
		return turn.KindToolNotFound
	case errors.Is(err, credentials.ErrAuthDenied):
		return turn.KindAuthDenied
	case errors.Is(err, credentials.ErrAuthUnavailable):
		return turn.KindAuthUnavailable
	case errors.Is(err, ErrAuthExpired):
		return turn.KindAuthExpired
	case errors.Is(err, ErrTransientNetwork):
		return turn.KindTransientNetwork
	case errors.Is(err, ErrPermanentClient):
		return turn.KindPermanentClient
	default:
		return turn.KindInternal
	}
}

// classifyUnknown treats an unclassified transport error as transient.
func classifyUnknown(err error) error {
	if errors.Is(err, ErrTransientNetwork) || errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrPermanentClient) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransientNetwork, err)
}
