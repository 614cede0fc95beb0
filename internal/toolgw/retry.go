// ABOUTME: Retry policy for tool calls: bounded attempts with exponential backoff and full jitter.
// ABOUTME: Only ErrTransientNetwork is retried here; auth refresh is handled by the client.

package toolgw

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// DefaultMaxAttempts is the number of attempts for transient failures.
const DefaultMaxAttempts = 3

// DefaultBaseDelay is the backoff ceiling before the first retry.
const DefaultBaseDelay = 200 * time.Millisecond

// DefaultMaxDelay caps any single backoff.
const DefaultMaxDelay = 5 * time.Second

// RetryPolicy decides whether and when a failed attempt is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter returns a duration in [0, d]. Defaults to a uniform random draw.
	Jitter func(d time.Duration) time.Duration
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter == nil {
		p.Jitter = fullJitter
	}
	if p.Sleep == nil {
		p.Sleep = sleepContext
	}
	return p
}

// Retryable reports whether the error class is worth another attempt.
func (p RetryPolicy) Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}

// Backoff returns the delay before the given retry (1 = first retry).
func (p RetryPolicy) Backoff(retry int) time.Duration {
	p = p.withDefaults()
	if retry < 1 {
		retry = 1
	}
	ceiling := p.BaseDelay
	for i := 1; i < retry && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	return p.Jitter(ceiling)
}

// Wait sleeps for the backoff of the given retry, returning early on cancellation.
func (p RetryPolicy) Wait(ctx context.Context, retry int) error {
	p = p.withDefaults()
	return p.Sleep(ctx, p.Backoff(retry))
}

func fullJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
