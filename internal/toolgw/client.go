// ABOUTME: Tool gateway client: resolves a logical tool, attaches credentials and invokes it.
// ABOUTME: Applies the retry policy and records every call on the turn's invocation log.

package toolgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-supervisor/internal/credentials"
	"github.com/2389/coven-supervisor/internal/turn"
)

// DefaultTimeout is the per-attempt timeout when neither call nor endpoint sets one.
const DefaultTimeout = 30 * time.Second

// TokenSource hands out bearer tokens. *credentials.Cache implements it.
type TokenSource interface {
	Acquire(ctx context.Context, provider, audience string, opts ...credentials.AcquireOption) (*credentials.Token, error)
	Refresh(ctx context.Context, provider, audience, rejected string) (*credentials.Token, error)
}

// Call is one logical tool invocation requested by a specialist.
type Call struct {
	Specialist string
	Tool       string
	Payload    json.RawMessage
	// Timeout overrides the endpoint's per-attempt timeout when non-zero.
	Timeout time.Duration
	// Log receives the invocation record. May be nil.
	Log *turn.InvocationLog
}

// Result is the successful outcome of a call.
type Result struct {
	Tool         string
	InvocationID string
	Output       json.RawMessage
	Attempts     int
	Latency      time.Duration
}

// ClientConfig contains configuration options for the Client.
type ClientConfig struct {
	Registry *Registry
	Tokens   TokenSource
	Retry    RetryPolicy
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Client invokes tools through the registered endpoints.
type Client struct {
	registry *Registry
	tokens   TokenSource
	policy   RetryPolicy
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewClient creates a new Client with the given configuration.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
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
		registry: cfg.Registry,
		tokens:   cfg.Tokens,
		policy:   cfg.Retry.withDefaults(),
		timeout:  timeout,
		logger:   logger.With("component", "toolgw"),
		now:      now,
	}
}

// Registry returns the tool registry used by the client.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Invoke calls a tool and returns its output. Failures after the retry policy
// gives up are reported as *ToolInvocationFailedError.
func (c *Client) Invoke(ctx context.Context, call Call) (*Result, error) {
	payload := call.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	rec := c.begin(call, payload)
	start := c.now()

	tool, ep, err := c.registry.Lookup(call.Tool)
	if err != nil {
		c.logger.Debug("tool not found in registry", "tool", call.Tool, "specialist", call.Specialist)
		return nil, rec.fail(turn.InvocationFailed, turn.KindToolNotFound, 0,
			fmt.Errorf("%w: %w", ErrPermanentClient, err))
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = ep.Timeout
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	var (
		tok         *credentials.Token
		attempts    int
		authRetried bool
		limit       = c.policy.MaxAttempts
	)

	for {
		if ep.Provider != "" && tok == nil {
			tok, err = c.acquire(ctx, ep)
			if err != nil {
				return nil, rec.fail(statusFor(ctx, err), KindOf(err), attempts, err)
			}
		}

		attempts++
		rec.attempt()

		req := Request{Tool: tool.Remote, Arguments: payload}
		if tok != nil {
			req.Token = tok.Value
		}

		c.logger.Info("→ invoking tool",
			"tool", tool.Name,
			"endpoint", ep.Name,
			"specialist", call.Specialist,
			"attempt", attempts,
		)

		resp, err := c.attempt(ctx, ep, req, timeout)
		if err == nil {
			latency := c.now().Sub(start)
			c.logger.Info("← tool responded",
				"tool", tool.Name,
				"endpoint", ep.Name,
				"attempts", attempts,
				"latency", latency,
			)
			rec.succeed(resp.Output)
			return &Result{
				Tool:         tool.Name,
				InvocationID: rec.id,
				Output:       resp.Output,
				Attempts:     attempts,
				Latency:      latency,
			}, nil
		}

		if ctx.Err() != nil {
			return nil, rec.fail(turn.InvocationTimedOut, turn.KindTimeout, attempts, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = transient("attempt timed out after %s", timeout)
		}
		err = classifyUnknown(err)

		c.logger.Warn("tool attempt failed",
			"tool", tool.Name,
			"endpoint", ep.Name,
			"attempt", attempts,
			"error", err,
		)

		switch {
		case errors.Is(err, ErrAuthExpired):
			if authRetried || ep.Provider == "" || c.tokens == nil {
				return nil, rec.fail(turn.InvocationFailed, turn.KindAuthExpired, attempts, err)
			}
			authRetried = true
			limit++
			tok, err = c.tokens.Refresh(ctx, ep.Provider, ep.Audience, tok.Value)
			if err != nil {
				return nil, rec.fail(statusFor(ctx, err), KindOf(err), attempts, err)
			}

		case c.policy.Retryable(err):
			if attempts >= limit {
				return nil, rec.fail(turn.InvocationFailed, turn.KindTransientNetwork, attempts, err)
			}
			if werr := c.policy.Wait(ctx, attempts); werr != nil {
				return nil, rec.fail(turn.InvocationTimedOut, turn.KindTimeout, attempts, werr)
			}

		default:
			return nil, rec.fail(turn.InvocationFailed, KindOf(err), attempts, err)
		}
	}
}

func (c *Client) acquire(ctx context.Context, ep *Endpoint) (*credentials.Token, error) {
	if c.tokens == nil {
		return nil, fmt.Errorf("%w: no token source for provider %s", credentials.ErrAuthUnavailable, ep.Provider)
	}
	return c.tokens.Acquire(ctx, ep.Provider, ep.Audience, credentials.WithStaleTolerance())
}

// attempt runs one transport call bounded by the per-attempt timeout. It returns
// on cancellation even if the transport does not.
func (c *Client) attempt(ctx context.Context, ep *Endpoint, req Request, timeout time.Duration) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		resp *Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := ep.Transport.Call(actx, req)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil && out.resp == nil {
			return nil, permanent("endpoint %s returned no response", ep.Name)
		}
		return out.resp, out.err
	case <-actx.Done():
		return nil, actx.Err()
	}
}

func statusFor(ctx context.Context, err error) turn.InvocationStatus {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return turn.InvocationTimedOut
	}
	return turn.InvocationFailed
}

// record tracks one invocation on an optional log.
type record struct {
	c     *Client
	log   *turn.InvocationLog
	id    string
	tool  string
	owner string
}

func (c *Client) begin(call Call, payload json.RawMessage) *record {
	r := &record{c: c, log: call.Log, tool: call.Tool, owner: call.Specialist}
	if r.log == nil {
		return r
	}
	id, err := r.log.Begin(call.Specialist, call.Tool, payload)
	if err != nil {
		c.logger.Warn("invocation not recorded", "tool", call.Tool, "error", err)
		r.log = nil
		return r
	}
	r.id = id
	return r
}

func (r *record) attempt() {
	if r.log == nil {
		return
	}
	if _, err := r.log.RecordAttempt(r.id); err != nil {
		r.c.logger.Debug("attempt not recorded", "invocation_id", r.id, "error", err)
	}
}

func (r *record) succeed(output json.RawMessage) {
	r.finish(turn.Outcome{Status: turn.InvocationSucceeded, Output: output})
}

func (r *record) fail(status turn.InvocationStatus, kind turn.ErrorKind, attempts int, err error) error {
	r.finish(turn.Outcome{Status: status, ErrorKind: kind, ErrorDetail: err.Error()})
	return &ToolInvocationFailedError{
		Tool:         r.tool,
		InvocationID: r.id,
		Kind:         kind,
		Attempts:     attempts,
		LastError:    err,
	}
}

func (r *record) finish(out turn.Outcome) {
	if r.log == nil {
		return
	}
	if err := r.log.Finish(r.id, out); err != nil {
		// The turn was sealed under us (deadline); the late result is dropped.
		r.c.logger.Debug("late invocation result discarded",
			"invocation_id", r.id,
			"tool", r.tool,
			"specialist", r.owner,
			"error", err,
		)
	}
}
