// ABOUTME: Credential cache holding M2M tokens per (provider, audience) with proactive refresh.
// ABOUTME: Concurrent callers for one key share a single in-flight fetch via singleflight.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a cached token is refreshed.
const DefaultRefreshMargin = 60 * time.Second

// DefaultFetchTimeout bounds a single token request to the identity provider.
const DefaultFetchTimeout = 10 * time.Second

// DefaultDenialHoldoff is how long an ErrAuthDenied answer is replayed from the
// cache before the provider is asked again.
const DefaultDenialHoldoff = 5 * time.Minute

// Provider fetches a fresh token for an audience from one identity provider.
// Implementations should return errors wrapping ErrAuthDenied or ErrAuthUnavailable.
type Provider interface {
	FetchToken(ctx context.Context, audience string) (*Token, error)
}

// Config contains configuration options for the Cache.
type Config struct {
	Providers     map[string]Provider
	RefreshMargin time.Duration
	FetchTimeout  time.Duration
	// DenialHoldoff bounds how long a denial is remembered. Revoke clears it early.
	DenialHoldoff time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Cache is the single owner of machine-to-machine tokens in the process.
// Every consumer goes through Acquire/Refresh; no other code holds token state.
type Cache struct {
	providers    map[string]Provider
	margin       time.Duration
	fetchTimeout time.Duration
	holdoff      time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu      sync.RWMutex
	tokens  map[key]*Token
	denials map[key]denial

	group   singleflight.Group
	fetches atomic.Int64
}

// NewCache creates a Cache with the given configuration.
func NewCache(cfg Config) *Cache {
	margin := cfg.RefreshMargin
	if margin <= 0 {
		margin = DefaultRefreshMargin
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = DefaultFetchTimeout
	}
	holdoff := cfg.DenialHoldoff
	if holdoff <= 0 {
		holdoff = DefaultDenialHoldoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	providers := make(map[string]Provider, len(cfg.Providers))
	for id, p := range cfg.Providers {
		providers[id] = p
	}

	return &Cache{
		providers:    providers,
		margin:       margin,
		fetchTimeout: fetchTimeout,
		holdoff:      holdoff,
		logger:       logger,
		now:          now,
		tokens:       make(map[key]*Token),
		denials:      make(map[key]denial),
	}
}

// AcquireOption tunes a single Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	allowStale bool
}

// WithStaleTolerance lets Acquire fall back to a cached, still-unexpired token
// when a refresh fails with ErrAuthUnavailable.
func WithStaleTolerance() AcquireOption {
	return func(o *acquireOptions) {
		o.allowStale = true
	}
}

// denial is a remembered ErrAuthDenied for one key.
type denial struct {
	err error
	at  time.Time
}

// Acquire returns a valid token for (provider, audience), fetching one if the
// cache has none or the cached token is inside the refresh margin. A key the
// provider denied keeps failing with the same error, without contacting the
// provider, until Revoke or the denial hold-off elapses.
func (c *Cache) Acquire(ctx context.Context, provider, audience string, opts ...AcquireOption) (*Token, error) {
	var o acquireOptions
	for _, opt := range opts {
		opt(&o)
	}

	k := key{provider: provider, audience: audience}
	if err := c.denied(k); err != nil {
		return nil, err
	}
	if tok := c.lookup(k); tok != nil && c.fresh(tok) {
		return tok.clone(), nil
	}

	tok, err := c.fetch(ctx, k)
	if err == nil {
		return tok, nil
	}

	if o.allowStale && !errors.Is(err, ErrAuthDenied) {
		if cached := c.lookup(k); cached.ValidAt(c.now()) {
			c.logger.Warn("token refresh failed, using cached token",
				"provider", provider,
				"audience", audience,
				"expires_at", cached.ExpiresAt,
				"error", err,
			)
			return cached.clone(), nil
		}
	}
	return nil, err
}

// Refresh forces a new token for the key, bypassing the refresh margin. The
// rejected value is the token the remote side refused; if the cache already holds
// a different token (another caller refreshed first), that token is returned.
func (c *Cache) Refresh(ctx context.Context, provider, audience, rejected string) (*Token, error) {
	k := key{provider: provider, audience: audience}

	c.mu.Lock()
	if tok, ok := c.tokens[k]; ok && tok.Value == rejected {
		delete(c.tokens, k)
	}
	c.mu.Unlock()

	c.logger.Debug("forcing token refresh", "provider", provider, "audience", audience)
	return c.Acquire(ctx, provider, audience)
}

// Revoke discards the cached token and any remembered denial for the key.
func (c *Cache) Revoke(provider, audience string) {
	k := key{provider: provider, audience: audience}
	c.discard(k)
	c.mu.Lock()
	delete(c.denials, k)
	c.mu.Unlock()
	c.logger.Info("token revoked", "provider", provider, "audience", audience)
}

// FetchCount returns how many upstream token requests the cache has issued.
func (c *Cache) FetchCount() int64 {
	return c.fetches.Load()
}

// HasProvider reports whether a provider is registered under the ID.
func (c *Cache) HasProvider(id string) bool {
	_, ok := c.providers[id]
	return ok
}

// fetch performs the single-flight upstream request for a key.
func (c *Cache) fetch(ctx context.Context, k key) (*Token, error) {
	p, ok := c.providers[k.provider]
	if !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrAuthDenied, ErrUnknownProvider, k.provider)
	}

	ch := c.group.DoChan(k.String(), func() (any, error) {
		// Another flight may have stored a fresh token or a denial since the caller looked.
		if err := c.denied(k); err != nil {
			return nil, err
		}
		if tok := c.lookup(k); tok != nil && c.fresh(tok) {
			return tok, nil
		}

		// Detached from the caller that started the flight so its cancellation
		// does not fail every caller waiting on the same key.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		c.fetches.Add(1)
		start := c.now()
		tok, err := p.FetchToken(fctx, k.audience)
		if err != nil {
			err = classify(err)
			if errors.Is(err, ErrAuthDenied) {
				c.deny(k, err)
			}
			c.logger.Warn("token fetch failed",
				"provider", k.provider,
				"audience", k.audience,
				"error", err,
			)
			return nil, err
		}

		tok.Provider = k.provider
		tok.Audience = k.audience
		if tok.IssuedAt.IsZero() {
			tok.IssuedAt = start
		}
		if !tok.ValidAt(c.now()) {
			return nil, fmt.Errorf("%w: provider returned an already expired token", ErrAuthUnavailable)
		}

		c.store(k, tok)
		c.logger.Info("token acquired",
			"provider", k.provider,
			"audience", k.audience,
			"expires_at", tok.ExpiresAt,
		)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tok, _ := res.Val.(*Token)
		if !tok.ValidAt(c.now()) {
			return nil, fmt.Errorf("%w: token expired before delivery", ErrAuthUnavailable)
		}
		return tok.clone(), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAuthUnavailable, ctx.Err())
	}
}

// fresh reports whether a token is outside the refresh window. The margin is
// capped at half the token lifetime so short-lived tokens are still reused.
func (c *Cache) fresh(tok *Token) bool {
	margin := c.margin
	if half := tok.Lifetime() / 2; half > 0 && half < margin {
		margin = half
	}
	return c.now().Before(tok.ExpiresAt.Add(-margin))
}

func (c *Cache) lookup(k key) *Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens[k]
}

func (c *Cache) store(k key, tok *Token) {
	c.mu.Lock()
	c.tokens[k] = tok
	c.mu.Unlock()
}

// denied returns the remembered denial for the key while the hold-off lasts.
func (c *Cache) denied(k key) error {
	c.mu.RLock()
	d, ok := c.denials[k]
	c.mu.RUnlock()
	if !ok {
		return nil
	}
	if c.now().Sub(d.at) >= c.holdoff {
		c.mu.Lock()
		if cur, ok := c.denials[k]; ok && cur.at.Equal(d.at) {
			delete(c.denials, k)
		}
		c.mu.Unlock()
		return nil
	}
	return d.err
}

// deny drops the key's token and remembers the provider's rejection.
func (c *Cache) deny(k key, err error) {
	c.mu.Lock()
	delete(c.tokens, k)
	c.denials[k] = denial{err: err, at: c.now()}
	c.mu.Unlock()
}

func (c *Cache) discard(k key) {
	c.mu.Lock()
	delete(c.tokens, k)
	c.mu.Unlock()
}

// classify ensures every provider error carries one of the credential sentinels.
func classify(err error) error {
	if errors.Is(err, ErrAuthDenied) || errors.Is(err, ErrAuthUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
}
