// ABOUTME: Machine-to-machine access token type and credential error taxonomy.
// ABOUTME: Tokens are keyed by (provider, audience) and never handed out once expired.

package credentials

import (
	"errors"
	"fmt"
	"time"
)

// Credential errors
var (
	// ErrAuthUnavailable means the identity provider could not be reached or failed
	// transiently. Callers may retry later.
	ErrAuthUnavailable = errors.New("auth unavailable")

	// ErrAuthDenied means the provider rejected the client credentials. Never retried.
	ErrAuthDenied = errors.New("auth denied")

	// ErrUnknownProvider means no provider is registered under the requested ID.
	ErrUnknownProvider = errors.New("unknown identity provider")
)

// Token is an access token for one (provider, audience) pair.
type Token struct {
	Provider  string
	Audience  string
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ValidAt reports whether the token may be used at the given instant.
func (t *Token) ValidAt(now time.Time) bool {
	return t != nil && now.Before(t.ExpiresAt)
}

// Lifetime returns the total validity window of the token.
func (t *Token) Lifetime() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// String identifies the token without exposing its value.
func (t *Token) String() string {
	return fmt.Sprintf("token(%s/%s, expires %s)", t.Provider, t.Audience, t.ExpiresAt.UTC().Format(time.RFC3339))
}

func (t *Token) clone() *Token {
	c := *t
	return &c
}

// key identifies a cache slot.
type key struct {
	provider string
	audience string
}

func (k key) String() string {
	return k.provider + "\x00" + k.audience
}
