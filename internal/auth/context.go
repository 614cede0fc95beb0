// ABOUTME: Authentication context for tracking the calling client through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating verified claims via context

package auth

import (
	"context"
	"slices"
)

// AuthContext holds the authenticated identity extracted from a bearer token.
type AuthContext struct {
	ClientID string
	Audience string
	Scopes   []string
}

// HasScope reports whether the token granted scope.
func (a *AuthContext) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, ok := ctx.Value(authContextKey{}).(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}

func contextFromClaims(c *Claims) *AuthContext {
	return &AuthContext{ClientID: c.ClientID, Audience: c.Audience, Scopes: c.Scopes}
}
