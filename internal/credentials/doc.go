// Package credentials caches OAuth2 client-credentials tokens keyed by
// (provider, audience).
//
// # Refresh
//
// Tokens are refreshed proactively once they enter the refresh margin. Callers
// racing on the same key share one upstream request, and a caller abandoning its
// context does not cancel the request the others are waiting on.
//
// # Errors
//
// Failures are reported as ErrAuthUnavailable (retry later) or ErrAuthDenied
// (credentials rejected, never retried).
package credentials
