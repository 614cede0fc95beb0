// Package dedupe tracks idempotency keys of turn requests so a retried
// request within the TTL window returns the original turn.
package dedupe
