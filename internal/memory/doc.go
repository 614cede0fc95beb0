// Package memory persists sessions and turns and serves long-term recall.
//
// The Store interface is implemented by SQLiteStore (modernc.org/sqlite with an
// FTS5 index over facts) and by MockStore for tests. Client adds per-operation
// timeouts and serializes writes within a session; writes to different
// sessions are unordered.
//
// # Namespaces
//
// Every appended turn contributes its input, and for completed turns its
// response, as facts in the session's memory handle. The handle defaults to
// the session ID. Binding an actor points the handle at the actor, so recall
// spans all of that actor's sessions.
package memory
