// Package turn holds the conversation data model shared across the supervisor.
//
// A Session is an append-only transcript of Turns. A Turn records one
// request/response cycle: the user input, which specialists were routed,
// the response, per-specialist failure annotations, and the full
// ToolInvocation audit trail.
//
// # Lifecycle
//
//	received → routed → dispatched → aggregating → completed
//	    └──────────┴──────────┴────────────┴──────→ failed
//
// Seal freezes a turn. Sealing force-transitions every still-pending
// ToolInvocation to timed_out, so no pending record survives a terminal turn.
//
// # Invocation log
//
// InvocationLog is written concurrently by every specialist in the turn.
// Begin appends a pending record, RecordAttempt counts retries, Finish
// performs the single terminal transition. After Seal, every mutation
// returns ErrLogSealed.
package turn
