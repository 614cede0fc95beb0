// Package supervisor orchestrates specialist agents for one user turn at a
// time.
//
// # Lifecycle
//
// A turn moves received → routed → dispatched → aggregating → completed, or to
// failed from any state. The supervisor loads the session from memory, asks the
// Router which specialists apply, runs them, merges the successful results and
// writes the sealed turn back to memory. A memory write failure is logged and
// never fails the turn.
//
// # Dispatch
//
// Independent specialists run concurrently. A specialist that depends on
// another, through its routing assignment or its descriptor, starts once that
// dependency finishes and receives its result as upstream context. A failed
// dependency fails its dependents; specialists in a dependency cycle fail
// without running.
//
// # Deadline
//
// Each turn has a deadline. When it passes, running specialists are cancelled,
// given a short grace period to unwind, and reported as timed out. Their
// results are dropped and any tool invocation still pending is marked
// timed_out before the turn is sealed.
//
// # Aggregation
//
// The response is built from the successful results sorted by specialist
// name, followed by an annotation naming the specialists that failed and why.
// When no specialist succeeds the turn fails with *TurnFailedError, whose
// message still carries any partial findings.
package supervisor
