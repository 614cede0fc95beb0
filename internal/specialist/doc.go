// Package specialist implements specialist agents: named capabilities that own a
// fixed set of tools and drive them through a pluggable Planner.
//
// # Rounds
//
// Each round the planner sees the sub-task, the session context and every
// earlier observation in issuance order, and returns either a batch of tool
// calls or a final answer. Calls in a batch run concurrently up to the
// descriptor's MaxConcurrency. After the initial round at most MaxRefinements
// further rounds are allowed.
//
// # Failure
//
// A specialist fails with *FailedError when every tool call it made failed,
// when the round bound runs out before any call succeeded, or when the planner
// itself errors. Calls to tools outside the descriptor's set are recorded as
// not_permitted and never reach the gateway.
package specialist
