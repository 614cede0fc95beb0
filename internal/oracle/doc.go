// Package oracle provides decision oracles for the supervisor and its
// specialists: Claude, backed by the Anthropic Messages API or AWS Bedrock, and
// Rules, a deterministic keyword router with static staged plans.
//
// Both implement supervisor.Router and specialist.Planner, so either can be
// swapped in without touching the orchestration code.
package oracle
