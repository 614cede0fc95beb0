// Package toolgw is the tool gateway client: it resolves logical tool names to
// endpoints, attaches machine-to-machine credentials and invokes remote tools.
//
// # Transports
//
//   - MCPTransport: JSON-RPC 2.0 tools/call and tools/list over HTTP
//   - GRPCTransport: coven.supervisor.v1.ToolService with Struct payloads
//   - LambdaTransport: synchronous Lambda invoke using the AgentCore client context
//
// # Retry
//
// Transports classify failures as ErrTransientNetwork, ErrAuthExpired or
// ErrPermanentClient. The client retries transient failures with exponential
// backoff and full jitter, refreshes the token once on ErrAuthExpired, and never
// retries permanent failures. Exhaustion is reported as *ToolInvocationFailedError.
//
// Every call is recorded on the caller's turn.InvocationLog.
package toolgw
