// Package mcp implements the Model Context Protocol wire types and an HTTP
// server that exposes a set of tools over the Streamable HTTP transport.
//
// # Protocol
//
// The server speaks JSON-RPC 2.0 over a single POST endpoint. Supported
// methods are initialize, ping, tools/list and tools/call. GET is rejected
// because the server never opens a server-initiated stream; DELETE ends a
// session.
//
// # Sessions
//
// initialize returns an Mcp-Session-Id header. Clients that send it back are
// checked against the live sessions and get 404 once the session is gone.
// Clients that never initialize are served statelessly, which is how the
// supervisor's gateway client talks to tool endpoints.
//
// # Tools
//
// A ToolHandler supplies the tools. tools/list pages through them with opaque
// cursors. A handler error wrapping ErrToolNotFound becomes an invalid-params
// error, a *ToolError becomes a result with isError set, and anything else is
// an internal error that callers may retry.
//
// Handlers that also implement ToolSearcher get the search tool
// (SearchToolName) advertised after their own tools:
//
//	{
//	  "jsonrpc": "2.0",
//	  "method": "tools/call",
//	  "params": {"name": "x_amz_bedrock_agentcore_search", "arguments": {"query": "protein interactions"}},
//	  "id": 2
//	}
//
// # Authentication
//
// The server does no token handling of its own. Wrap it in
// auth.HTTPAuthMiddleware; when Config.CallScope is set, tools/call requires
// that scope on the verified caller.
package mcp
