// ABOUTME: Transport abstraction for reaching remote tools (MCP over HTTP, gRPC, Lambda).
// ABOUTME: Transports return errors wrapping ErrTransientNetwork, ErrAuthExpired or ErrPermanentClient.

package toolgw

import (
	"context"
	"encoding/json"
)

// Request is one attempt at a remote tool call.
type Request struct {
	// Tool is the remote tool name as the endpoint knows it.
	Tool      string
	Arguments json.RawMessage
	// Token is the bearer credential, empty when the endpoint needs none.
	Token string
}

// Response carries the tool's JSON output.
type Response struct {
	Output json.RawMessage
}

// Transport performs a single remote tool call without retrying.
type Transport interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// RemoteTool is a tool advertised by an endpoint.
type RemoteTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Lister is implemented by transports that can enumerate their tools.
type Lister interface {
	ListTools(ctx context.Context, token string) ([]RemoteTool, error)
}

// Searcher is implemented by transports that offer semantic tool search.
type Searcher interface {
	SearchTools(ctx context.Context, token, query string, limit int) ([]RemoteTool, error)
}
