// ABOUTME: Populates the registry from endpoints that can list their tools.
// ABOUTME: Also exposes the gateway's semantic tool search to callers.

package toolgw

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/coven-supervisor/internal/credentials"
)

// ErrDiscoveryUnsupported indicates the endpoint transport cannot list or search tools.
var ErrDiscoveryUnsupported = errors.New("endpoint does not support discovery")

// Discover lists the tools of an endpoint and registers them under their logical
// names. Returns the number of tools registered.
func (c *Client) Discover(ctx context.Context, endpoint string) (int, error) {
	ep, ok := c.registry.Endpoint(endpoint)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}
	lister, ok := ep.Transport.(Lister)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDiscoveryUnsupported, endpoint)
	}

	var remote []RemoteTool
	err := c.withToken(ctx, ep, func(token string) error {
		var err error
		remote, err = lister.ListTools(ctx, token)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("discovering tools on %s: %w", endpoint, err)
	}

	tools := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		tools = append(tools, Tool{
			Name:        LogicalName(rt.Name),
			Remote:      rt.Name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
	}
	if err := c.registry.RegisterTools(endpoint, tools...); err != nil {
		return 0, err
	}

	c.logger.Info("tools discovered", "endpoint", endpoint, "count", len(tools))
	return len(tools), nil
}

// Search runs a semantic tool search on an endpoint. Results are not registered.
func (c *Client) Search(ctx context.Context, endpoint, query string, limit int) ([]Tool, error) {
	ep, ok := c.registry.Endpoint(endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}
	searcher, ok := ep.Transport.(Searcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDiscoveryUnsupported, endpoint)
	}

	var remote []RemoteTool
	err := c.withToken(ctx, ep, func(token string) error {
		var err error
		remote, err = searcher.SearchTools(ctx, token, query, limit)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching tools on %s: %w", endpoint, err)
	}

	out := make([]Tool, 0, len(remote))
	for _, rt := range remote {
		out = append(out, Tool{
			Name:        LogicalName(rt.Name),
			Endpoint:    endpoint,
			Remote:      rt.Name,
			Description: rt.Description,
			InputSchema: rt.InputSchema,
		})
	}
	return out, nil
}

// withToken runs fn with the endpoint's bearer token, refreshing once on rejection.
func (c *Client) withToken(ctx context.Context, ep *Endpoint, fn func(token string) error) error {
	if ep.Provider == "" {
		return fn("")
	}
	tok, err := c.acquire(ctx, ep)
	if err != nil {
		return err
	}
	err = fn(tok.Value)
	if !errors.Is(err, ErrAuthExpired) || c.tokens == nil {
		return err
	}
	tok, err = c.tokens.Refresh(ctx, ep.Provider, ep.Audience, tok.Value)
	if err != nil {
		return err
	}
	return fn(tok.Value)
}

var _ TokenSource = (*credentials.Cache)(nil)
