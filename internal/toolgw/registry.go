// ABOUTME: Thread-safe registry mapping logical tool names to gateway endpoints.
// ABOUTME: Rejects name collisions across endpoints and supports discovery-time replacement.

package toolgw

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// TargetSeparator joins a gateway target name and a tool name in remote tool names.
const TargetSeparator = "___"

// Endpoint is one reachable tool gateway or tool server.
type Endpoint struct {
	Name      string
	Transport Transport

	// Provider and Audience select the credential used for calls. An empty
	// Provider means the transport authenticates on its own (e.g. IAM).
	Provider string
	Audience string

	// Timeout is the per-attempt default for tools on this endpoint.
	Timeout time.Duration
}

// Tool describes one logical tool and where it lives.
type Tool struct {
	Name        string          `json:"name"`
	Endpoint    string          `json:"endpoint"`
	Remote      string          `json:"remote"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Registry maintains the set of endpoints and the tools they expose.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	tools     map[string]*Tool // logical tool name -> tool (for collision detection)
	logger    *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		endpoints: make(map[string]*Endpoint),
		tools:     make(map[string]*Tool),
		logger:    logger,
	}
}

// RegisterEndpoint adds an endpoint. Returns ErrEndpointExists on duplicates.
func (r *Registry) RegisterEndpoint(ep *Endpoint) error {
	if ep == nil || ep.Name == "" {
		return fmt.Errorf("registering endpoint: name is required")
	}
	if ep.Transport == nil {
		return fmt.Errorf("registering endpoint %s: transport is required", ep.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[ep.Name]; exists {
		return fmt.Errorf("%w: %s", ErrEndpointExists, ep.Name)
	}
	r.endpoints[ep.Name] = ep

	r.logger.Info("=== ENDPOINT REGISTERED ===",
		"endpoint", ep.Name,
		"provider", ep.Provider,
		"total_endpoints", len(r.endpoints),
	)
	return nil
}

// RegisterTools adds tools to an existing endpoint. The whole batch is rejected
// with ErrToolCollision if any name is already owned by a different endpoint.
// Re-registering a tool on its own endpoint replaces the definition.
func (r *Registry) RegisterTools(endpoint string, tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[endpoint]; !ok {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, endpoint)
	}

	seen := make(map[string]bool, len(tools))
	for _, t := range tools {
		if t.Name == "" {
			return fmt.Errorf("registering tools on %s: tool name is required", endpoint)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: tool '%s' listed twice by endpoint '%s'", ErrToolCollision, t.Name, endpoint)
		}
		seen[t.Name] = true
		if existing, exists := r.tools[t.Name]; exists && existing.Endpoint != endpoint {
			return fmt.Errorf("%w: tool '%s' already registered by endpoint '%s'",
				ErrToolCollision, t.Name, existing.Endpoint)
		}
	}

	for _, t := range tools {
		tool := t
		tool.Endpoint = endpoint
		if tool.Remote == "" {
			tool.Remote = tool.Name
		}
		r.tools[tool.Name] = &tool
	}

	r.logger.Info("tools registered",
		"endpoint", endpoint,
		"tool_count", len(tools),
		"total_tools", len(r.tools),
	)
	return nil
}

// UnregisterEndpoint removes an endpoint and every tool it owns.
func (r *Registry) UnregisterEndpoint(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpoints[name]; !exists {
		return
	}
	for toolName, tool := range r.tools {
		if tool.Endpoint == name {
			delete(r.tools, toolName)
		}
	}
	delete(r.endpoints, name)

	r.logger.Info("=== ENDPOINT UNREGISTERED ===",
		"endpoint", name,
		"total_endpoints", len(r.endpoints),
		"total_tools", len(r.tools),
	)
}

// Lookup finds a tool by logical name together with its endpoint.
func (r *Registry) Lookup(name string) (*Tool, *Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	ep, ok := r.endpoints[tool.Endpoint]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, tool.Endpoint)
	}
	t := *tool
	return &t, ep, nil
}

// Describe returns a copy of a tool's metadata.
func (r *Registry) Describe(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return *tool, true
}

// Endpoint returns a registered endpoint by name.
func (r *Registry) Endpoint(name string) (*Endpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[name]
	return ep, ok
}

// Tools returns every registered tool sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EndpointNames returns registered endpoint names sorted.
func (r *Registry) EndpointNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LogicalName strips a "target___" prefix from a remote tool name.
func LogicalName(remote string) string {
	if _, tool, ok := strings.Cut(remote, TargetSeparator); ok && tool != "" {
		return tool
	}
	return remote
}
