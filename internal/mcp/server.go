// ABOUTME: MCP-compatible HTTP server exposing a ToolHandler over JSON-RPC.
// ABOUTME: Implements the MCP 2025-11-25 Streamable HTTP transport with optional sessions and tool search.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-supervisor/internal/auth"
)

// Supported MCP protocol versions
var supportedProtocolVersions = map[string]bool{
	"2024-11-05": true,
	"2025-03-26": true,
	"2025-06-18": true,
	"2025-11-25": true,
}

// MaxRequestBodySize is the maximum allowed size for request bodies (1MB).
const MaxRequestBodySize = 1 << 20

// DefaultPageSize is the number of tools returned per tools/list page.
const DefaultPageSize = 50

// ErrToolNotFound is returned by a ToolHandler for names it does not serve.
var ErrToolNotFound = errors.New("tool not found")

// ToolError is a failure reported by the tool itself (bad input, no match).
// It is returned to the caller as an isError result rather than a JSON-RPC error.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// ToolHandler is the set of tools served by the MCP endpoint.
type ToolHandler interface {
	ListTools(ctx context.Context) []ToolInfo
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// ToolSearcher is implemented by handlers that support semantic tool search.
// When present, the server advertises SearchToolName.
type ToolSearcher interface {
	SearchTools(ctx context.Context, query string) []ToolInfo
}

// mcpSession tracks an initialized MCP client session.
type mcpSession struct {
	id              string
	protocolVersion string
	ownerToken      string
	createdAt       time.Time
}

// sessionStore manages active MCP sessions (in-memory).
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*mcpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*mcpSession)}
}

func (s *sessionStore) create(protocolVersion, ownerToken string) *mcpSession {
	sess := &mcpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		ownerToken:      ownerToken,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*mcpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

// Config holds configuration for the MCP server.
type Config struct {
	Handler   ToolHandler
	Name      string // serverInfo.name
	Version   string // serverInfo.version
	PageSize  int    // tools per tools/list page
	CallScope string // scope required for tools/call when the caller is authenticated
	Logger    *slog.Logger
}

// Server implements MCP-compatible HTTP endpoints. Clients may initialize a
// session first; requests without Mcp-Session-Id are served statelessly.
type Server struct {
	handler   ToolHandler
	searcher  ToolSearcher
	name      string
	version   string
	pageSize  int
	callScope string
	logger    *slog.Logger
	sessions  *sessionStore
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Handler == nil {
		return nil, errors.New("tool handler is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "coven-toolpack"
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	searcher, _ := cfg.Handler.(ToolSearcher)
	return &Server{
		handler:   cfg.Handler,
		searcher:  searcher,
		name:      name,
		version:   version,
		pageSize:  pageSize,
		callScope: cfg.CallScope,
		logger:    logger.With("component", "mcp"),
		sessions:  newSessionStore(),
	}, nil
}

// ServeHTTP is the single MCP endpoint supporting POST, GET, and DELETE per the
// MCP Streamable HTTP transport (2025-11-25).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		// We don't support server-initiated SSE streams
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, GET, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// handleDelete terminates a session. Only the caller that created it may do so.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}

	sess, ok := s.sessions.get(sessionID)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.ownerToken != "" && ownerToken(r) != sess.ownerToken {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	s.sessions.delete(sessionID)
	s.logger.Info("MCP session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePost processes JSON-RPC messages sent via HTTP POST.
func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	protoVersion := r.Header.Get(HeaderProtocolVersion)

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "failed to read request body")
		return
	}
	if int64(len(body)) > MaxRequestBodySize {
		s.sendJSONRPCError(w, nil, JSONRPCInvalidRequest, "request body too large")
		return
	}

	var req JSONRPCRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendJSONRPCError(w, nil, JSONRPCParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "invalid JSON-RPC version")
		return
	}

	isInitialize := req.Method == "initialize"
	isNotification := len(req.ID) == 0 || string(req.ID) == "null"

	if !isInitialize && protoVersion != "" && !supportedProtocolVersions[protoVersion] {
		http.Error(w, "Bad Request: unsupported MCP-Protocol-Version", http.StatusBadRequest)
		return
	}

	// A session ID that was never issued (or was deleted) forces re-initialization.
	if !isInitialize && sessionID != "" {
		if _, ok := s.sessions.get(sessionID); !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	s.logger.Debug("MCP request",
		"method", req.Method,
		"is_notification", isNotification,
		"session_id", sessionID,
	)

	if isNotification {
		if !strings.HasPrefix(req.Method, "notifications/") {
			s.logger.Warn("received notification for non-notification method", "method", req.Method)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "initialize":
		s.handleInitialize(w, r, req)
	case "ping":
		s.sendJSONRPCResult(w, req.ID, map[string]any{})
	case "tools/list":
		s.handleToolsList(w, r, req)
	case "tools/call":
		s.handleToolsCall(w, r, req)
	default:
		s.sendJSONRPCError(w, req.ID, JSONRPCMethodNotFound, "method not found")
	}
}

// handleInitialize handles the MCP initialize handshake and creates a session.
func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	sess := s.sessions.create(negotiateVersion(req.Params), ownerToken(r))
	s.logger.Info("MCP session created",
		"session_id", sess.id,
		"protocol_version", sess.protocolVersion,
	)

	w.Header().Set(HeaderSessionID, sess.id)
	s.sendJSONRPCResult(w, req.ID, map[string]any{
		"protocolVersion": sess.protocolVersion,
		"capabilities": map[string]any{
			"tools": map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    s.name,
			"version": s.version,
		},
	})
}

// negotiateVersion answers with the client's requested revision when it is
// supported and with the latest one otherwise.
func negotiateVersion(params json.RawMessage) string {
	var p struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &p)
	}
	if supportedProtocolVersions[p.ProtocolVersion] {
		return p.ProtocolVersion
	}
	return ProtocolVersion
}

// listing returns every advertised tool, the search tool last.
func (s *Server) listing(ctx context.Context) []ToolInfo {
	tools := s.handler.ListTools(ctx)
	if s.searcher != nil {
		tools = append(tools, ToolInfo{
			Name:        SearchToolName,
			Description: "Search the available tools by natural-language query",
			InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
		})
	}
	return tools
}

// handleToolsList handles tools/list requests. Cursors are opaque page offsets.
func (s *Server) handleToolsList(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}

	offset := 0
	if params.Cursor != "" {
		n, err := strconv.Atoi(params.Cursor)
		if err != nil || n < 0 {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid cursor")
			return
		}
		offset = n
	}

	tools := s.listing(r.Context())
	result := ListToolsResult{Tools: []ToolInfo{}}
	if offset < len(tools) {
		end := min(offset+s.pageSize, len(tools))
		result.Tools = tools[offset:end]
		if end < len(tools) {
			result.NextCursor = strconv.Itoa(end)
		}
	}

	s.logger.Debug("tools/list", "count", len(result.Tools), "cursor", params.Cursor)
	s.sendJSONRPCResult(w, req.ID, result)
}

// handleToolsCall handles tools/call requests.
func (s *Server) handleToolsCall(w http.ResponseWriter, r *http.Request, req JSONRPCRequest) {
	var params CallToolParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "invalid params")
			return
		}
	}
	if params.Name == "" {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidParams, "tool name is required")
		return
	}

	if caller := auth.FromContext(r.Context()); caller != nil && s.callScope != "" && !caller.HasScope(s.callScope) {
		s.sendJSONRPCError(w, req.ID, JSONRPCInvalidRequest, "insufficient scope for this tool")
		return
	}

	requestID := uuid.New().String()
	s.logger.Debug("tools/call", "tool_name", params.Name, "request_id", requestID)

	if params.Name == SearchToolName && s.searcher != nil {
		s.handleSearch(w, r, req, params)
		return
	}

	output, err := s.handler.CallTool(r.Context(), params.Name, params.Arguments)
	if err != nil {
		var toolErr *ToolError
		if errors.As(err, &toolErr) {
			s.sendJSONRPCResult(w, req.ID, CallToolResult{
				Content: []Content{{Type: "text", Text: toolErr.Message}},
				IsError: true,
			})
			return
		}
		s.handleToolError(w, req.ID, params.Name, requestID, err)
		return
	}

	s.logger.Debug("tools/call complete", "tool_name", params.Name, "request_id", requestID)
	s.sendJSONRPCResult(w, req.ID, CallToolResult{
		Content:           []Content{{Type: "text", Text: string(output)}},
		StructuredContent: output,
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, req JSONRPCRequest, params CallToolParams) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(params.Arguments, &args); err != nil || args.Query == "" {
		s.sendJSONRPCResult(w, req.ID, CallToolResult{
			Content: []Content{{Type: "text", Text: "query is required"}},
			IsError: true,
		})
		return
	}
	structured, err := json.Marshal(SearchResult{Tools: s.searcher.SearchTools(r.Context(), args.Query)})
	if err != nil {
		s.sendJSONRPCError(w, req.ID, JSONRPCInternalError, "search failed")
		return
	}
	s.sendJSONRPCResult(w, req.ID, CallToolResult{
		Content:           []Content{{Type: "text", Text: string(structured)}},
		StructuredContent: structured,
	})
}

// handleToolError maps a handler failure to a JSON-RPC error.
func (s *Server) handleToolError(w http.ResponseWriter, id json.RawMessage, toolName, requestID string, err error) {
	s.logger.Warn("tool execution failed",
		"tool_name", toolName,
		"request_id", requestID,
		"error", err,
	)

	code := JSONRPCInternalError
	message := "tool execution failed"

	switch {
	case errors.Is(err, ErrToolNotFound):
		code = JSONRPCInvalidParams
		message = "tool not found"
	case errors.Is(err, context.DeadlineExceeded):
		message = "tool execution timed out"
	case errors.Is(err, context.Canceled):
		message = "request cancelled"
	}

	s.sendJSONRPCError(w, id, code, message)
}

// ownerToken derives the identity a session is bound to from the request's bearer token.
func ownerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// sendJSONRPCResult sends a successful JSON-RPC response.
func (s *Server) sendJSONRPCResult(w http.ResponseWriter, id json.RawMessage, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC response", "error", err)
	}
}

// sendJSONRPCError sends a JSON-RPC error response.
func (s *Server) sendJSONRPCError(w http.ResponseWriter, id json.RawMessage, code int, message string) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode JSON-RPC error response", "error", err)
	}
}
