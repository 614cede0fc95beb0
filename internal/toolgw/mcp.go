// ABOUTME: MCP transport built on the mcp-go streamable HTTP client with per-request bearer tokens.
// ABOUTME: Implements tools/call, tools/list discovery and the gateway's semantic tool search.

package toolgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-supervisor/internal/mcp"
)

// maxCapturedBody bounds how much of each response is kept for error classification (1MB).
const maxCapturedBody = 1 << 20

// maxListPages bounds tools/list pagination.
const maxListPages = 50

// clientName identifies the supervisor in the initialize handshake.
const clientName = "coven-supervisor"

// MCPConfig configures an MCPTransport.
type MCPConfig struct {
	URL        string
	HTTPClient *http.Client
	// SearchTool overrides the name of the semantic search tool.
	SearchTool string
	// ClientVersion is reported in the initialize handshake.
	ClientVersion string
}

// MCPTransport calls tools on an MCP streamable-HTTP endpoint. The handshake
// runs once per endpoint; the session is rebuilt when the endpoint forgets it.
type MCPTransport struct {
	url        string
	httpClient *http.Client
	searchTool string
	version    string

	mu      sync.Mutex
	session *mcpclient.Client
}

// NewMCPTransport creates an MCP transport for one endpoint URL.
func NewMCPTransport(cfg MCPConfig) (*MCPTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("mcp url is required")
	}
	hc := &http.Client{}
	if cfg.HTTPClient != nil {
		*hc = *cfg.HTTPClient
	}
	next := hc.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	hc.Transport = &recorder{next: next}

	searchTool := cfg.SearchTool
	if searchTool == "" {
		searchTool = mcp.SearchToolName
	}
	version := cfg.ClientVersion
	if version == "" {
		version = "dev"
	}
	return &MCPTransport{url: cfg.URL, httpClient: hc, searchTool: searchTool, version: version}, nil
}

// Call invokes tools/call for the request's tool.
func (t *MCPTransport) Call(ctx context.Context, req Request) (*Response, error) {
	args, err := arguments(req.Arguments)
	if err != nil {
		return nil, err
	}
	call := mcpgo.CallToolRequest{}
	call.Params.Name = req.Tool
	call.Params.Arguments = args

	var result *mcpgo.CallToolResult
	err = t.do(ctx, req.Token, "tools/call", func(ctx context.Context, c *mcpclient.Client) error {
		var err error
		result, err = c.CallTool(ctx, call)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, permanent("tool %s reported an error: %s", req.Tool, truncate(contentText(result.Content), 200))
	}
	return &Response{Output: callOutput(result)}, nil
}

// ListTools enumerates the endpoint's tools, following pagination cursors.
func (t *MCPTransport) ListTools(ctx context.Context, token string) ([]RemoteTool, error) {
	var (
		tools  []RemoteTool
		cursor mcpgo.Cursor
	)
	for range maxListPages {
		list := mcpgo.ListToolsRequest{}
		list.Params.Cursor = cursor

		var page *mcpgo.ListToolsResult
		err := t.do(ctx, token, "tools/list", func(ctx context.Context, c *mcpclient.Client) error {
			var err error
			page, err = c.ListToolsByPage(ctx, list)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, tool := range page.Tools {
			tools = append(tools, remoteTool(tool))
		}
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
	return tools, nil
}

// SearchTools asks the gateway's search tool for tools matching the query.
func (t *MCPTransport) SearchTools(ctx context.Context, token, query string, limit int) ([]RemoteTool, error) {
	args, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, permanent("encoding search query: %v", err)
	}
	resp, err := t.Call(ctx, Request{Tool: t.searchTool, Arguments: args, Token: token})
	if err != nil {
		return nil, err
	}

	var found mcp.SearchResult
	if err := json.Unmarshal(resp.Output, &found); err != nil {
		return nil, permanent("malformed search result")
	}
	out := make([]RemoteTool, 0, len(found.Tools))
	for _, info := range found.Tools {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, RemoteTool{Name: info.Name, Description: info.Description, InputSchema: info.InputSchema})
	}
	return out, nil
}

// Close ends the endpoint session, if one was established.
func (t *MCPTransport) Close() error {
	t.mu.Lock()
	c := t.session
	t.session = nil
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

// do runs fn against the endpoint session with token attached to every HTTP
// request it makes, and classifies whatever went wrong.
func (t *MCPTransport) do(ctx context.Context, token, method string, fn func(context.Context, *mcpclient.Client) error) error {
	ex := &exchange{}
	ctx = context.WithValue(ctx, tokenKey{}, token)
	ctx = context.WithValue(ctx, exchangeKey{}, ex)

	c, err := t.connect(ctx)
	if err != nil {
		return t.classify(ctx, ex, nil, "initialize", err)
	}
	err = fn(ctx, c)
	if err == nil && !ex.ok() {
		// mcp-go accepts a JSON body on an error status as a response.
		err = errors.New("unexpected status")
	}
	if err != nil {
		return t.classify(ctx, ex, c, method, err)
	}
	return nil
}

// connect returns the endpoint session, running the initialize handshake the first time.
func (t *MCPTransport) connect(ctx context.Context) (*mcpclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return t.session, nil
	}

	tr, err := mcptransport.NewStreamableHTTP(t.url,
		mcptransport.WithHTTPBasicClient(t.httpClient),
		mcptransport.WithHTTPHeaderFunc(bearerHeader),
	)
	if err != nil {
		return nil, permanent("building mcp transport: %v", err)
	}
	c := mcpclient.NewClient(tr)
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}

	hello := mcpgo.InitializeRequest{}
	hello.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	hello.Params.ClientInfo = mcpgo.Implementation{Name: clientName, Version: t.version}
	if _, err := c.Initialize(ctx, hello); err != nil {
		_ = c.Close()
		return nil, err
	}
	t.session = c
	return c, nil
}

// drop forgets c so the next call runs the handshake again.
func (t *MCPTransport) drop(c *mcpclient.Client) {
	t.mu.Lock()
	if t.session == c {
		t.session = nil
	}
	t.mu.Unlock()
	_ = c.Close()
}

// classify maps an mcp-go failure onto the tool error taxonomy using the last
// HTTP exchange: auth rejections, then HTTP status, then JSON-RPC error codes.
func (t *MCPTransport) classify(ctx context.Context, ex *exchange, c *mcpclient.Client, method string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, ErrPermanentClient) {
		return err
	}
	if errors.Is(err, mcptransport.ErrUnauthorized) {
		return authExpired("%s: endpoint rejected the token", method)
	}

	status, sessionSent, body := ex.result()
	if status == http.StatusNotFound && sessionSent {
		if c != nil {
			t.drop(c)
		}
		return transient("%s: mcp session expired", method)
	}
	if status != 0 {
		if statusErr := classifyHTTPStatus(status); statusErr != nil {
			return fmt.Errorf("%s: %w", method, statusErr)
		}
	}
	if code, message, ok := rpcError(body); ok {
		if code == mcp.JSONRPCInternalError {
			return transient("%s: json-rpc error %d: %s", method, code, message)
		}
		return permanent("%s: json-rpc error %d: %s", method, code, message)
	}
	if status == 0 {
		return transient("%s request failed: %v", method, unwrapURLError(err))
	}
	return permanent("malformed %s response: %v", method, err)
}

// classifyHTTPStatus maps a non-2xx status to the tool error taxonomy.
func classifyHTTPStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return authExpired("endpoint returned %d", code)
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return transient("endpoint returned %d", code)
	default:
		return permanent("endpoint returned %d", code)
	}
}

// rpcError finds a JSON-RPC error object in a JSON body or in the data lines
// of an event stream.
func rpcError(body []byte) (int64, string, bool) {
	payloads := [][]byte{body}
	if !gjson.ValidBytes(body) {
		payloads = payloads[:0]
		for line := range bytes.Lines(body) {
			if data, ok := bytes.CutPrefix(bytes.TrimSpace(line), []byte("data:")); ok {
				payloads = append(payloads, bytes.TrimSpace(data))
			}
		}
	}
	for _, payload := range payloads {
		if e := gjson.GetBytes(payload, "error"); e.Exists() && e.IsObject() {
			return e.Get("code").Int(), e.Get("message").String(), true
		}
	}
	return 0, "", false
}

type tokenKey struct{}

type exchangeKey struct{}

// bearerHeader attaches the token carried by the request context.
func bearerHeader(ctx context.Context) map[string]string {
	token, _ := ctx.Value(tokenKey{}).(string)
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// exchange records the last HTTP round trip made on behalf of one call.
type exchange struct {
	mu          sync.Mutex
	status      int
	sessionSent bool
	body        bytes.Buffer
}

func (e *exchange) begin(sessionSent bool) {
	e.mu.Lock()
	e.status = 0
	e.sessionSent = sessionSent
	e.body.Reset()
	e.mu.Unlock()
}

func (e *exchange) respond(status int) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
}

func (e *exchange) capture(p []byte) {
	e.mu.Lock()
	if room := maxCapturedBody - e.body.Len(); room > 0 {
		e.body.Write(p[:min(len(p), room)])
	}
	e.mu.Unlock()
}

func (e *exchange) ok() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == 0 || (e.status >= 200 && e.status < 300)
}

func (e *exchange) result() (int, bool, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status, e.sessionSent, bytes.Clone(e.body.Bytes())
}

// recorder is the HTTP round tripper under the mcp-go transport. It notes the
// status, session header and body of each exchange for classify.
type recorder struct {
	next http.RoundTripper
}

func (r *recorder) RoundTrip(req *http.Request) (*http.Response, error) {
	ex, _ := req.Context().Value(exchangeKey{}).(*exchange)
	if ex == nil {
		return r.next.RoundTrip(req)
	}
	ex.begin(req.Header.Get(mcp.HeaderSessionID) != "")
	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	ex.respond(resp.StatusCode)
	resp.Body = &capturingBody{ReadCloser: resp.Body, ex: ex}
	return resp, nil
}

type capturingBody struct {
	io.ReadCloser
	ex *exchange
}

func (b *capturingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.ex.capture(p[:n])
	}
	return n, err
}

// arguments validates raw tool arguments; empty means no arguments.
func arguments(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}
	if !json.Valid(raw) {
		return nil, permanent("tool arguments are not valid JSON")
	}
	return raw, nil
}

// callOutput prefers structured content, then JSON text content, then wraps text.
func callOutput(result *mcpgo.CallToolResult) json.RawMessage {
	if result.StructuredContent != nil {
		if raw, err := json.Marshal(result.StructuredContent); err == nil && string(raw) != "null" {
			return raw
		}
	}
	text := contentText(result.Content)
	if json.Valid([]byte(text)) && strings.TrimSpace(text) != "" {
		return json.RawMessage(text)
	}
	wrapped, _ := json.Marshal(map[string]string{"text": text})
	return wrapped
}

func contentText(content []mcpgo.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := mcpgo.AsTextContent(c); ok && tc.Text != "" {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func remoteTool(tool mcpgo.Tool) RemoteTool {
	rt := RemoteTool{Name: tool.Name, Description: tool.Description, InputSchema: tool.RawInputSchema}
	if len(rt.InputSchema) == 0 && tool.InputSchema.Type != "" {
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			rt.InputSchema = schema
		}
	}
	return rt
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// unwrapURLError drops the URL from transport errors so query strings never reach logs.
func unwrapURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
