// ABOUTME: Tests for the Server assembled from configuration against a local IdP and tool pack.
// ABOUTME: Drives turns through the HTTP handler and exercises discovery retry and shutdown.

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-supervisor/internal/api"
	"github.com/2389/coven-supervisor/internal/auth"
	"github.com/2389/coven-supervisor/internal/config"
	"github.com/2389/coven-supervisor/internal/mcp"
	"github.com/2389/coven-supervisor/internal/toolpack"
	"github.com/2389/coven-supervisor/internal/turn"
)

const testCatalog = `
[[specialist]]
name = "database"
description = "Compound potency database"
tools = ["query_db"]
default = true

[[specialist]]
name = "literature"
description = "Searches biomedical literature"
tools = ["search_pubmed"]
keywords = ["paper", "literature"]
`

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// toolpackServer runs the development IdP and an MCP tool pack on one httptest server.
// Requests fail with 503 while up is false.
func toolpackServer(t *testing.T, up *atomic.Bool) *httptest.Server {
	t.Helper()
	secret := []byte("server-test-secret")
	clients := auth.NewClientRegistry()
	require.NoError(t, clients.Register("supervisor", "s3cret", []string{"toolpack"}, []string{"tools/invoke"}))

	pack := toolpack.New(toolpack.Config{Target: "biomed"})
	mcpServer, err := mcp.NewServer(mcp.Config{Handler: pack, CallScope: "tools/invoke", Logger: testLogger()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.Handle("/oauth2/token", &auth.TokenEndpoint{Issuer: auth.NewJWTIssuer(secret, ""), Clients: clients, Logger: testLogger()})
	mux.Handle("/mcp", auth.HTTPAuthMiddleware(auth.NewJWTIssuer(secret, "toolpack"), testLogger())(mcpServer))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up != nil && !up.Load() {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testConfig(t *testing.T, toolpackURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	catalog := filepath.Join(dir, "specialists.toml")
	require.NoError(t, os.WriteFile(catalog, []byte(testCatalog), 0o600))

	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Memory: config.MemoryConfig{Path: filepath.Join(dir, "memory.db")},
		Providers: []config.ProviderConfig{{
			Name:          "dev",
			TokenURL:      toolpackURL + "/oauth2/token",
			ClientID:      "supervisor",
			ClientSecret:  "s3cret",
			AudienceParam: "audience",
		}},
		Endpoints: []config.EndpointConfig{{
			Name:     "toolpack",
			Type:     config.EndpointMCP,
			URL:      toolpackURL + "/mcp",
			Provider: "dev",
			Audience: "toolpack",
			Discover: true,
		}},
		Retry:       config.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Supervisor:  config.SupervisorConfig{Deadline: 5 * time.Second},
		Specialists: config.SpecialistsConfig{Catalog: catalog},
		Oracle:      config.OracleConfig{Type: config.OracleRules},
	}
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(context.Background(), cfg, testLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.closeComponents() })
	return s
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_EndToEndTurn(t *testing.T) {
	ts := toolpackServer(t, nil)
	s := newTestServer(t, testConfig(t, ts.URL))
	h := s.Handler()

	t.Run("discovered tools are registered under logical names", func(t *testing.T) {
		rec := get(t, h, "/api/tools")
		require.Equal(t, http.StatusOK, rec.Code)
		var tools api.ToolsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tools))

		remote := make(map[string]string)
		for _, tool := range tools.Tools {
			remote[tool.Name] = tool.Remote
		}
		assert.Equal(t, "biomed___query_db", remote["query_db"])
		assert.Equal(t, "biomed___search_pubmed", remote["search_pubmed"])
	})

	t.Run("health", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, get(t, h, "/health").Code)
		rec := get(t, h, "/health/ready")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ready")
	})

	t.Run("turn runs through the default specialist", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/sessions/demo/turns", strings.NewReader(`{"text":"Which compounds inhibit HER2?"}`))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var resp api.TurnResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, turn.StatusCompleted, resp.Status)
		assert.Empty(t, resp.Failures)

		rec = get(t, h, "/api/turns/"+resp.TurnID+"/invocations")
		require.Equal(t, http.StatusOK, rec.Code)
		var invs api.InvocationsResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&invs))
		require.Len(t, invs.Invocations, 1)
		assert.Equal(t, "database", invs.Invocations[0].Specialist)
		assert.Equal(t, "query_db", invs.Invocations[0].Tool)
		assert.Equal(t, turn.InvocationSucceeded, invs.Invocations[0].Status)
		assert.Contains(t, string(invs.Invocations[0].Output), "trastuzumab")
	})

	t.Run("one token serves every call", func(t *testing.T) {
		assert.Equal(t, int64(1), s.tokens.FetchCount())
	})
}

func TestServer_RediscoversUntilEndpointIsUp(t *testing.T) {
	var up atomic.Bool
	ts := toolpackServer(t, &up)
	s := newTestServer(t, testConfig(t, ts.URL), WithDiscoveryInterval(10*time.Millisecond))

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s.Handler(), "/health/ready").Code)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	up.Store(true)
	require.Eventually(t, func() bool {
		return len(s.Registry().Tools()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + ln.Addr().String() + "/health/ready")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServer_ConfigErrors(t *testing.T) {
	ts := toolpackServer(t, nil)

	tests := []struct {
		name   string
		mutate func(cfg *config.Config)
	}{
		{"missing catalog", func(cfg *config.Config) { cfg.Specialists.Catalog = filepath.Join(t.TempDir(), "absent.toml") }},
		{"unknown endpoint type", func(cfg *config.Config) { cfg.Endpoints[0].Type = "carrier-pigeon" }},
		{"provider without token url", func(cfg *config.Config) { cfg.Providers[0].TokenURL = "" }},
		{"duplicate endpoint", func(cfg *config.Config) { cfg.Endpoints = append(cfg.Endpoints, cfg.Endpoints[0]) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, ts.URL)
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, testLogger())
			assert.Error(t, err)
		})
	}
}
