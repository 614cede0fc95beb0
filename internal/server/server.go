// ABOUTME: Server wires the supervisor, its tool gateway, credentials and memory from configuration.
// ABOUTME: Manages the HTTP API and health endpoints lifecycle with graceful shutdown.

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
	grpccreds "google.golang.org/grpc/credentials"

	"github.com/2389/coven-supervisor/internal/api"
	"github.com/2389/coven-supervisor/internal/config"
	"github.com/2389/coven-supervisor/internal/credentials"
	"github.com/2389/coven-supervisor/internal/dedupe"
	"github.com/2389/coven-supervisor/internal/memory"
	"github.com/2389/coven-supervisor/internal/oracle"
	"github.com/2389/coven-supervisor/internal/specialist"
	"github.com/2389/coven-supervisor/internal/supervisor"
	"github.com/2389/coven-supervisor/internal/toolgw"
	"github.com/2389/coven-supervisor/internal/turn"
)

// DefaultDiscoveryInterval is how often endpoints whose discovery failed are retried.
const DefaultDiscoveryInterval = 30 * time.Second

// Oracle is the decision oracle: it routes turns and plans specialist steps.
type Oracle interface {
	supervisor.Router
	specialist.Planner
}

// Server orchestrates the coven-supervisor components.
type Server struct {
	config     *config.Config
	store      *memory.SQLiteStore
	memory     *memory.Client
	tokens     *credentials.Cache
	registry   *toolgw.Registry
	tools      *toolgw.Client
	supervisor *supervisor.Supervisor
	dedupe     *dedupe.Cache
	httpServer *http.Server
	logger     *slog.Logger

	// closers release transport connections on shutdown
	closers []io.Closer

	// undiscovered lists endpoints whose tools still have to be listed
	undiscovered []string

	discoveryInterval time.Duration
}

// Option customizes a Server before it is assembled.
type Option func(*options)

type options struct {
	oracle            Oracle
	lambda            toolgw.LambdaInvoker
	discoveryInterval time.Duration
}

// WithOracle replaces the oracle selected by configuration.
func WithOracle(o Oracle) Option {
	return func(opts *options) { opts.oracle = o }
}

// WithLambdaClient sets the Lambda API client used by lambda endpoints.
func WithLambdaClient(c toolgw.LambdaInvoker) Option {
	return func(opts *options) { opts.lambda = c }
}

// WithDiscoveryInterval sets how often failed discovery is retried.
func WithDiscoveryInterval(d time.Duration) Option {
	return func(opts *options) { opts.discoveryInterval = d }
}

// New creates a Server from configuration. Endpoints marked for discovery are
// listed once here; failures are retried in the background by Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	o := options{discoveryInterval: DefaultDiscoveryInterval}
	for _, opt := range opts {
		opt(&o)
	}

	store, err := memory.NewSQLiteStore(cfg.Memory.Path)
	if err != nil {
		return nil, fmt.Errorf("opening memory store: %w", err)
	}

	s := &Server{
		config:            cfg,
		store:             store,
		logger:            logger.With("component", "server"),
		discoveryInterval: o.discoveryInterval,
	}
	if err := s.build(ctx, o, logger); err != nil {
		_ = s.closeComponents()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, o options, logger *slog.Logger) error {
	cfg := s.config

	s.memory = memory.NewClient(memory.ClientConfig{
		Store:        s.store,
		ReadTimeout:  cfg.Memory.ReadTimeout,
		WriteTimeout: cfg.Memory.WriteTimeout,
		RecentTurns:  cfg.Memory.RecentTurns,
		RecallLimit:  cfg.Memory.RecallLimit,
		Logger:       logger,
	})

	providers, err := buildProviders(cfg.Providers)
	if err != nil {
		return err
	}
	s.tokens = credentials.NewCache(credentials.Config{
		Providers:     providers,
		RefreshMargin: cfg.Credentials.RefreshMargin,
		FetchTimeout:  cfg.Credentials.FetchTimeout,
		DenialHoldoff: cfg.Credentials.DenialHoldoff,
		Logger:        logger,
	})

	s.registry = toolgw.NewRegistry(logger)
	for _, epCfg := range cfg.Endpoints {
		if err := s.registerEndpoint(ctx, epCfg, o.lambda); err != nil {
			return err
		}
	}

	s.tools = toolgw.NewClient(toolgw.ClientConfig{
		Registry: s.registry,
		Tokens:   s.tokens,
		Retry: toolgw.RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		Logger: logger,
	})
	s.discover(ctx)

	orc := o.oracle
	if orc == nil {
		orc, err = buildOracle(ctx, cfg.Oracle, logger)
		if err != nil {
			return err
		}
	}

	catalog, err := specialist.LoadCatalog(cfg.Specialists.Catalog)
	if err != nil {
		return fmt.Errorf("loading specialist catalog: %w", err)
	}
	runners := make([]supervisor.Runner, 0, len(catalog.Specialists))
	for _, d := range catalog.Specialists {
		agent, err := specialist.New(specialist.Config{
			Descriptor:     d,
			Planner:        orc,
			Invoker:        s.tools,
			Tools:          s.registry,
			MaxRefinements: cfg.Specialists.MaxRefinements,
			CallTimeout:    cfg.Specialists.CallTimeout,
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("creating specialist %s: %w", d.Name, err)
		}
		runners = append(runners, agent)
	}

	s.supervisor, err = supervisor.New(supervisor.Config{
		Router:      orc,
		Specialists: runners,
		Memory:      s.memory,
		Deadline:    cfg.Supervisor.Deadline,
		Grace:       cfg.Supervisor.Grace,
		RecentTurns: cfg.Supervisor.RecentTurns,
		Observer:    supervisor.ObserverFunc(s.logTurn),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating supervisor: %w", err)
	}

	s.dedupe = dedupe.New(10*time.Minute, 10_000)
	apiServer, err := api.New(api.Config{
		Turns:       s.supervisor,
		History:     s.memory,
		Tools:       s.registry,
		Idempotency: s.dedupe,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating API: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleReady)
	apiServer.RegisterRoutes(mux)

	deadline := cfg.Supervisor.Deadline
	if deadline == 0 {
		deadline = supervisor.DefaultDeadline
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      api.WriteTimeout(deadline),
	}
	return nil
}

// buildProviders creates one client-credentials provider per configured identity provider.
func buildProviders(cfgs []config.ProviderConfig) (map[string]credentials.Provider, error) {
	providers := make(map[string]credentials.Provider, len(cfgs))
	for _, p := range cfgs {
		provider, err := credentials.NewClientCredentialsProvider(credentials.ClientCredentialsConfig{
			TokenURL:      p.TokenURL,
			ClientID:      p.ClientID,
			ClientSecret:  p.ClientSecret,
			Scopes:        p.Scopes,
			AudienceParam: p.AudienceParam,
		})
		if err != nil {
			return nil, fmt.Errorf("identity provider %s: %w", p.Name, err)
		}
		providers[p.Name] = provider
	}
	return providers, nil
}

// registerEndpoint builds the endpoint's transport and registers its static tools.
func (s *Server) registerEndpoint(ctx context.Context, epCfg config.EndpointConfig, lambdaClient toolgw.LambdaInvoker) error {
	transport, err := s.buildTransport(ctx, epCfg, lambdaClient)
	if err != nil {
		return fmt.Errorf("endpoint %s: %w", epCfg.Name, err)
	}

	err = s.registry.RegisterEndpoint(&toolgw.Endpoint{
		Name:      epCfg.Name,
		Transport: transport,
		Provider:  epCfg.Provider,
		Audience:  epCfg.Audience,
		Timeout:   epCfg.Timeout,
	})
	if err != nil {
		return err
	}

	if len(epCfg.Tools) > 0 {
		tools := make([]toolgw.Tool, 0, len(epCfg.Tools))
		for _, t := range epCfg.Tools {
			tools = append(tools, toolgw.Tool{Name: t.Name, Remote: t.Remote, Description: t.Description})
		}
		if err := s.registry.RegisterTools(epCfg.Name, tools...); err != nil {
			return err
		}
	}
	if epCfg.Discover {
		s.undiscovered = append(s.undiscovered, epCfg.Name)
	}
	return nil
}

func (s *Server) buildTransport(ctx context.Context, epCfg config.EndpointConfig, lambdaClient toolgw.LambdaInvoker) (toolgw.Transport, error) {
	switch epCfg.Type {
	case config.EndpointMCP:
		t, err := toolgw.NewMCPTransport(toolgw.MCPConfig{URL: epCfg.URL})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, t)
		return t, nil
	case config.EndpointGRPC:
		var opts []grpc.DialOption
		if !epCfg.Insecure {
			opts = append(opts, grpc.WithTransportCredentials(grpccreds.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
		}
		t, err := toolgw.DialGRPC(epCfg.Address, opts...)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, t)
		return t, nil
	case config.EndpointLambda:
		return toolgw.NewLambdaTransport(ctx, toolgw.LambdaConfig{
			Function: epCfg.Function,
			Target:   epCfg.Target,
			Region:   epCfg.Region,
			Client:   lambdaClient,
		})
	default:
		return nil, fmt.Errorf("unknown endpoint type %q", epCfg.Type)
	}
}

func buildOracle(ctx context.Context, cfg config.OracleConfig, logger *slog.Logger) (Oracle, error) {
	switch cfg.Type {
	case config.OracleClaude:
		c, err := oracle.NewClaude(ctx, oracle.ClaudeConfig{
			Model:      cfg.Model,
			APIKey:     cfg.APIKey,
			UseBedrock: cfg.UseBedrock,
			AWSRegion:  cfg.AWSRegion,
			AWSProfile: cfg.AWSProfile,
			BaseURL:    cfg.BaseURL,
			MaxTokens:  cfg.MaxTokens,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating claude oracle: %w", err)
		}
		return c, nil
	default:
		return oracle.NewRules(logger), nil
	}
}

// discover lists the tools of every endpoint still waiting for discovery and
// keeps the ones that failed for the next attempt.
func (s *Server) discover(ctx context.Context) {
	var failed []string
	for _, name := range s.undiscovered {
		if _, err := s.tools.Discover(ctx, name); err != nil {
			s.logger.Warn("tool discovery failed", "endpoint", name, "error", err)
			failed = append(failed, name)
		}
	}
	s.undiscovered = failed
}

// rediscover retries failed discovery until every endpoint is listed or ctx ends.
func (s *Server) rediscover(ctx context.Context) {
	if len(s.undiscovered) == 0 {
		return
	}
	ticker := time.NewTicker(s.discoveryInterval)
	defer ticker.Stop()
	for len(s.undiscovered) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.discover(ctx)
		}
	}
	s.logger.Info("all endpoints discovered", "tools", len(s.registry.Tools()))
}

// logTurn records the outcome and invocation trail of every sealed turn.
func (s *Server) logTurn(t *turn.Turn) {
	var failed int
	for _, inv := range t.Invocations {
		if inv.Status != turn.InvocationSucceeded {
			failed++
		}
	}
	s.logger.Info("turn sealed",
		"turn_id", t.ID,
		"session_id", t.SessionID,
		"status", t.Status,
		"specialists", len(t.Routing),
		"invocations", len(t.Invocations),
		"failed_invocations", failed,
		"duration", t.CompletedAt.Sub(t.StartedAt),
	)
}

// Supervisor returns the turn orchestrator.
func (s *Server) Supervisor() *supervisor.Supervisor {
	return s.supervisor
}

// Registry returns the tool registry.
func (s *Server) Registry() *toolgw.Registry {
	return s.registry
}

// Handler returns the HTTP handler serving the API and health endpoints.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until the context is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	discoveryCtx, stopDiscovery := context.WithCancel(ctx)
	discoveryDone := make(chan struct{})
	go func() {
		defer close(discoveryDone)
		s.rediscover(discoveryCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}
	stopDiscovery()
	<-discoveryDone

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Shutdown(ctx)
}

// Shutdown stops the HTTP server and releases every component.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down supervisor")

	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
		}
	}
	if err := s.closeComponents(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeComponents closes transports, the idempotency cache and the store.
func (s *Server) closeComponents() error {
	var errs []error
	for _, c := range s.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("transport close: %w", err))
		}
	}
	s.closers = nil
	if s.dedupe != nil {
		s.dedupe.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once at least one tool is registered.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.Tools()
	if len(tools) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no tools registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d tools)", len(tools))
}
