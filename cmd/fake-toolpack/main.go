// ABOUTME: Local tool pack for development: OAuth token endpoint, MCP endpoint and gRPC ToolService.
// ABOUTME: Usage: fake-toolpack [-http :9090] [-grpc :9091] [-target biomed] [-latency 200ms]

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/2389/coven-supervisor/internal/auth"
	"github.com/2389/coven-supervisor/internal/mcp"
	"github.com/2389/coven-supervisor/internal/toolpack"
	"github.com/2389/coven-supervisor/internal/toolrpc"
)

// callScope is required on tokens used for tools/call and Invoke.
const callScope = "tools/invoke"

type options struct {
	httpAddr     string
	grpcAddr     string
	target       string
	audience     string
	secret       string
	clientID     string
	clientSecret string
	latency      time.Duration
	tokenTTL     time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.httpAddr, "http", "127.0.0.1:9090", "HTTP address for /oauth2/token and /mcp")
	flag.StringVar(&opts.grpcAddr, "grpc", "127.0.0.1:9091", "gRPC ToolService address (empty to disable)")
	flag.StringVar(&opts.target, "target", "biomed", "tool name prefix (target___tool)")
	flag.StringVar(&opts.audience, "audience", "toolpack", "audience tokens must carry")
	flag.StringVar(&opts.secret, "secret", envOr("TOOLPACK_JWT_SECRET", "dev-only-secret-change-me"), "HS256 signing secret")
	flag.StringVar(&opts.clientID, "client-id", envOr("TOOLPACK_CLIENT_ID", "supervisor"), "OAuth client ID")
	flag.StringVar(&opts.clientSecret, "client-secret", envOr("TOOLPACK_CLIENT_SECRET", "supervisor-secret"), "OAuth client secret")
	flag.DurationVar(&opts.latency, "latency", 0, "artificial latency per tool call")
	flag.DurationVar(&opts.tokenTTL, "token-ttl", time.Hour, "lifetime of issued tokens")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("fake-toolpack failed", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	secret := []byte(opts.secret)
	clients := auth.NewClientRegistry()
	if err := clients.Register(opts.clientID, opts.clientSecret, []string{opts.audience}, []string{callScope}); err != nil {
		return fmt.Errorf("registering client: %w", err)
	}
	verifier := auth.NewJWTIssuer(secret, opts.audience)

	pack := toolpack.New(toolpack.Config{Target: opts.target, Latency: opts.latency, Logger: logger})
	mcpServer, err := mcp.NewServer(mcp.Config{
		Handler:   pack,
		Name:      "fake-toolpack",
		CallScope: callScope,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/oauth2/token", &auth.TokenEndpoint{
		Issuer:  auth.NewJWTIssuer(secret, ""),
		Clients: clients,
		TTL:     opts.tokenTTL,
		Logger:  logger,
	})
	mux.Handle("/mcp", auth.HTTPAuthMiddleware(verifier, logger)(mcpServer))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})
	httpServer := &http.Server{Addr: opts.httpAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 2)

	httpLn, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	go func() {
		if err := httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if opts.grpcAddr != "" {
		grpcLn, err := net.Listen("tcp", opts.grpcAddr)
		if err != nil {
			_ = httpServer.Close()
			return fmt.Errorf("listening on gRPC address: %w", err)
		}
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryInterceptor(verifier, logger)))
		toolrpc.RegisterToolServiceServer(grpcServer, toolpack.NewGRPCService(pack))
		go func() {
			if err := grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	names := make([]string, 0, len(pack.Tools()))
	for _, t := range pack.Tools() {
		names = append(names, t.Name)
	}
	logger.Info("fake-toolpack ready",
		"token_url", "http://"+httpLn.Addr().String()+"/oauth2/token",
		"mcp_url", "http://"+httpLn.Addr().String()+"/mcp",
		"grpc_addr", opts.grpcAddr,
		"client_id", opts.clientID,
		"audience", opts.audience,
		"tools", strings.Join(names, ","),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}
