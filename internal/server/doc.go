// Package server assembles a running coven-supervisor from configuration.
//
// # Components
//
// New builds, in order: the SQLite memory store and memory client, one OAuth
// client-credentials provider per identity provider behind a shared credential
// cache, the tool registry with one transport per endpoint (MCP, gRPC or
// Lambda), the tool gateway client, the decision oracle, one specialist agent
// per catalog entry, the supervisor, and the HTTP API.
//
// # Discovery
//
// Endpoints with discover set are asked for their tools when the server is
// created. An endpoint that cannot be reached is retried in the background
// while the server runs, and /health/ready reports 503 until at least one tool
// is registered.
//
// # Lifecycle
//
//	srv, err := server.New(ctx, cfg, logger)
//	if err != nil {
//	    return err
//	}
//	return srv.Run(ctx) // blocks until ctx is canceled, then shuts down
package server
