// ABOUTME: gRPC interceptors authenticating ToolService calls with bearer JWTs
// ABOUTME: Extracts the token from the authorization metadata and populates context for handlers

package auth

import (
	"context"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// logAuthFailure logs an authentication failure with structured context.
func logAuthFailure(logger *slog.Logger, ctx context.Context, reason string, attrs ...any) {
	if logger == nil {
		return
	}
	baseAttrs := []any{"reason", reason}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		baseAttrs = append(baseAttrs, "peer_addr", p.Addr.String())
	}
	baseAttrs = append(baseAttrs, attrs...)
	logger.Warn("auth failure", baseAttrs...)
}

// UnaryInterceptor returns a gRPC unary interceptor that authenticates requests.
// The optional logger enables auth failure logging.
func UnaryInterceptor(tokens TokenVerifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req any,
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (any, error) {
		authCtx, err := extractAuth(ctx, tokens, logger)
		if err != nil {
			return nil, err
		}
		return handler(WithAuth(ctx, authCtx), req)
	}
}

// extractAuth verifies the bearer token carried in gRPC metadata.
func extractAuth(ctx context.Context, tokens TokenVerifier, logger *slog.Logger) (*AuthContext, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		logAuthFailure(logger, ctx, "missing_metadata")
		return nil, status.Error(codes.Unauthenticated, "missing metadata")
	}

	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	token, errMsg := extractBearerToken(header)
	if errMsg != "" {
		logAuthFailure(logger, ctx, "bearer_missing", "error", errMsg)
		return nil, status.Error(codes.Unauthenticated, errMsg)
	}

	claims, err := tokens.Verify(token)
	if err != nil {
		logAuthFailure(logger, ctx, "jwt_auth_failed", "error", err.Error())
		return nil, status.Error(codes.Unauthenticated, "invalid or expired token")
	}
	return contextFromClaims(claims), nil
}
