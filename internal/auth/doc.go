// Package auth implements a small OAuth 2.0 identity provider for local
// development and tests.
//
// Production deployments obtain machine-to-machine tokens from a real
// identity provider (for example an Amazon Cognito user pool). The fake tool
// pack and the integration tests use this package instead so that the full
// client-credentials path, including expiry and refresh, runs against a
// server that behaves the same way.
//
// # Clients
//
// Clients are registered with a secret and the audiences they may target.
// Secrets are kept as bcrypt hashes:
//
//	clients := auth.NewClientRegistry()
//	clients.Register("supervisor", secret, []string{"toolpack"}, []string{"tools/invoke"})
//
// # Token Endpoint
//
// TokenEndpoint serves the client_credentials grant. Credentials are read
// from HTTP basic auth or from the client_id and client_secret form fields,
// and the target is chosen with the audience form field:
//
//	POST /oauth2/token
//	grant_type=client_credentials&audience=toolpack
//
// Responses carry access_token, token_type and expires_in. Unknown clients
// and wrong secrets both yield 401 with {"error":"invalid_client"}.
//
// # Tokens
//
// Access tokens are HS256 JWTs with sub (client ID), aud, scope and exp
// claims. A JWTIssuer bound to an audience rejects tokens minted for a
// different one.
//
// # Resource Servers
//
// HTTPAuthMiddleware protects HTTP handlers and UnaryInterceptor protects gRPC
// services. Both reject missing, malformed, expired and foreign-audience
// tokens, and attach the verified caller to the context:
//
//	caller := auth.FromContext(ctx)
package auth
