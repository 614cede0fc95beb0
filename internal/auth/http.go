// ABOUTME: HTTP side of the development IdP: the client_credentials token endpoint
// ABOUTME: and a bearer middleware that verifies JWTs and adds the caller to the context

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTokenTTL is the lifetime of tokens issued when TokenEndpoint.TTL is zero.
const DefaultTokenTTL = time.Hour

// TokenEndpoint serves the OAuth 2.0 client_credentials grant.
type TokenEndpoint struct {
	Issuer  *JWTIssuer
	Clients *ClientRegistry
	TTL     time.Duration
	Logger  *slog.Logger
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// ServeHTTP implements http.Handler.
func (e *TokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		sendOAuthError(w, http.StatusMethodNotAllowed, "invalid_request")
		return
	}
	if err := r.ParseForm(); err != nil {
		sendOAuthError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if gt := r.PostForm.Get("grant_type"); gt != "client_credentials" {
		sendOAuthError(w, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	clientID, secret, ok := r.BasicAuth()
	if !ok {
		clientID = r.PostForm.Get("client_id")
		secret = r.PostForm.Get("client_secret")
	}
	granted, err := e.Clients.Authenticate(clientID, secret)
	if err != nil {
		logger.Warn("token request rejected", "client_id", clientID, "reason", err)
		sendOAuthError(w, http.StatusUnauthorized, "invalid_client")
		return
	}

	audience := r.PostForm.Get("audience")
	if !e.Clients.Allows(clientID, audience) {
		logger.Warn("token request rejected", "client_id", clientID, "audience", audience, "reason", ErrAudienceNotAllowed)
		sendOAuthError(w, http.StatusBadRequest, "unauthorized_client")
		return
	}

	scopes := granted
	if requested := strings.Fields(r.PostForm.Get("scope")); len(requested) > 0 {
		scopes = intersect(requested, granted)
	}

	ttl := e.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token, err := e.Issuer.Generate(clientID, audience, scopes, ttl)
	if err != nil {
		logger.Error("failed to sign token", "client_id", clientID, "error", err)
		sendOAuthError(w, http.StatusInternalServerError, "server_error")
		return
	}

	logger.Debug("issued token", "client_id", clientID, "audience", audience, "ttl", ttl)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl / time.Second),
		Scope:       strings.Join(scopes, " "),
	})
}

func intersect(requested, granted []string) []string {
	allowed := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		allowed[s] = struct{}{}
	}
	var out []string
	for _, s := range requested {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return out
}

func sendOAuthError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// HTTPAuthMiddleware creates an HTTP middleware that extracts and validates JWT tokens
// and adds the caller's AuthContext to the request context.
func HTTPAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				logger.Warn("auth failure", "reason", errMsg, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("auth failure", "reason", err, "remote_addr", r.RemoteAddr)
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), contextFromClaims(claims))))
		})
	}
}
