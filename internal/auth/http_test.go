// ABOUTME: Tests for the client_credentials token endpoint and the bearer HTTP middleware
// ABOUTME: Covers basic and form credentials, audience grants, scopes and rejected tokens

package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func newTestEndpoint(t *testing.T) *TokenEndpoint {
	t.Helper()
	clients := NewClientRegistry()
	require.NoError(t, clients.Register("supervisor", "s3cret", []string{"toolpack"}, []string{"tools/invoke", "tools/list"}))
	return &TokenEndpoint{
		Issuer:  NewJWTIssuer(testSecret, ""),
		Clients: clients,
		TTL:     10 * time.Minute,
	}
}

func postToken(t *testing.T, h http.Handler, form url.Values, basicUser, basicPass string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/oauth2/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicUser != "" {
		req.SetBasicAuth(basicUser, basicPass)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTokenEndpoint_Issue(t *testing.T) {
	endpoint := newTestEndpoint(t)

	t.Run("basic auth", func(t *testing.T) {
		rec := postToken(t, endpoint, url.Values{
			"grant_type": {"client_credentials"},
			"audience":   {"toolpack"},
		}, "supervisor", "s3cret")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		var body tokenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "Bearer", body.TokenType)
		assert.Equal(t, int64(600), body.ExpiresIn)
		assert.Equal(t, "tools/invoke tools/list", body.Scope)

		claims, err := endpoint.Issuer.ForAudience("toolpack").Verify(body.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "supervisor", claims.ClientID)
	})

	t.Run("form credentials and narrowed scope", func(t *testing.T) {
		rec := postToken(t, endpoint, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {"supervisor"},
			"client_secret": {"s3cret"},
			"audience":      {"toolpack"},
			"scope":         {"tools/list admin"},
		}, "", "")
		require.Equal(t, http.StatusOK, rec.Code)

		var body tokenResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "tools/list", body.Scope)
	})
}

func TestTokenEndpoint_Rejects(t *testing.T) {
	endpoint := newTestEndpoint(t)

	tests := []struct {
		name       string
		form       url.Values
		user, pass string
		wantStatus int
		wantError  string
	}{
		{
			name:       "wrong secret",
			form:       url.Values{"grant_type": {"client_credentials"}, "audience": {"toolpack"}},
			user:       "supervisor",
			pass:       "nope",
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "unknown client",
			form:       url.Values{"grant_type": {"client_credentials"}, "client_id": {"ghost"}, "client_secret": {"x"}},
			wantStatus: http.StatusUnauthorized,
			wantError:  "invalid_client",
		},
		{
			name:       "audience not granted",
			form:       url.Values{"grant_type": {"client_credentials"}, "audience": {"billing"}},
			user:       "supervisor",
			pass:       "s3cret",
			wantStatus: http.StatusBadRequest,
			wantError:  "unauthorized_client",
		},
		{
			name:       "wrong grant type",
			form:       url.Values{"grant_type": {"password"}},
			user:       "supervisor",
			pass:       "s3cret",
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_grant_type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postToken(t, endpoint, tt.form, tt.user, tt.pass)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]string
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantError, body["error"])
		})
	}

	t.Run("GET not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		endpoint.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/oauth2/token", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestHTTPAuthMiddleware(t *testing.T) {
	issuer := NewJWTIssuer(testSecret, "")
	var seen *AuthContext
	handler := HTTPAuthMiddleware(issuer.ForAudience("toolpack"), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	good, err := issuer.Generate("supervisor", "toolpack", []string{"tools/invoke"}, time.Hour)
	require.NoError(t, err)
	foreign, err := issuer.Generate("supervisor", "billing", nil, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + good, http.StatusNoContent},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + good, http.StatusUnauthorized},
		{"empty token", "Bearer ", http.StatusUnauthorized},
		{"foreign audience", "Bearer " + foreign, http.StatusUnauthorized},
		{"garbage", "Bearer abc.def.ghi", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusNoContent {
				require.NotNil(t, seen)
				assert.Equal(t, "supervisor", seen.ClientID)
				assert.True(t, seen.HasScope("tools/invoke"))
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}
