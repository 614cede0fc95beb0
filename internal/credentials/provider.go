// ABOUTME: OAuth2 client-credentials token provider built on golang.org/x/oauth2.
// ABOUTME: Classifies token endpoint failures into ErrAuthDenied or ErrAuthUnavailable.

package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// DefaultTokenLifetime applies when the identity provider reports no expiry at all.
const DefaultTokenLifetime = 5 * time.Minute

// ClientCredentialsConfig configures a ClientCredentialsProvider.
type ClientCredentialsConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string

	// AudienceParam is the form field carrying the audience. Empty means the
	// audience is sent as an additional scope instead.
	AudienceParam string

	// DefaultLifetime applies when neither expires_in nor a JWT exp claim is present.
	DefaultLifetime time.Duration

	HTTPClient *http.Client
	Now        func() time.Time
}

// ClientCredentialsProvider fetches tokens with the OAuth2 client-credentials grant.
type ClientCredentialsProvider struct {
	cfg ClientCredentialsConfig
	now func() time.Time
}

// NewClientCredentialsProvider creates a provider for one token endpoint.
func NewClientCredentialsProvider(cfg ClientCredentialsConfig) (*ClientCredentialsProvider, error) {
	if cfg.TokenURL == "" {
		return nil, errors.New("token_url is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("client_id is required")
	}
	if cfg.DefaultLifetime <= 0 {
		cfg.DefaultLifetime = DefaultTokenLifetime
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &ClientCredentialsProvider{cfg: cfg, now: now}, nil
}

// FetchToken requests a new access token for the audience.
func (p *ClientCredentialsProvider) FetchToken(ctx context.Context, audience string) (*Token, error) {
	cc := clientcredentials.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		TokenURL:     p.cfg.TokenURL,
		Scopes:       append([]string(nil), p.cfg.Scopes...),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if audience != "" {
		if p.cfg.AudienceParam != "" {
			cc.EndpointParams = url.Values{p.cfg.AudienceParam: {audience}}
		} else {
			cc.Scopes = append(cc.Scopes, audience)
		}
	}
	if p.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)
	}

	issued := p.now()
	ot, err := cc.Token(ctx)
	if err != nil {
		return nil, classifyTokenError(err)
	}
	if ot.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has no access_token", ErrAuthUnavailable)
	}

	tok := &Token{
		Value:     ot.AccessToken,
		IssuedAt:  issued,
		ExpiresAt: ot.Expiry,
	}
	if tok.ExpiresAt.IsZero() {
		tok.IssuedAt, tok.ExpiresAt = jwtWindow(ot.AccessToken, issued)
	}
	if tok.ExpiresAt.IsZero() {
		tok.ExpiresAt = issued.Add(p.cfg.DefaultLifetime)
	}
	return tok, nil
}

// jwtWindow reads iat/exp from an access token without verifying it. Opaque
// tokens yield a zero expiry.
func jwtWindow(raw string, issued time.Time) (time.Time, time.Time) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return issued, time.Time{}
	}

	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		issued = iat.Time
	}
	return issued, expires
}

// classifyTokenError maps token endpoint failures onto the credential sentinels.
// Only the status and OAuth error code are kept; response bodies stay out of errors.
func classifyTokenError(err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: token endpoint returned %d", ErrAuthUnavailable, status)
	case deniedCode(re.ErrorCode):
		return fmt.Errorf("%w: token endpoint returned %d (%s)", ErrAuthDenied, status, re.ErrorCode)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: token endpoint returned %d", ErrAuthDenied, status)
	default:
		return fmt.Errorf("%w: token endpoint returned %d", ErrAuthUnavailable, status)
	}
}

func deniedCode(code string) bool {
	switch code {
	case "invalid_client", "unauthorized_client", "invalid_scope", "invalid_grant", "access_denied":
		return true
	}
	return false
}
