// ABOUTME: JWT access tokens issued by the development identity provider
// ABOUTME: Uses HS256 signing with a shared secret; claims carry client, audience and scopes

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token expired")
	ErrMissingClaim  = errors.New("missing required claim")
	ErrWrongAudience = errors.New("token audience mismatch")
)

// Claims is the verified content of an access token.
type Claims struct {
	ClientID  string
	Audience  string
	Scopes    []string
	ExpiresAt time.Time
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTIssuer issues and verifies HS256 signed access tokens.
type JWTIssuer struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewJWTIssuer creates an issuer with the given secret. When audience is
// non-empty, Verify rejects tokens minted for any other audience.
func NewJWTIssuer(secret []byte, audience string) *JWTIssuer {
	return &JWTIssuer{secret: secret, audience: audience, now: time.Now}
}

// ForAudience returns a verifier sharing the secret but bound to audience.
func (j *JWTIssuer) ForAudience(audience string) *JWTIssuer {
	return &JWTIssuer{secret: j.secret, audience: audience, now: j.now}
}

// Generate mints a token for clientID valid for ttl.
func (j *JWTIssuer) Generate(clientID, audience string, scopes []string, ttl time.Duration) (string, error) {
	now := j.now()
	claims := jwt.MapClaims{
		"sub": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if audience != "" {
		claims["aud"] = audience
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// Verify validates the token and extracts its claims.
func (j *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(j.now)}
	if j.audience != "" {
		opts = append(opts, jwt.WithAudience(j.audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, opts...)

	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpiredToken
		case errors.Is(err, jwt.ErrTokenInvalidAudience):
			return nil, ErrWrongAudience
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	out := &Claims{ClientID: sub}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		out.Audience = aud[0]
	}
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}
