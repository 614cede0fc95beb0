// ABOUTME: Unit tests for JWT token issuing and verification
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens and audience binding

package auth

import (
	"errors"
	"testing"
	"time"
)

func TestJWTIssuer_ValidToken(t *testing.T) {
	issuer := NewJWTIssuer([]byte("test-secret-key-for-jwt-signing"), "")

	token, err := issuer.Generate("supervisor", "toolpack", []string{"tools/invoke", "tools/list"}, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	claims, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if claims.ClientID != "supervisor" {
		t.Errorf("ClientID = %q, want %q", claims.ClientID, "supervisor")
	}
	if claims.Audience != "toolpack" {
		t.Errorf("Audience = %q, want %q", claims.Audience, "toolpack")
	}
	if len(claims.Scopes) != 2 || claims.Scopes[1] != "tools/list" {
		t.Errorf("Scopes = %v", claims.Scopes)
	}
	if time.Until(claims.ExpiresAt) < 59*time.Minute {
		t.Errorf("ExpiresAt = %v, want about an hour from now", claims.ExpiresAt)
	}
}

func TestJWTIssuer_InvalidToken(t *testing.T) {
	issuer := NewJWTIssuer([]byte("test-secret-key-for-jwt-signing"), "")

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := NewJWTIssuer([]byte("different-secret"), "")
				token, _ := other.Generate("supervisor", "", nil, time.Hour)
				return token
			}(),
		},
		{
			name: "missing subject",
			token: func() string {
				token, _ := issuer.Generate("", "", nil, time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidToken) && !errors.Is(err, ErrMissingClaim) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken or ErrMissingClaim", err)
			}
		})
	}
}

func TestJWTIssuer_ExpiredToken(t *testing.T) {
	issuer := NewJWTIssuer([]byte("test-secret-key-for-jwt-signing"), "")
	now := time.Now()
	issuer.now = func() time.Time { return now }

	token, err := issuer.Generate("supervisor", "", nil, time.Minute)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	issuer.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = issuer.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestJWTIssuer_Audience(t *testing.T) {
	issuer := NewJWTIssuer([]byte("test-secret-key-for-jwt-signing"), "")
	token, err := issuer.Generate("supervisor", "billing", nil, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	if _, err := issuer.ForAudience("billing").Verify(token); err != nil {
		t.Errorf("Verify() for matching audience error = %v", err)
	}
	if _, err := issuer.ForAudience("toolpack").Verify(token); !errors.Is(err, ErrWrongAudience) {
		t.Errorf("Verify() for other audience error = %v, want ErrWrongAudience", err)
	}
}
