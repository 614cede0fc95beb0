// ABOUTME: Registry of OAuth clients allowed to request tokens from the development IdP
// ABOUTME: Secrets are stored as bcrypt hashes; each client lists the audiences it may target

package auth

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidClient is returned for unknown clients and wrong secrets alike.
var ErrInvalidClient = errors.New("invalid client")

// ErrAudienceNotAllowed is returned when a client asks for an audience it was not granted.
var ErrAudienceNotAllowed = errors.New("audience not allowed for client")

type client struct {
	secretHash []byte
	audiences  []string
	scopes     []string
}

// ClientRegistry holds the registered OAuth clients.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

// NewClientRegistry creates an empty registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*client)}
}

// Register adds or replaces a client. An empty audiences list allows any audience.
func (r *ClientRegistry) Register(clientID, secret string, audiences, scopes []string) error {
	if clientID == "" {
		return errors.New("client id is required")
	}
	if secret == "" {
		return errors.New("client secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing client secret: %w", err)
	}

	r.mu.Lock()
	r.clients[clientID] = &client{
		secretHash: hash,
		audiences:  slices.Clone(audiences),
		scopes:     slices.Clone(scopes),
	}
	r.mu.Unlock()
	return nil
}

// Authenticate checks the client secret and returns the scopes granted to the client.
func (r *ClientRegistry) Authenticate(clientID, secret string) ([]string, error) {
	r.mu.RLock()
	c, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrInvalidClient
	}
	if err := bcrypt.CompareHashAndPassword(c.secretHash, []byte(secret)); err != nil {
		return nil, ErrInvalidClient
	}
	return slices.Clone(c.scopes), nil
}

// Allows reports whether clientID may request tokens for audience.
func (r *ClientRegistry) Allows(clientID, audience string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[clientID]
	if !ok {
		return false
	}
	return len(c.audiences) == 0 || slices.Contains(c.audiences, audience)
}
