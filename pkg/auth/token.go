// Package auth holds OAuth credentials for a Bitrix24 portal and renews them
// when the API reports an expired access token.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNoToken is returned by a store that has never been given a token.
	ErrNoToken = errors.New("no token stored")

	// ErrNoRefreshToken is returned when a renewal is requested without a refresh token.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrRefreshRejected is returned when the token endpoint refuses the refresh token.
	ErrRefreshRejected = errors.New("refresh token rejected")
)

// Token is an OAuth credential set for one portal installation.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`

	// ClientEndpoint is the REST base URL, e.g. https://example.bitrix24.com/rest/.
	ClientEndpoint string `json:"client_endpoint,omitempty"`
	Domain         string `json:"domain,omitempty"`
	MemberID       string `json:"member_id,omitempty"`
}

// Expired reports whether the access token is past its expiry, minus skew.
func (t Token) Expired(skew time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(t.ExpiresAt)
}

// Store persists the current token. It is the source of truth; callers keep
// in-memory copies for one call or one renewal only.
type Store interface {
	Get(ctx context.Context) (Token, error)
	Save(ctx context.Context, token Token) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	token Token
	set   bool
}

// NewMemoryStore returns a store seeded with token.
func NewMemoryStore(token Token) *MemoryStore {
	return &MemoryStore{token: token, set: token.AccessToken != "" || token.RefreshToken != ""}
}

// Get returns the stored token.
func (s *MemoryStore) Get(_ context.Context) (Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return Token{}, ErrNoToken
	}
	return s.token, nil
}

// Save replaces the stored token.
func (s *MemoryStore) Save(_ context.Context, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.set = true
	return nil
}
