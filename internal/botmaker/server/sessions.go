package server

import (
	"sync"
	"time"

	"github.com/openclaw/botmaker/common/crypto"
)

// sessionStore holds bearer tokens in process memory. Sessions do not
// survive a restart; operators log in again.
type sessionStore struct {
	mu     sync.Mutex
	expiry time.Duration
	tokens map[string]time.Time
}

func newSessionStore(expiry time.Duration) *sessionStore {
	return &sessionStore{expiry: expiry, tokens: make(map[string]time.Time)}
}

// Mint creates a session and returns its bearer.
func (s *sessionStore) Mint() (string, error) {
	token, err := crypto.NewToken()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.tokens[token] = time.Now().Add(s.expiry)
	s.mu.Unlock()
	return token, nil
}

// Valid reports whether the bearer names a live session. Expired
// entries are evicted on lookup.
func (s *sessionStore) Valid(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.tokens[token]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(s.tokens, token)
		return false
	}
	return true
}

// Revoke forgets the bearer. Revoking an unknown token is a no-op.
func (s *sessionStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// sweep drops every expired session. Lazy eviction in Valid keeps
// lookups correct; the sweep keeps the map from accumulating tokens
// nobody presents again.
func (s *sessionStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for token, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, token)
		}
	}
	s.mu.Unlock()
}
