package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Source is the client's view of the authentication session.
type Source interface {
	Token() string
	Authenticated() bool
	// Watch calls fn whenever the authenticated flag flips and returns a
	// function that stops watching.
	Watch(fn func(authenticated bool)) func()
}

// TokenStore holds the current access token. It does not verify
// signatures; it only knows whether a token is present and unexpired.
type TokenStore struct {
	mu       sync.Mutex
	token    string
	expires  time.Time
	subject  string
	last     bool // authenticated as of the last update
	watchers map[int]func(bool)
	nextID   int
	now      func() time.Time
}

// NewTokenStore creates a store holding token, which may be empty.
func NewTokenStore(token string) *TokenStore {
	s := &TokenStore{watchers: make(map[int]func(bool)), now: time.Now}
	s.token, s.subject, s.expires = inspect(token)
	s.last = s.authenticatedLocked()
	return s
}

func inspect(token string) (string, string, time.Time) {
	if token == "" {
		return "", "", time.Time{}
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return token, "", time.Time{}
	}
	var exp time.Time
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return token, claims.Subject, exp
}

func (s *TokenStore) authenticatedLocked() bool {
	if s.token == "" {
		return false
	}
	return s.expires.IsZero() || s.now().Before(s.expires)
}

// Token returns the raw token.
func (s *TokenStore) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Subject returns the token's user ID, if it has one.
func (s *TokenStore) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Authenticated reports whether a non-expired token is held.
func (s *TokenStore) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticatedLocked()
}

// Set replaces the token, as after a login or refresh.
func (s *TokenStore) Set(token string) {
	s.update(func() { s.token, s.subject, s.expires = inspect(token) })
}

// Clear drops the token, as on logout.
func (s *TokenStore) Clear() {
	s.update(func() { s.token, s.subject, s.expires = "", "", time.Time{} })
}

// Check re-evaluates expiry and notifies watchers if it flipped. Callers
// poll it; the store has no timer of its own.
func (s *TokenStore) Check() bool {
	return s.update(func() {})
}

func (s *TokenStore) update(mutate func()) bool {
	s.mu.Lock()
	before := s.last
	mutate()
	after := s.authenticatedLocked()
	s.last = after
	var fns []func(bool)
	if before != after {
		for _, fn := range s.watchers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
	return after
}

// Watch implements Source.
func (s *TokenStore) Watch(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watchers, id)
	}
}
