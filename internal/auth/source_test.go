package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mint(t *testing.T, ttl time.Duration) string {
	t.Helper()
	iss, err := NewIssuer(testSecret)
	require.NoError(t, err)
	token, err := iss.Mint("user-1", "Ana", "", ttl)
	require.NoError(t, err)
	return token
}

func TestTokenStoreEmpty(t *testing.T) {
	s := NewTokenStore("")
	assert.False(t, s.Authenticated())
	assert.Empty(t, s.Token())
	assert.Empty(t, s.Subject())
}

func TestTokenStoreReadsClaims(t *testing.T) {
	token := mint(t, time.Hour)
	s := NewTokenStore(token)
	assert.True(t, s.Authenticated())
	assert.Equal(t, token, s.Token())
	assert.Equal(t, "user-1", s.Subject())
}

func TestTokenStoreExpiredToken(t *testing.T) {
	s := NewTokenStore(mint(t, -time.Minute))
	assert.False(t, s.Authenticated())
}

func TestTokenStoreOpaqueToken(t *testing.T) {
	// Tokens the store cannot parse are trusted until cleared.
	s := NewTokenStore("opaque")
	assert.True(t, s.Authenticated())
	assert.Empty(t, s.Subject())
}

func TestTokenStoreWatch(t *testing.T) {
	s := NewTokenStore("")
	var got []bool
	stop := s.Watch(func(ok bool) { got = append(got, ok) })

	s.Set(mint(t, time.Hour))
	s.Set(mint(t, time.Hour)) // refresh, no flip
	s.Clear()
	s.Clear()
	assert.Equal(t, []bool{true, false}, got)

	stop()
	s.Set(mint(t, time.Hour))
	assert.Len(t, got, 2)
}

func TestTokenStoreCheckNoticesExpiry(t *testing.T) {
	s := NewTokenStore(mint(t, time.Minute))
	var got []bool
	s.Watch(func(ok bool) { got = append(got, ok) })

	assert.True(t, s.Check())
	s.mu.Lock()
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	s.mu.Unlock()

	assert.False(t, s.Check())
	assert.Equal(t, []bool{false}, got)
}
