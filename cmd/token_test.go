package cmd

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/rentrt/internal/auth"
)

func TestTokenCommandMintsValidToken(t *testing.T) {
	const secret = "test-secret-key-min-32-characters"
	t.Setenv("RENTRT_JWT_SECRET", secret)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"token", "u1", "--name", "Ana", "--service", "--ttl", "10m"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())

	issuer, err := auth.NewIssuer(secret)
	require.NoError(t, err)
	claims, err := issuer.Validate(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID())
	assert.Equal(t, "Ana", claims.Name)
	assert.True(t, claims.IsService())
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), claims.ExpiresAt.Time, time.Minute)
}
