// internal/auth/jwt_test.go
package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key-min-32-characters"

func TestNewIssuerRejectsShortSecret(t *testing.T) {
	_, err := NewIssuer("short")
	assert.Error(t, err)
}

func TestMintAndValidate(t *testing.T) {
	iss, err := NewIssuer(testSecret)
	require.NoError(t, err)

	token, err := iss.Mint("user-1", "Ana", "", 0)
	require.NoError(t, err)

	claims, err := iss.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "Ana", claims.Name)
	assert.Equal(t, RoleUser, claims.Role)
	assert.False(t, claims.IsService())
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, time.Now().Add(AccessTokenExpiry), claims.ExpiresAt.Time, 5*time.Second)
}

func TestMintRequiresUser(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	_, err := iss.Mint("", "", RoleService, 0)
	assert.Error(t, err)
}

func TestValidateExpired(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	token, err := iss.Mint("user-1", "", RoleUser, -time.Minute)
	require.NoError(t, err)

	_, err = iss.Validate(token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestValidateWrongSecret(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	other, _ := NewIssuer("another-secret-key-min-32-characters")
	token, _ := other.Mint("user-1", "", "", 0)

	_, err := iss.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	claims := jwt.MapClaims{
		"sub": "user-1",
		"iss": issuerName,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestServiceRole(t *testing.T) {
	iss, _ := NewIssuer(testSecret)
	token, _ := iss.Mint("cli", "", RoleService, time.Minute)
	claims, err := iss.Validate(token)
	require.NoError(t, err)
	assert.True(t, claims.IsService())
}
