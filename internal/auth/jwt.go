// Package auth mints and checks the bearer tokens used by the REST and
// real-time endpoints, and tracks the client's current session token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// RoleUser is an ordinary signed-in user.
	RoleUser = "authenticated"
	// RoleService may act on behalf of any user.
	RoleService = "service_role"

	// AccessTokenExpiry is the default lifetime of a minted token.
	AccessTokenExpiry = time.Hour

	issuerName = "rentrt"
)

// ErrInvalidToken wraps every validation failure.
var ErrInvalidToken = errors.New("invalid token")

// Claims are the JWT claims carried by access tokens.
type Claims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
}

// UserID returns the subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// IsService reports whether the token may act for other users.
func (c *Claims) IsService() bool {
	return c.Role == RoleService
}

// Issuer signs and validates HS256 tokens with a shared secret.
type Issuer struct {
	secret []byte
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret must be at least 32 bytes.
func NewIssuer(secret string) (*Issuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 characters, got %d", len(secret))
	}
	return &Issuer{secret: []byte(secret), now: time.Now}, nil
}

// Mint signs a token for userID. A zero ttl means AccessTokenExpiry; a
// negative ttl produces an already expired token.
func (i *Issuer) Mint(userID, name, role string, ttl time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id is required")
	}
	if role == "" {
		role = RoleUser
	}
	if ttl == 0 {
		ttl = AccessTokenExpiry
	}
	now := i.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuerName,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{RoleUser},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: name,
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate checks signature and expiry and returns the claims.
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(issuerName),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}
