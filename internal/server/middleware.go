// internal/server/middleware.go
package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/log"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "no_authorization", "Authorization header required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "invalid_authorization", "Invalid authorization header format")
			return
		}

		claims, err := s.issuer.Validate(parts[1])
		if err != nil {
			log.Debug("server: rejected token", "request_id", log.GetRequestID(r.Context()), "error", err.Error())
			s.writeError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetClaimsFromContext returns the caller's validated claims, or nil
// outside authMiddleware.
func GetClaimsFromContext(r *http.Request) *auth.Claims {
	claims, _ := r.Context().Value(ClaimsContextKey).(*auth.Claims)
	return claims
}
