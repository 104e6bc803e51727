// internal/realtime/handler.go
package realtime

import (
	"net/http"
	"slices"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (CORS handled elsewhere)
	},
}

// HandleWebSocket upgrades GET /realtime/{endpoint}. The bearer token may
// come from the Authorization header or the token query parameter.
func (s *Service) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "endpoint")
	if !slices.Contains(wire.CoreEndpoints, endpoint) {
		http.Error(w, "Unknown endpoint", http.StatusNotFound)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "Missing token", http.StatusUnauthorized)
		return
	}
	claims, err := s.issuer.Validate(token)
	if err != nil {
		log.Debug("realtime: invalid token", "endpoint", endpoint, "error", err.Error())
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("realtime: upgrade failed", "error", err.Error())
		return
	}

	conn := s.hub.NewConn(ws, endpoint, claims.UserID(), claims.Name)
	log.Debug("realtime: new connection", "conn_id", conn.ID(), "endpoint", endpoint, "user_id", claims.UserID())

	// The presence snapshot is always the first frame on user-status.
	if endpoint == wire.EndpointUserStatus {
		s.hub.join(conn)
	}

	go conn.WritePump()
	go conn.ReadPump()
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
