// internal/realtime/hub.go
package realtime

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/wire"
)

// Hub manages all WebSocket connections and user presence
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn // connID -> Conn

	presence *PresenceState
	db       *db.DB
	metrics  *observability.Metrics
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections int            `json:"connections"`
	Endpoints   map[string]int `json:"endpoints"`
	OnlineUsers int            `json:"online_users"`
}

// NewHub creates a new Hub
func NewHub(database *db.DB, metrics *observability.Metrics) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		presence:    NewPresenceState(),
		db:          database,
		metrics:     metrics,
	}
}

// Presence returns the hub's presence state
func (h *Hub) Presence() *PresenceState {
	return h.presence
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections: len(h.connections),
		Endpoints:   make(map[string]int),
		OnlineUsers: len(h.presence.Online()),
	}
	for _, c := range h.connections {
		stats.Endpoints[c.endpoint]++
	}
	return stats
}

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	h.connections[conn.id] = conn
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.HubConnections.Add(context.Background(), 1,
			metric.WithAttributes(observability.AttrEndpoint.String(conn.endpoint)))
	}
}

// unregisterConn removes a connection and, for the user's last user-status
// connection, announces that the user went offline
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	_, ok := h.connections[conn.id]
	delete(h.connections, conn.id)
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.metrics != nil {
		h.metrics.HubConnections.Add(context.Background(), -1,
			metric.WithAttributes(observability.AttrEndpoint.String(conn.endpoint)))
	}

	if conn.endpoint != wire.EndpointUserStatus || !h.presence.Untrack(conn.userID, conn.id) {
		return
	}

	now := time.Now()
	h.persistPresence(conn.userID, "", "offline", now)
	env, err := wire.NewEnvelope(wire.TypeUserOffline, wire.UserOffline{
		UserID:   conn.userID,
		UserName: conn.userName,
		LastSeen: wire.Time{Time: now},
	})
	if err == nil {
		h.broadcast(context.Background(), wire.EndpointUserStatus, env, conn.id)
	}
	log.Debug("realtime: user offline", "user_id", conn.userID)
}

// join tracks a new user-status connection, announces the user if this is
// their first connection and sends the joining connection a snapshot
func (h *Hub) join(conn *Conn) {
	if h.presence.Track(conn.userID, conn.userName, conn.id) {
		now := time.Now()
		h.persistPresence(conn.userID, conn.userName, "online", now)
		env, err := wire.NewEnvelope(wire.TypeUserOnline, wire.UserOnline{
			UserID:   conn.userID,
			UserName: conn.userName,
			LastSeen: wire.Time{Time: now},
		})
		if err == nil {
			h.broadcast(context.Background(), wire.EndpointUserStatus, env, conn.id)
		}
		log.Debug("realtime: user online", "user_id", conn.userID)
	}

	env, err := wire.NewEnvelope(wire.TypeBulkUserStatus, h.snapshot(context.Background()))
	if err != nil {
		log.Warn("realtime: cannot encode presence snapshot", "error", err.Error())
		return
	}
	conn.Send(env)
}

// snapshot merges persisted users with the live presence state
func (h *Hub) snapshot(ctx context.Context) wire.BulkUserStatus {
	entries := make(map[string]wire.UserStatusEntry)
	var order []string

	if h.db != nil {
		users, err := h.db.ListUsers(ctx)
		if err != nil {
			log.Warn("realtime: cannot load users for snapshot", "error", err.Error())
		}
		for _, u := range users {
			entries[u.ID] = wire.UserStatusEntry{
				UserID:        u.ID,
				UserName:      u.Name,
				Status:        "offline",
				LastSeen:      wire.Time{Time: u.LastSeen},
				CustomMessage: u.CustomMessage,
			}
			order = append(order, u.ID)
		}
	}

	now := time.Now()
	for _, u := range h.presence.Online() {
		e, known := entries[u.UserID]
		if !known {
			order = append(order, u.UserID)
		}
		e.UserID = u.UserID
		if u.Name != "" {
			e.UserName = u.Name
		}
		e.IsOnline = true
		e.Status = u.Status
		e.CustomMessage = u.CustomMessage
		e.LastSeen = wire.Time{Time: now}
		entries[u.UserID] = e
	}

	out := wire.BulkUserStatus{Users: make([]wire.UserStatusEntry, 0, len(order))}
	for _, id := range order {
		out.Users = append(out.Users, entries[id])
	}
	return out
}

func (h *Hub) persistPresence(userID, name, status string, at time.Time) {
	if h.db == nil {
		return
	}
	if err := h.db.TouchUser(context.Background(), userID, name, status, at); err != nil {
		log.Warn("realtime: cannot persist presence", "user_id", userID, "error", err.Error())
	}
}

// connsFor returns a snapshot of matching connections
func (h *Hub) connsFor(endpoint, userID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []*Conn
	for _, c := range h.connections {
		if c.endpoint != endpoint {
			continue
		}
		if userID != "" && c.userID != userID {
			continue
		}
		out = append(out, c)
	}
	return out
}

// sendToUser queues env on every connection of userID on endpoint
func (h *Hub) sendToUser(endpoint, userID string, env wire.Envelope) int {
	n := 0
	for _, c := range h.connsFor(endpoint, userID) {
		if c.Send(env) {
			n++
		}
	}
	return n
}

// broadcast queues env on every connection of endpoint except excludeConnID
func (h *Hub) broadcast(ctx context.Context, endpoint string, env wire.Envelope, excludeConnID string) int {
	n := 0
	for _, c := range h.connsFor(endpoint, "") {
		if c.id == excludeConnID {
			continue
		}
		if c.Send(env) {
			n++
		}
	}
	if h.metrics != nil {
		h.metrics.HubBroadcasts.Add(ctx, 1, metric.WithAttributes(
			observability.AttrEndpoint.String(endpoint),
			observability.AttrEventType.String(env.Type),
		))
	}
	return n
}

// closeAll closes every connection
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Close()
	}
}
