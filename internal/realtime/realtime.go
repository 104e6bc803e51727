// internal/realtime/realtime.go
//
// Package realtime is the server side of the real-time endpoints: it
// accepts websocket connections on /realtime/{endpoint}, keeps per-user
// presence, relays chat messages and pushes notifications.
package realtime

import (
	"context"

	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/notification"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/wire"
)

// Service provides realtime functionality
type Service struct {
	hub    *Hub
	issuer *auth.Issuer
}

// NewService creates a new realtime service. database may be nil, in which
// case presence and messages are not persisted.
func NewService(database *db.DB, issuer *auth.Issuer, metrics *observability.Metrics) *Service {
	return &Service{
		hub:    NewHub(database, metrics),
		issuer: issuer,
	}
}

// Hub returns the connection hub
func (s *Service) Hub() *Hub {
	return s.hub
}

// Stats returns realtime statistics
func (s *Service) Stats() HubStats {
	return s.hub.Stats()
}

// NotifyUser pushes a new_notification to every notifications connection
// of userID and reports how many connections it reached.
func (s *Service) NotifyUser(userID string, n notification.Notification) int {
	env, err := wire.NewEnvelope(wire.TypeNewNotification, n.Payload())
	if err != nil {
		return 0
	}
	env.ID = n.ID
	return s.hub.sendToUser(wire.EndpointNotifications, userID, env)
}

// NotifyRead tells the user's other sessions that ids were read.
func (s *Service) NotifyRead(userID string, ids ...string) {
	for _, id := range ids {
		env, err := wire.NewEnvelope(wire.TypeNotificationRead, map[string]string{"notification_id": id})
		if err != nil {
			continue
		}
		s.hub.sendToUser(wire.EndpointNotifications, userID, env)
	}
}

// BroadcastSystem sends a system_notification to every notifications
// connection.
func (s *Service) BroadcastSystem(ctx context.Context, ev wire.SystemNotification) int {
	env, err := wire.NewEnvelope(wire.TypeSystemNotification, ev)
	if err != nil {
		return 0
	}
	env.ID = ev.ID
	return s.hub.broadcast(ctx, wire.EndpointNotifications, env, "")
}

// Close drops every connection.
func (s *Service) Close() {
	s.hub.closeAll()
}
