// internal/server/notifications.go
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/markb/rentrt/internal/db"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/notification"
	"github.com/markb/rentrt/internal/wire"
)

type ListNotificationsResponse struct {
	Notifications []notification.Notification `json:"notifications"`
	UnreadCount   int                         `json:"unread_count"`
}

var validPriorities = []notification.Priority{
	notification.PriorityLow,
	notification.PriorityNormal,
	notification.PriorityHigh,
	notification.PriorityUrgent,
	notification.PriorityCritical,
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)

	var opts notification.ListOptions
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = limit
	}
	if v := r.URL.Query().Get("unread"); v != "" {
		unread, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid_request", "unread must be true or false")
			return
		}
		opts.UnreadOnly = unread
	}

	list, unread, err := s.db.ListNotifications(r.Context(), claims.UserID(), opts)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if list == nil {
		list = []notification.Notification{}
	}
	s.writeJSON(w, http.StatusOK, ListNotificationsResponse{Notifications: list, UnreadCount: unread})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	id := chi.URLParam(r, "id")

	if err := s.db.MarkNotificationRead(r.Context(), claims.UserID(), id); err != nil {
		s.storeError(w, r, err)
		return
	}
	s.realtime.NotifyRead(claims.UserID(), id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)

	ids, err := s.db.MarkAllNotificationsRead(r.Context(), claims.UserID())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.realtime.NotifyRead(claims.UserID(), ids...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	if err := s.db.DeleteNotification(r.Context(), claims.UserID(), chi.URLParam(r, "id")); err != nil {
		s.storeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteAllNotifications(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	n, err := s.db.DeleteAllNotifications(r.Context(), claims.UserID())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	log.Debug("server: notifications cleared", "user_id", claims.UserID(), "count", n)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	prefs, err := s.db.Preferences(r.Context(), claims.UserID())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

func (s *Server) handleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)

	var prefs notification.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if prefs.QuietHours != nil {
		if err := prefs.QuietHours.Validate(); err != nil {
			s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
	}
	if prefs.Categories == nil {
		prefs.Categories = map[notification.Type]bool{}
	}
	if prefs.Channels == nil {
		prefs.Channels = map[notification.Channel]bool{}
	}

	if err := s.db.SavePreferences(r.Context(), claims.UserID(), prefs); err != nil {
		s.internalError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, prefs)
}

// handleCreateNotification stores a notification and pushes it to the
// target's live sessions. Only the service role may target another user.
func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)

	var req notification.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	if req.Type != "" && !slices.Contains(notification.Types, req.Type) {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "unknown type "+string(req.Type))
		return
	}
	if req.Priority != "" && !slices.Contains(validPriorities, req.Priority) {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "unknown priority "+string(req.Priority))
		return
	}
	if req.Channel != "" && !slices.Contains(notification.Channels, req.Channel) {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "unknown channel "+string(req.Channel))
		return
	}

	target := req.UserID
	if target == "" {
		target = claims.UserID()
	}
	if target != claims.UserID() && !claims.IsService() {
		s.writeError(w, http.StatusForbidden, "forbidden", "Cannot notify another user")
		return
	}

	s.deliver(w, r, target, notification.Notification{
		Title:    req.Title,
		Message:  req.Message,
		Type:     req.Type,
		Priority: req.Priority,
		Channel:  req.Channel,
		Data:     req.Data,
		Actions:  req.Actions,
	})
}

func (s *Server) handleSendTest(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	s.deliver(w, r, claims.UserID(), notification.Notification{
		Title:    "Test notification",
		Message:  "Notifications are working.",
		Type:     notification.TypeSystem,
		Priority: notification.PriorityNormal,
		Data:     map[string]any{"test": true},
	})
}

func (s *Server) deliver(w http.ResponseWriter, r *http.Request, userID string, n notification.Notification) {
	stored, err := s.db.InsertNotification(r.Context(), userID, n)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	reached := s.realtime.NotifyUser(userID, stored)
	log.Debug("server: notification created", "user_id", userID, "id", stored.ID, "connections", reached)
	s.writeJSON(w, http.StatusCreated, stored)
}

// handleBroadcastSystem sends a system notification to every connected
// session. Service role only.
func (s *Server) handleBroadcastSystem(w http.ResponseWriter, r *http.Request) {
	claims := GetClaimsFromContext(r)
	if !claims.IsService() {
		s.writeError(w, http.StatusForbidden, "forbidden", "Service role required")
		return
	}

	var ev wire.SystemNotification
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if ev.Title == "" && ev.Message == "" {
		s.writeError(w, http.StatusBadRequest, "validation_failed", "title or message is required")
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	n := s.realtime.BroadcastSystem(r.Context(), ev)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"id": ev.ID, "delivered": n})
}

func (s *Server) storeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, db.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", "Notification not found")
		return
	}
	s.internalError(w, r, err)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	log.Error("server: request failed", "request_id", log.GetRequestID(r.Context()), "path", r.URL.Path, "error", err.Error())
	s.writeError(w, http.StatusInternalServerError, "server_error", "Internal server error")
}
