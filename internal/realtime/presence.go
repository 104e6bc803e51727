// internal/realtime/presence.go
package realtime

import (
	"sort"
	"sync"
	"time"
)

// PresenceState tracks which users have at least one user-status
// connection open.
type PresenceState struct {
	mu    sync.RWMutex
	state map[string]*presenceEntry // userID -> entry
}

type presenceEntry struct {
	name          string
	status        string
	customMessage string
	conns         map[string]struct{}
	since         time.Time
}

// NewPresenceState creates a new presence state
func NewPresenceState() *PresenceState {
	return &PresenceState{
		state: make(map[string]*presenceEntry),
	}
}

// Track adds connID for userID and reports whether the user just came
// online.
func (ps *PresenceState) Track(userID, name, connID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	e, ok := ps.state[userID]
	if !ok {
		e = &presenceEntry{status: "online", conns: make(map[string]struct{}), since: time.Now()}
		ps.state[userID] = e
	}
	if name != "" {
		e.name = name
	}
	e.conns[connID] = struct{}{}
	return !ok
}

// Untrack removes connID and reports whether it was the user's last
// connection.
func (ps *PresenceState) Untrack(userID, connID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	e, ok := ps.state[userID]
	if !ok {
		return false
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return false
	}
	delete(ps.state, userID)
	return true
}

// SetStatus records a status for an online user. It returns false when
// the user is not tracked.
func (ps *PresenceState) SetStatus(userID, status, customMessage string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	e, ok := ps.state[userID]
	if !ok {
		return false
	}
	e.status = status
	e.customMessage = customMessage
	return true
}

// OnlineUser is one entry of Online.
type OnlineUser struct {
	UserID        string
	Name          string
	Status        string
	CustomMessage string
	Connections   int
}

// Online lists online users ordered by ID.
func (ps *PresenceState) Online() []OnlineUser {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	out := make([]OnlineUser, 0, len(ps.state))
	for id, e := range ps.state {
		out = append(out, OnlineUser{
			UserID:        id,
			Name:          e.name,
			Status:        e.status,
			CustomMessage: e.customMessage,
			Connections:   len(e.conns),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsOnline reports whether userID has a user-status connection.
func (ps *PresenceState) IsOnline(userID string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	_, ok := ps.state[userID]
	return ok
}

// Name returns the last known display name of an online user.
func (ps *PresenceState) Name(userID string) string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if e, ok := ps.state[userID]; ok {
		return e.name
	}
	return ""
}
