// Package presence reconciles user presence events into a per-user map.
package presence

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/markb/rentrt/internal/registry"
	"github.com/markb/rentrt/internal/wire"
)

// Status is a user's availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus maps a wire status string to a Status, defaulting by isOnline.
func ParseStatus(s string, isOnline bool) Status {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return Status(s)
	}
	if isOnline {
		return StatusOnline
	}
	return StatusOffline
}

// Record is the known presence of one user.
type Record struct {
	UserID        string    `json:"user_id"`
	UserName      string    `json:"user_name"`
	IsOnline      bool      `json:"is_online"`
	Status        Status    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	CustomMessage string    `json:"custom_message,omitempty"`
}

// Tracker holds presence records keyed by user ID. Updates are
// last-write-wins in arrival order.
type Tracker struct {
	mu        sync.RWMutex
	records   map[string]Record
	listeners []func(Record)

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// OnChange registers fn to be called after every record change.
func (t *Tracker) OnChange(fn func(Record)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// Register subscribes the tracker to every presence event type and returns
// a function that removes all of those subscriptions.
func (t *Tracker) Register(reg *registry.Registry) func() {
	handler := func(ctx context.Context, msg wire.Message) error {
		return t.Apply(msg.Event)
	}
	unsubs := []func(){
		reg.Subscribe(wire.TypeUserOnline, handler),
		reg.Subscribe(wire.TypeUserOffline, handler),
		reg.Subscribe(wire.TypeUserStatusUpdate, handler),
		reg.Subscribe(wire.TypeBulkUserStatus, handler),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Apply reconciles one event into the map.
func (t *Tracker) Apply(ev wire.Event) error {
	var changed []Record

	t.mu.Lock()
	now := t.now()
	switch e := ev.(type) {
	case *wire.UserOnline:
		changed = append(changed, t.patchConnectivity(e.UserID, e.UserName, true, e.LastSeen.Time, now))
	case *wire.UserOffline:
		changed = append(changed, t.patchConnectivity(e.UserID, e.UserName, false, e.LastSeen.Time, now))
	case *wire.UserStatusUpdate:
		changed = append(changed, t.patchStatus(e, now))
	case *wire.BulkUserStatus:
		for _, u := range e.Users {
			rec := Record{
				UserID:        u.UserID,
				UserName:      u.UserName,
				IsOnline:      u.IsOnline,
				Status:        ParseStatus(u.Status, u.IsOnline),
				LastSeen:      orNow(u.LastSeen.Time, now),
				CustomMessage: u.CustomMessage,
			}
			t.records[u.UserID] = rec
			changed = append(changed, rec)
		}
	default:
		t.mu.Unlock()
		return fmt.Errorf("presence: unexpected event %T", ev)
	}
	listeners := t.listeners
	t.mu.Unlock()

	for _, rec := range changed {
		for _, fn := range listeners {
			fn(rec)
		}
	}
	return nil
}

func (t *Tracker) patchConnectivity(userID, userName string, online bool, seen, now time.Time) Record {
	rec, ok := t.records[userID]
	if !ok {
		rec = Record{UserID: userID}
	}
	if userName != "" {
		rec.UserName = userName
	}
	rec.IsOnline = online
	if online {
		// Keep away/busy across reconnects; only reset from offline.
		if rec.Status == "" || rec.Status == StatusOffline {
			rec.Status = StatusOnline
		}
	} else {
		rec.Status = StatusOffline
	}
	rec.LastSeen = orNow(seen, now)
	t.records[userID] = rec
	return rec
}

func (t *Tracker) patchStatus(e *wire.UserStatusUpdate, now time.Time) Record {
	rec, ok := t.records[e.UserID]
	if !ok {
		// Unknown users are online only if the event says so.
		rec = Record{UserID: e.UserID, IsOnline: e.IsOnline != nil && *e.IsOnline}
	}
	if e.UserName != "" {
		rec.UserName = e.UserName
	}
	rec.Status = ParseStatus(e.Status, rec.IsOnline)
	rec.CustomMessage = e.CustomMessage
	if rec.Status == StatusOffline || (e.IsOnline != nil && !*e.IsOnline) {
		rec.IsOnline = false
		rec.Status = StatusOffline
	} else if e.IsOnline != nil && *e.IsOnline {
		rec.IsOnline = true
	}
	if !e.LastSeen.IsZero() {
		rec.LastSeen = e.LastSeen.Time
	} else if rec.LastSeen.IsZero() {
		rec.LastSeen = now
	}
	t.records[e.UserID] = rec
	return rec
}

func orNow(ts, now time.Time) time.Time {
	if ts.IsZero() {
		return now
	}
	return ts
}

// UserStatus returns the record for userID.
func (t *Tracker) UserStatus(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// IsOnline reports whether userID is currently online.
func (t *Tracker) IsOnline(userID string) bool {
	rec, ok := t.UserStatus(userID)
	return ok && rec.IsOnline
}

// OnlineUsers returns online users ordered by user ID.
func (t *Tracker) OnlineUsers() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		if rec.IsOnline {
			out = append(out, rec)
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// All returns every known record ordered by user ID.
func (t *Tracker) All() []Record {
	t.mu.RLock()
	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, rec)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Len returns the number of known users.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Clear forgets every record. Listeners are kept.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[string]Record)
}
