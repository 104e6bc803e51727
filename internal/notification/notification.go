// Package notification holds the client-side notification list, its unread
// count and the user's delivery preferences.
package notification

import (
	"fmt"
	"time"

	"github.com/markb/rentrt/internal/wire"
)

// Type is the business category of a notification.
type Type string

const (
	TypeMessage  Type = "message"
	TypeProperty Type = "property"
	TypePayment  Type = "payment"
	TypeContract Type = "contract"
	TypeRating   Type = "rating"
	TypeUser     Type = "user"
	TypeSystem   Type = "system"
)

// Types lists every category in display order.
var Types = []Type{TypeMessage, TypeProperty, TypePayment, TypeContract, TypeRating, TypeUser, TypeSystem}

// Priority controls whether a notification interrupts the user.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
	PriorityCritical Priority = "critical"
)

// Interrupts reports whether the priority raises an immediate alert.
func (p Priority) Interrupts() bool {
	return p == PriorityUrgent || p == PriorityCritical
}

// Status is the delivery state of a notification.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// CanTransition reports whether s may move to next. Delivery states only move
// forward; failed is reachable from any non-terminal state.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// Channel is the medium a notification was sent through.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every channel.
var Channels = []Channel{ChannelInApp, ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook}

// Action is a button attached to a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Notification is one stored entry.
type Notification struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      Type           `json:"type"`
	Priority  Priority       `json:"priority"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
	Data      map[string]any `json:"data,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
	Channel   Channel        `json:"channel,omitempty"`
}

// Normalize fills defaults for empty enum fields.
func (n *Notification) Normalize(now time.Time) {
	if n.Type == "" {
		n.Type = TypeSystem
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.Status == "" {
		if n.Read {
			n.Status = StatusRead
		} else {
			n.Status = StatusDelivered
		}
	}
	if n.Channel == "" {
		n.Channel = ChannelInApp
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = now
	}
}

// FromPayload converts a new_notification payload. Events received over a
// live connection have been delivered by definition.
func FromPayload(p wire.NotificationPayload, now time.Time) Notification {
	n := Notification{
		ID:        p.ID,
		Title:     p.Title,
		Message:   p.Message,
		Type:      Type(p.Type),
		Priority:  Priority(p.Priority),
		Status:    Status(p.Status),
		Timestamp: p.Timestamp.Time,
		Read:      p.Read,
		Data:      p.Data,
		Channel:   Channel(p.Channel),
	}
	for _, a := range p.Actions {
		n.Actions = append(n.Actions, Action{ID: a.ID, Label: a.Label, URL: a.URL})
	}
	if n.Status == StatusPending || n.Status == StatusSent {
		n.Status = StatusDelivered
	}
	n.Normalize(now)
	return n
}

// Payload converts n back to its wire form.
func (n Notification) Payload() wire.NotificationPayload {
	p := wire.NotificationPayload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Type:      string(n.Type),
		Priority:  string(n.Priority),
		Status:    string(n.Status),
		Timestamp: wire.Time{Time: n.Timestamp},
		Read:      n.Read,
		Data:      n.Data,
		Channel:   string(n.Channel),
	}
	for _, a := range n.Actions {
		p.Actions = append(p.Actions, wire.Action{ID: a.ID, Label: a.Label, URL: a.URL})
	}
	return p
}

// QuietHours is a daily window, in local time, during which alerts other
// than critical ones are suppressed. Start and End use "HH:MM"; a window
// whose end precedes its start spans midnight.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// Validate checks the window bounds.
func (q QuietHours) Validate() error {
	if _, err := parseClock(q.Start); err != nil {
		return fmt.Errorf("quiet hours start: %w", err)
	}
	if _, err := parseClock(q.End); err != nil {
		return fmt.Errorf("quiet hours end: %w", err)
	}
	return nil
}

// Contains reports whether t falls inside an enabled window.
func (q QuietHours) Contains(t time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	if start == end {
		return false
	}
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Preferences are the user's per-category and per-channel toggles. A
// category or channel missing from the map is enabled.
type Preferences struct {
	Categories map[Type]bool    `json:"categories"`
	Channels   map[Channel]bool `json:"channels"`
	QuietHours *QuietHours      `json:"quiet_hours,omitempty"`
}

// DefaultPreferences enables everything and has no quiet hours.
func DefaultPreferences() Preferences {
	p := Preferences{
		Categories: make(map[Type]bool, len(Types)),
		Channels:   make(map[Channel]bool, len(Channels)),
	}
	for _, t := range Types {
		p.Categories[t] = true
	}
	for _, c := range Channels {
		p.Channels[c] = true
	}
	return p
}

// CategoryEnabled reports whether alerts for t are wanted.
func (p Preferences) CategoryEnabled(t Type) bool {
	on, ok := p.Categories[t]
	return !ok || on
}

// ChannelEnabled reports whether c is wanted.
func (p Preferences) ChannelEnabled(c Channel) bool {
	on, ok := p.Channels[c]
	return !ok || on
}

// AllowsAlert reports whether n may interrupt the user at time t. Stored
// notifications are never filtered, only their alerts.
func (p Preferences) AllowsAlert(n Notification, t time.Time) bool {
	if !p.CategoryEnabled(n.Type) {
		return false
	}
	if p.QuietHours != nil && p.QuietHours.Contains(t) {
		return n.Priority == PriorityCritical
	}
	return true
}

// Clone returns a deep copy.
func (p Preferences) Clone() Preferences {
	out := Preferences{
		Categories: make(map[Type]bool, len(p.Categories)),
		Channels:   make(map[Channel]bool, len(p.Channels)),
	}
	for k, v := range p.Categories {
		out.Categories[k] = v
	}
	for k, v := range p.Channels {
		out.Channels[k] = v
	}
	if p.QuietHours != nil {
		q := *p.QuietHours
		out.QuietHours = &q
	}
	return out
}
