package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// Event is one variant of the inbound tagged union.
type Event interface {
	EventType() string
}

type validator interface {
	Event
	validate() error
}

var (
	errMissingUserID = errors.New("missing user id")
	errMissingID     = errors.New("missing id")
)

// Time accepts RFC 3339 strings, unix milliseconds, empty strings and null.
type Time struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" || string(b) == `""` {
		t.Time = time.Time{}
		return nil
	}
	if b[0] != '"' {
		ms, err := strconv.ParseInt(string(b), 10, 64)
		if err != nil {
			return err
		}
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// NewMessage is a chat message delivered on the messaging endpoint.
type NewMessage struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id,omitempty"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	RecipientID    string `json:"recipient_id,omitempty"`
	Content        string `json:"content"`
	SentAt         Time   `json:"sent_at"`
}

func (*NewMessage) EventType() string { return TypeNewMessage }

func (e *NewMessage) validate() error {
	if e.SenderID == "" {
		return errors.New("missing sender_id")
	}
	return nil
}

// UserStatusUpdate changes a user's status and custom message.
type UserStatusUpdate struct {
	UserID        string `json:"user_id"`
	UserName      string `json:"user_name,omitempty"`
	Status        string `json:"status"`
	CustomMessage string `json:"custom_message,omitempty"`
	IsOnline      *bool  `json:"is_online,omitempty"`
	LastSeen      Time   `json:"last_seen"`
}

func (*UserStatusUpdate) EventType() string { return TypeUserStatusUpdate }

func (e *UserStatusUpdate) validate() error {
	if e.UserID == "" {
		return errMissingUserID
	}
	if e.Status == "" {
		return errors.New("missing status")
	}
	return nil
}

// SystemNotification is an operator broadcast.
type SystemNotification struct {
	ID       string `json:"id,omitempty"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
}

func (*SystemNotification) EventType() string { return TypeSystemNotification }

func (e *SystemNotification) validate() error {
	if e.Title == "" && e.Message == "" {
		return errors.New("empty system notification")
	}
	return nil
}

// Error is a server-reported error on an endpoint.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (*Error) EventType() string { return TypeError }

func (e *Error) validate() error { return nil }

// NotificationPayload is the wire form of a notification.
type NotificationPayload struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Type      string         `json:"type,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp Time           `json:"timestamp"`
	Read      bool           `json:"read"`
	Data      map[string]any `json:"data,omitempty"`
	Actions   []Action       `json:"actions,omitempty"`
	Channel   string         `json:"channel,omitempty"`
}

// Action is a user-selectable action attached to a notification.
type Action struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// NewNotification carries a freshly created notification.
type NewNotification struct {
	NotificationPayload
}

func (*NewNotification) EventType() string { return TypeNewNotification }

func (e *NewNotification) validate() error {
	if e.ID == "" {
		return errMissingID
	}
	return nil
}

// NotificationRead reports that a notification was read elsewhere.
type NotificationRead struct {
	NotificationID string `json:"notification_id"`
}

func (*NotificationRead) EventType() string { return TypeNotificationRead }

// UnmarshalJSON accepts both notification_id and id.
func (e *NotificationRead) UnmarshalJSON(b []byte) error {
	var raw struct {
		NotificationID string `json:"notification_id"`
		ID             string `json:"id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.NotificationID = raw.NotificationID
	if e.NotificationID == "" {
		e.NotificationID = raw.ID
	}
	return nil
}

func (e *NotificationRead) validate() error {
	if e.NotificationID == "" {
		return errMissingID
	}
	return nil
}

// UserOnline reports that a user connected.
type UserOnline struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	LastSeen Time   `json:"last_seen"`
}

func (*UserOnline) EventType() string { return TypeUserOnline }

func (e *UserOnline) validate() error {
	if e.UserID == "" {
		return errMissingUserID
	}
	return nil
}

// UserOffline reports that a user's last connection closed.
type UserOffline struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	LastSeen Time   `json:"last_seen"`
}

func (*UserOffline) EventType() string { return TypeUserOffline }

func (e *UserOffline) validate() error {
	if e.UserID == "" {
		return errMissingUserID
	}
	return nil
}

// UserStatusEntry is one user inside a bulk snapshot.
type UserStatusEntry struct {
	UserID        string `json:"id"`
	UserName      string `json:"user_name,omitempty"`
	IsOnline      bool   `json:"is_online"`
	Status        string `json:"status,omitempty"`
	LastSeen      Time   `json:"last_seen"`
	CustomMessage string `json:"custom_message,omitempty"`
}

// UnmarshalJSON accepts both id and user_id.
func (e *UserStatusEntry) UnmarshalJSON(b []byte) error {
	type plain UserStatusEntry
	var raw struct {
		plain
		AltID string `json:"user_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*e = UserStatusEntry(raw.plain)
	if e.UserID == "" {
		e.UserID = raw.AltID
	}
	return nil
}

// BulkUserStatus is an authoritative presence snapshot.
type BulkUserStatus struct {
	Users []UserStatusEntry `json:"users"`
}

func (*BulkUserStatus) EventType() string { return TypeBulkUserStatus }

// UnmarshalJSON accepts either a bare array or an object with a users field.
func (e *BulkUserStatus) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		return json.Unmarshal(b, &e.Users)
	}
	var raw struct {
		Users []UserStatusEntry `json:"users"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Users = raw.Users
	return nil
}

func (e *BulkUserStatus) validate() error {
	for _, u := range e.Users {
		if u.UserID == "" {
			return errMissingUserID
		}
	}
	return nil
}

// SendMessage is the outbound chat request.
type SendMessage struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// SetStatus is the outbound presence update.
type SetStatus struct {
	Status        string `json:"status"`
	CustomMessage string `json:"custom_message,omitempty"`
}
