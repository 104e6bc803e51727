// Package wire implements the real-time envelope format shared by every
// endpoint, and the tagged union of inbound events carried inside it.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is the frame exchanged in both directions on every endpoint.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Inbound event types
const (
	TypeNewMessage         = "new_message"
	TypeUserStatusUpdate   = "user_status_update"
	TypeSystemNotification = "system_notification"
	TypeError              = "error"
	TypeNewNotification    = "new_notification"
	TypeNotificationRead   = "notification_read"
	TypeUserOnline         = "user_online"
	TypeUserOffline        = "user_offline"
	TypeBulkUserStatus     = "bulk_user_status"
)

// Outbound event types
const (
	TypeSendMessage = "send_message"
	TypeSetStatus   = "set_status"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Core endpoint names
const (
	EndpointMessaging     = "messaging"
	EndpointNotifications = "notifications"
	EndpointUserStatus    = "user-status"
)

// CoreEndpoints is the fixed endpoint set opened for every session.
var CoreEndpoints = []string{EndpointMessaging, EndpointNotifications, EndpointUserStatus}

var (
	// ErrMalformed is returned for frames that are not a valid envelope or
	// whose data does not match the declared type.
	ErrMalformed = errors.New("malformed message")

	// ErrUnknownEvent is returned for well-formed envelopes of a type outside
	// the inbound catalog.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Message is a decoded inbound frame as handed to subscribers.
type Message struct {
	Endpoint string
	Envelope Envelope
	Event    Event
	Received time.Time
}

// Type returns the envelope's event type.
func (m Message) Type() string {
	return m.Envelope.Type
}

// NewEnvelope builds an envelope around data, stamping the current time.
func NewEnvelope(eventType string, data any) (Envelope, error) {
	env := Envelope{
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s data: %w", eventType, err)
	}
	env.Data = raw
	return env, nil
}

// Encode serializes an envelope to JSON bytes
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope parses JSON bytes into an Envelope without interpreting data.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// Decode parses and validates an inbound frame. Unknown types yield a
// Message with a nil Event and an error wrapping ErrUnknownEvent so callers
// can route them to an ignore branch.
func Decode(data []byte) (Message, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Envelope: env, Received: time.Now()}

	ev, err := decodeEvent(env)
	if err != nil {
		return msg, err
	}
	msg.Event = ev
	return msg, nil
}

func decodeEvent(env Envelope) (Event, error) {
	var ev validator
	switch env.Type {
	case TypeNewMessage:
		ev = &NewMessage{}
	case TypeUserStatusUpdate:
		ev = &UserStatusUpdate{}
	case TypeSystemNotification:
		ev = &SystemNotification{}
	case TypeError:
		ev = &Error{}
	case TypeNewNotification:
		ev = &NewNotification{}
	case TypeNotificationRead:
		ev = &NotificationRead{}
	case TypeUserOnline:
		ev = &UserOnline{}
	case TypeUserOffline:
		ev = &UserOffline{}
	case TypeBulkUserStatus:
		ev = &BulkUserStatus{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, fmt.Errorf("%w: %s without data", ErrMalformed, env.Type)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	if err := ev.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return ev, nil
}
