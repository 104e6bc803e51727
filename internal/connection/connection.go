// Package connection owns the persistent real-time connections, one per
// logical endpoint, and their reconnect policy.
package connection

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// State is the lifecycle state of one endpoint.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is a snapshot of one logical channel.
type Endpoint struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	// Err is the last dial or read error, if any.
	Err error `json:"-"`
}

var (
	// ErrNoEndpoints means a connect call ended with nothing connected.
	ErrNoEndpoints = errors.New("no endpoint connected")
	// ErrCanceled is recorded for dials abandoned by DisconnectAll.
	ErrCanceled = errors.New("connection attempt canceled")
)

// ConnectionError reports a connect call in which every endpoint failed.
type ConnectionError struct {
	Endpoints map[string]error
}

func (e *ConnectionError) Error() string {
	names := make([]string, 0, len(e.Endpoints))
	for name := range e.Endpoints {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Endpoints[name]))
	}
	if len(parts) == 0 {
		return ErrNoEndpoints.Error()
	}
	return fmt.Sprintf("%s (%s)", ErrNoEndpoints, strings.Join(parts, "; "))
}

// Unwrap exposes ErrNoEndpoints and each per-endpoint cause.
func (e *ConnectionError) Unwrap() []error {
	errs := []error{ErrNoEndpoints}
	for _, err := range e.Endpoints {
		errs = append(errs, err)
	}
	return errs
}

// ReconnectPolicy controls retries after a live connection drops.
// MaxAttempts of zero disables reconnecting: the endpoint is marked
// disconnected and stays that way.
type ReconnectPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultReconnectPolicy returns five attempts from 1s doubling up to 30s.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

// Config holds Manager settings.
type Config struct {
	DialTimeout time.Duration
	Reconnect   ReconnectPolicy
}

// DefaultConfig returns the default Manager settings.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		Reconnect:   DefaultReconnectPolicy(),
	}
}
