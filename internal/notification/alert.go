package notification

import (
	"context"
	"sync"

	"github.com/markb/rentrt/internal/log"
)

// Alerter raises an immediate user-facing alert for an interrupting
// notification.
type Alerter interface {
	Alert(ctx context.Context, n Notification)
}

// AlertFunc adapts a function to Alerter.
type AlertFunc func(ctx context.Context, n Notification)

// Alert calls f.
func (f AlertFunc) Alert(ctx context.Context, n Notification) { f(ctx, n) }

// LogAlerter writes alerts to the log at warn level.
type LogAlerter struct{}

// Alert logs n.
func (LogAlerter) Alert(ctx context.Context, n Notification) {
	log.Warn("notification: alert",
		"id", n.ID,
		"priority", string(n.Priority),
		"title", n.Title,
		"message", n.Message,
	)
}

// Permission is the outcome of the desktop permission handshake.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// DesktopAlert is a request to show a platform notification.
type DesktopAlert struct {
	Tag   string
	Title string
	Body  string
	// RequireInteraction keeps the alert visible until dismissed.
	RequireInteraction bool
	Silent             bool
}

// DesktopAlertFor builds the platform alert for n.
func DesktopAlertFor(n Notification) DesktopAlert {
	return DesktopAlert{
		Tag:                n.ID,
		Title:              n.Title,
		Body:               n.Message,
		RequireInteraction: n.Priority.Interrupts(),
		Silent:             n.Priority == PriorityLow,
	}
}

// DesktopNotifier is the platform notification collaborator.
type DesktopNotifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, alert DesktopAlert) error
}

// LogNotifier is a DesktopNotifier for headless hosts. Permission requests
// resolve to the configured answer and shown alerts go to the log.
type LogNotifier struct {
	mu     sync.Mutex
	answer Permission
	state  Permission
}

// NewLogNotifier creates a notifier that answers permission requests with
// granted or denied.
func NewLogNotifier(grant bool) *LogNotifier {
	answer := PermissionDenied
	if grant {
		answer = PermissionGranted
	}
	return &LogNotifier{answer: answer, state: PermissionDefault}
}

// Permission returns the current handshake state.
func (l *LogNotifier) Permission() Permission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// RequestPermission settles the handshake. Once answered it does not change.
func (l *LogNotifier) RequestPermission(ctx context.Context) (Permission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == PermissionDefault {
		l.state = l.answer
	}
	return l.state, nil
}

// Show logs the alert.
func (l *LogNotifier) Show(ctx context.Context, a DesktopAlert) error {
	log.Info("notification: desktop alert",
		"tag", a.Tag,
		"title", a.Title,
		"body", a.Body,
		"require_interaction", a.RequireInteraction,
		"silent", a.Silent,
	)
	return nil
}
