package notification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/registry"
	"github.com/markb/rentrt/internal/wire"
)

// ListOptions filters a server-side list.
type ListOptions struct {
	Limit      int
	UnreadOnly bool
}

// CreateRequest is the body of a create call. An empty UserID targets the
// caller.
type CreateRequest struct {
	UserID   string         `json:"user_id,omitempty"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Type     Type           `json:"type,omitempty"`
	Priority Priority       `json:"priority,omitempty"`
	Channel  Channel        `json:"channel,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
	Actions  []Action       `json:"actions,omitempty"`
}

// Validate checks the required fields.
func (r CreateRequest) Validate() error {
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.Message == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

// API is the persisted-notification collaborator.
type API interface {
	ListNotifications(ctx context.Context, opts ListOptions) ([]Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteAll(ctx context.Context) error
	Preferences(ctx context.Context) (Preferences, error)
	UpdatePreferences(ctx context.Context, p Preferences) (Preferences, error)
	CreateNotification(ctx context.Context, req CreateRequest) (Notification, error)
	SendTest(ctx context.Context) (Notification, error)
}

// ErrNoAPI is wrapped in the PersistenceError returned by server-backed
// calls on a Service built without an API.
var ErrNoAPI = errors.New("no notification API configured")

// PersistenceError reports a failed server call. Local state has been
// restored to what it was before the call.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("notification %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Service keeps a Store in step with the server and with real-time events.
type Service struct {
	store   *Store
	api     API
	alerter Alerter
	desktop DesktopNotifier
	metrics *observability.Metrics

	now func() time.Time
}

// NewService wires a store to its collaborators. alerter and desktop may be
// nil. Without an api the service still takes real-time events, and its
// server-backed calls fail with ErrNoAPI.
func NewService(store *Store, api API, alerter Alerter, desktop DesktopNotifier) *Service {
	return &Service{
		store:   store,
		api:     api,
		alerter: alerter,
		desktop: desktop,
		now:     time.Now,
	}
}

// SetMetrics enables the delivered counter. m may be nil.
func (s *Service) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

func (s *Service) requireAPI(op string) error {
	if s.api == nil {
		return &PersistenceError{Op: op, Err: ErrNoAPI}
	}
	return nil
}

// Store returns the underlying store.
func (s *Service) Store() *Store {
	return s.store
}

// Deliver inserts n and raises its alerts. Alerts fire only for entries that
// were not already stored.
func (s *Service) Deliver(ctx context.Context, n Notification) bool {
	now := s.now()
	n.Normalize(now)
	if !s.store.Add(n) {
		log.Debug("notification: upserted", "id", n.ID)
		return false
	}
	if s.metrics != nil {
		s.metrics.NotificationsDelivered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(n.Type)),
			attribute.String("priority", string(n.Priority)),
		))
	}

	prefs := s.store.Preferences()
	if !prefs.AllowsAlert(n, now) {
		log.Debug("notification: alert suppressed", "id", n.ID, "type", string(n.Type))
		return true
	}
	if n.Priority.Interrupts() && s.alerter != nil {
		s.alerter.Alert(ctx, n)
	}
	if s.desktop != nil && prefs.ChannelEnabled(ChannelPush) && s.desktop.Permission() == PermissionGranted {
		if err := s.desktop.Show(ctx, DesktopAlertFor(n)); err != nil {
			log.Warn("notification: desktop alert failed", "id", n.ID, "error", err.Error())
		}
	}
	return true
}

// Refresh replaces the local list with the server's.
func (s *Service) Refresh(ctx context.Context) error {
	if err := s.requireAPI("list"); err != nil {
		return err
	}
	list, err := s.api.ListNotifications(ctx, ListOptions{Limit: s.store.Capacity()})
	if err != nil {
		return &PersistenceError{Op: "list", Err: err}
	}
	now := s.now()
	for i := range list {
		list[i].Normalize(now)
	}
	s.store.Replace(list)
	return nil
}

// MarkAsRead marks one notification read locally, then on the server.
func (s *Service) MarkAsRead(ctx context.Context, id string) error {
	if err := s.requireAPI("mark read"); err != nil {
		return err
	}
	prev, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if prev.Read {
		return nil
	}
	s.store.MarkAsRead(id)
	if err := s.api.MarkRead(ctx, id); err != nil {
		s.store.SetRead(id, prev.Read, prev.Status)
		return &PersistenceError{Op: "mark read", Err: err}
	}
	return nil
}

// MarkAllAsRead marks everything read locally, then on the server.
func (s *Service) MarkAllAsRead(ctx context.Context) error {
	if err := s.requireAPI("mark all read"); err != nil {
		return err
	}
	var unread []Notification
	for _, n := range s.store.List() {
		if !n.Read {
			unread = append(unread, n)
		}
	}
	s.store.MarkAllAsRead()
	if err := s.api.MarkAllRead(ctx); err != nil {
		for _, n := range unread {
			s.store.SetRead(n.ID, false, n.Status)
		}
		return &PersistenceError{Op: "mark all read", Err: err}
	}
	return nil
}

// Remove deletes one notification locally, then on the server.
func (s *Service) Remove(ctx context.Context, id string) error {
	if err := s.requireAPI("delete"); err != nil {
		return err
	}
	n, idx, ok := s.store.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.api.DeleteNotification(ctx, id); err != nil {
		s.store.Restore(n, idx)
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// ClearAll deletes every notification locally, then on the server.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.requireAPI("delete all"); err != nil {
		return err
	}
	old := s.store.ClearAll()
	if err := s.api.DeleteAll(ctx); err != nil {
		s.store.RestoreAll(old)
		return &PersistenceError{Op: "delete all", Err: err}
	}
	return nil
}

// LoadPreferences fetches and caches the user's preferences.
func (s *Service) LoadPreferences(ctx context.Context) (Preferences, error) {
	if err := s.requireAPI("get preferences"); err != nil {
		return Preferences{}, err
	}
	p, err := s.api.Preferences(ctx)
	if err != nil {
		return Preferences{}, &PersistenceError{Op: "get preferences", Err: err}
	}
	s.store.SetPreferences(p)
	return p, nil
}

// UpdatePreferences caches p immediately and keeps the server's answer.
func (s *Service) UpdatePreferences(ctx context.Context, p Preferences) (Preferences, error) {
	if p.QuietHours != nil && p.QuietHours.Enabled {
		if err := p.QuietHours.Validate(); err != nil {
			return Preferences{}, err
		}
	}
	if err := s.requireAPI("update preferences"); err != nil {
		return Preferences{}, err
	}
	prev := s.store.Preferences()
	s.store.SetPreferences(p)
	saved, err := s.api.UpdatePreferences(ctx, p)
	if err != nil {
		s.store.SetPreferences(prev)
		return Preferences{}, &PersistenceError{Op: "update preferences", Err: err}
	}
	s.store.SetPreferences(saved)
	return saved, nil
}

// Create persists a new notification. When it targets the caller it is
// delivered locally right away; the real-time echo is absorbed by upsert.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Notification, error) {
	if err := req.Validate(); err != nil {
		return Notification{}, err
	}
	if err := s.requireAPI("create"); err != nil {
		return Notification{}, err
	}
	n, err := s.api.CreateNotification(ctx, req)
	if err != nil {
		return Notification{}, &PersistenceError{Op: "create", Err: err}
	}
	if req.UserID == "" {
		s.Deliver(ctx, n)
	}
	return n, nil
}

// SendTest asks the server for a test notification and delivers it.
func (s *Service) SendTest(ctx context.Context) (Notification, error) {
	if err := s.requireAPI("test"); err != nil {
		return Notification{}, err
	}
	n, err := s.api.SendTest(ctx)
	if err != nil {
		return Notification{}, &PersistenceError{Op: "test", Err: err}
	}
	s.Deliver(ctx, n)
	return n, nil
}

// Register subscribes the service to the notification-bearing event types.
func (s *Service) Register(reg *registry.Registry) func() {
	unsubs := []func(){
		reg.Subscribe(wire.TypeNewNotification, s.handleNewNotification),
		reg.Subscribe(wire.TypeNotificationRead, s.handleNotificationRead),
		reg.Subscribe(wire.TypeSystemNotification, s.handleSystemNotification),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (s *Service) handleNewNotification(ctx context.Context, msg wire.Message) error {
	ev, ok := msg.Event.(*wire.NewNotification)
	if !ok {
		return fmt.Errorf("unexpected event %T", msg.Event)
	}
	s.Deliver(ctx, FromPayload(ev.NotificationPayload, s.now()))
	return nil
}

func (s *Service) handleNotificationRead(ctx context.Context, msg wire.Message) error {
	ev, ok := msg.Event.(*wire.NotificationRead)
	if !ok {
		return fmt.Errorf("unexpected event %T", msg.Event)
	}
	// Already persisted by whoever read it.
	s.store.MarkAsRead(ev.NotificationID)
	return nil
}

func (s *Service) handleSystemNotification(ctx context.Context, msg wire.Message) error {
	ev, ok := msg.Event.(*wire.SystemNotification)
	if !ok {
		return fmt.Errorf("unexpected event %T", msg.Event)
	}
	id := ev.ID
	if id == "" {
		id = msg.Envelope.ID
	}
	if id == "" {
		id = uuid.NewString()
	}
	s.Deliver(ctx, Notification{
		ID:       id,
		Title:    ev.Title,
		Message:  ev.Message,
		Type:     TypeSystem,
		Priority: Priority(ev.Priority),
		Status:   StatusDelivered,
	})
	return nil
}
