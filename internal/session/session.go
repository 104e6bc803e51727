// Package session owns the real-time lifecycle: it turns the connection
// subsystem on and off as one unit and keeps it off while the user is
// signed out.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/markb/rentrt/internal/auth"
	"github.com/markb/rentrt/internal/connection"
	"github.com/markb/rentrt/internal/health"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/notification"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/presence"
	"github.com/markb/rentrt/internal/registry"
	"github.com/markb/rentrt/internal/wire"
)

// ErrAuthRequired is returned by Enable when no user is signed in.
var ErrAuthRequired = errors.New("authentication required for real-time features")

// DefaultAuthCheckInterval is how often Start re-checks token expiry.
const DefaultAuthCheckInterval = 30 * time.Second

// State is the controller's lifecycle state.
type State string

const (
	StateDisabled   State = "disabled"
	StateConnecting State = "connecting"
	StateEnabled    State = "enabled"
)

// Deps are the collaborators a Controller drives. Dialer and Auth are
// required; everything else has a default.
type Deps struct {
	Dialer        connection.Dialer
	Auth          auth.Source
	Connection    connection.Config
	Endpoints     []string
	Notifications *notification.Service
	Presence      *presence.Tracker
	Registry      *registry.Registry

	HealthInterval    time.Duration
	AuthCheckInterval time.Duration

	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider
}

// Stats are per-session counters, reset by Disable.
type Stats struct {
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Dropped  uint64 `json:"dropped"`
}

// Controller is the single on/off switch for real-time features.
type Controller struct {
	deps      Deps
	registry  *registry.Registry
	presence  *presence.Tracker
	notifs    *notification.Service
	manager   *connection.Manager
	monitor   *health.Monitor
	tracer    trace.Tracer
	endpoints []string

	mu           sync.Mutex
	state        State
	epoch        uint64
	statusText   string
	unregister   []func()
	healthCancel context.CancelFunc
	listeners    []func(State)

	lifeMu      sync.Mutex
	lifeCancel  context.CancelFunc
	unwatchAuth func()
	lifeDone    chan struct{}

	received atomic.Uint64
	sent     atomic.Uint64
	dropped  atomic.Uint64
}

// New builds a disabled controller.
func New(deps Deps) *Controller {
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewTracker()
	}
	if deps.Notifications == nil {
		deps.Notifications = notification.NewService(notification.NewStore(notification.DefaultCapacity), nil, notification.LogAlerter{}, nil)
	}
	if deps.Connection == (connection.Config{}) {
		deps.Connection = connection.DefaultConfig()
	}
	if len(deps.Endpoints) == 0 {
		deps.Endpoints = wire.CoreEndpoints
	}
	if deps.AuthCheckInterval <= 0 {
		deps.AuthCheckInterval = DefaultAuthCheckInterval
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	c := &Controller{
		deps:      deps,
		registry:  deps.Registry,
		presence:  deps.Presence,
		notifs:    deps.Notifications,
		tracer:    tp.Tracer("rentrt/session"),
		endpoints: append([]string(nil), deps.Endpoints...),
		state:     StateDisabled,
	}
	c.manager = connection.NewManager(deps.Dialer, deps.Connection, c.inbound, deps.Metrics)
	c.monitor = health.NewMonitor(c.manager, deps.HealthInterval, deps.Metrics)
	c.monitor.OnChange(c.healthChanged)
	c.manager.OnStateChange(func(ep connection.Endpoint) {
		if ep.State == connection.StateDisconnected || ep.State == connection.StateFailed {
			// DisconnectAll notifies while c.mu is held by teardown.
			go c.dropIfUnreachable()
		}
	})
	c.notifs.SetMetrics(deps.Metrics)

	if m := deps.Metrics; m != nil {
		c.registry.OnError = func(derr *registry.DispatchError) {
			m.RealtimeDispatchFailures.Add(context.Background(), 1,
				metric.WithAttributes(observability.AttrEventType.String(derr.EventType)))
		}
	}
	return c
}

// Registry, Presence, Notifications, Health and Connections expose the
// components for callers that want to read state or add listeners.
func (c *Controller) Registry() *registry.Registry { return c.registry }
func (c *Controller) Presence() *presence.Tracker { return c.presence }
func (c *Controller) Notifications() *notification.Service { return c.notifs }
func (c *Controller) Health() *health.Monitor { return c.monitor }
func (c *Controller) Connections() *connection.Manager { return c.manager }

// OnStateChange registers fn for lifecycle transitions.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// setStateLocked returns the listeners to call once c.mu is released.
func (c *Controller) setStateLocked(s State) []func(State) {
	if c.state == s {
		return nil
	}
	log.Debug("session: state", "from", string(c.state), "to", string(s))
	c.state = s
	return append([]func(State){}, c.listeners...)
}

func emit(fns []func(State), s State) {
	for _, fn := range fns {
		fn(s)
	}
}

// Enable connects the core endpoints. It is a no-op while already
// connecting or enabled. Without an authenticated session it returns
// ErrAuthRequired and leaves the state alone. If no endpoint connects the
// controller returns to disabled and the *connection.ConnectionError is
// returned.
func (c *Controller) Enable(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "session.Enable")
	defer span.End()

	c.mu.Lock()
	if c.state != StateDisabled {
		c.mu.Unlock()
		span.SetAttributes(attribute.String("session.noop", "already "+string(c.state)))
		return nil
	}
	if c.deps.Auth == nil || !c.deps.Auth.Authenticated() {
		c.mu.Unlock()
		span.SetStatus(codes.Error, ErrAuthRequired.Error())
		return ErrAuthRequired
	}
	c.epoch++
	epoch := c.epoch
	fns := c.setStateLocked(StateConnecting)
	c.statusText = ""
	c.registry.Enable()
	c.unregister = []func(){
		c.presence.Register(c.registry),
		c.notifs.Register(c.registry),
	}
	token := c.deps.Auth.Token()
	c.mu.Unlock()
	emit(fns, StateConnecting)

	log.Info("session: enabling real-time", "endpoints", c.endpoints)
	err := c.manager.ConnectToEndpoints(ctx, c.endpoints, token)

	c.mu.Lock()
	if c.epoch != epoch {
		// Disabled (and possibly re-enabled) while we were dialing.
		c.mu.Unlock()
		span.SetStatus(codes.Error, "canceled")
		return connection.ErrCanceled
	}
	if err != nil {
		c.statusText = err.Error()
		fns = c.teardownLocked()
		c.mu.Unlock()
		emit(fns, StateDisabled)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session: enable failed", "error", err.Error())
		return err
	}
	fns = c.setStateLocked(StateEnabled)
	hctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.healthCancel = cancel
	c.monitor.Reset()
	c.mu.Unlock()

	go c.monitor.Run(hctx)
	emit(fns, StateEnabled)
	connected := c.manager.ConnectedEndpoints()
	span.SetAttributes(attribute.StringSlice("session.connected", connected))
	log.Info("session: real-time enabled", "connected", connected)
	return nil
}

// Disable tears the subsystem down. Stored notifications are kept. It is a
// no-op when already disabled.
func (c *Controller) Disable() {
	c.mu.Lock()
	if c.state == StateDisabled {
		c.mu.Unlock()
		return
	}
	c.epoch++
	fns := c.teardownLocked()
	c.statusText = ""
	c.mu.Unlock()

	emit(fns, StateDisabled)
	log.Info("session: real-time disabled")
}

// teardownLocked stops health, drops connections and clears ephemeral state.
func (c *Controller) teardownLocked() []func(State) {
	if c.healthCancel != nil {
		c.healthCancel()
		c.healthCancel = nil
	}
	c.manager.DisconnectAll()
	for _, u := range c.unregister {
		u()
	}
	c.unregister = nil
	c.registry.Disable()
	c.presence.Clear()
	c.monitor.Reset()
	c.received.Store(0)
	c.sent.Store(0)
	c.dropped.Store(0)
	return c.setStateLocked(StateDisabled)
}

// Start watches the auth source until Stop or ctx is done, disabling
// real-time as soon as the user is signed out. It does not enable.
func (c *Controller) Start(ctx context.Context) {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.lifeCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.lifeCancel = cancel
	c.lifeDone = make(chan struct{})
	if c.deps.Auth != nil {
		c.unwatchAuth = c.deps.Auth.Watch(func(ok bool) {
			if !ok {
				log.Info("session: signed out, disabling real-time")
				c.Disable()
			}
		})
	}

	checker, _ := c.deps.Auth.(interface{ Check() bool })
	go func() {
		defer close(c.lifeDone)
		var tick <-chan time.Time
		if checker != nil {
			t := time.NewTicker(c.deps.AuthCheckInterval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				c.Disable()
				return
			case <-tick:
				checker.Check()
			}
		}
	}()
}

// Stop disables real-time and ends the auth watch.
func (c *Controller) Stop() {
	c.lifeMu.Lock()
	cancel, done, unwatch := c.lifeCancel, c.lifeDone, c.unwatchAuth
	c.lifeCancel, c.lifeDone, c.unwatchAuth = nil, nil, nil
	c.lifeMu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if cancel != nil {
		cancel()
		<-done
	}
	c.Disable()
}

// Close stops the controller and waits for connection goroutines.
func (c *Controller) Close() {
	c.Stop()
	c.manager.Close()
}

// Send publishes an outbound event on endpoint. It returns false when
// real-time is not enabled or the endpoint cannot take the message.
func (c *Controller) Send(endpoint, eventType string, data any) bool {
	if c.State() != StateEnabled {
		return false
	}
	env, err := wire.NewEnvelope(eventType, data)
	if err != nil {
		log.Warn("session: cannot encode outbound event", "type", eventType, "error", err.Error())
		return false
	}
	if !c.manager.Send(endpoint, env) {
		return false
	}
	c.sent.Add(1)
	return true
}

// Subscribe registers h with the registry. While disabled it registers
// nothing; subscriptions do not survive Disable.
func (c *Controller) Subscribe(eventType string, h registry.Handler) func() {
	return c.registry.Subscribe(eventType, h)
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatusText describes the last connection problem, or is empty.
func (c *Controller) StatusText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusText
}

// Stats returns the session counters.
func (c *Controller) Stats() Stats {
	return Stats{
		Received: c.received.Load(),
		Sent:     c.sent.Load(),
		Dropped:  c.dropped.Load(),
	}
}

func (c *Controller) inbound(endpoint string, msg wire.Message) {
	if !c.registry.Enabled() {
		c.dropped.Add(1)
		return
	}
	c.received.Add(1)
	ctx, span := c.tracer.Start(context.Background(), "session.dispatch", trace.WithAttributes(
		observability.AttrEndpoint.String(endpoint),
		observability.AttrEventType.String(msg.Type()),
	))
	defer span.End()
	c.registry.Dispatch(ctx, msg)
}

func (c *Controller) healthChanged(st health.Status) {
	c.mu.Lock()
	if c.state != StateEnabled {
		c.mu.Unlock()
		return
	}
	switch {
	case !st.AnyConnected():
		c.statusText = lostText
	case len(st.Failed) > 0:
		c.statusText = fmt.Sprintf("endpoints unavailable: %v", st.Failed)
	default:
		c.statusText = ""
	}
	c.mu.Unlock()

	if !st.AnyConnected() {
		c.dropIfUnreachable()
	}
}

const lostText = "all real-time endpoints disconnected"

// dropIfUnreachable disables an enabled controller once no endpoint is
// connected and none is reconnecting. The status text is kept.
func (c *Controller) dropIfUnreachable() {
	c.mu.Lock()
	if c.state != StateEnabled || c.manager.Reachable() {
		c.mu.Unlock()
		return
	}
	c.epoch++
	fns := c.teardownLocked()
	c.statusText = lostText
	c.mu.Unlock()

	emit(fns, StateDisabled)
	log.Warn("session: real-time lost, disabled")
}
