package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
	"github.com/markb/rentrt/internal/wire"
)

// InboundFunc receives every decoded frame. It is called from the
// endpoint's read goroutine, so frames of one endpoint arrive in order.
type InboundFunc func(endpoint string, msg wire.Message)

type endpoint struct {
	name  string
	state State
	conn  Conn
	err   error

	// dialing is closed when the current initial dial finishes.
	dialing chan struct{}
}

func (e *endpoint) snapshot() Endpoint {
	return Endpoint{Name: e.name, State: e.state, Err: e.err}
}

// Manager is the only owner of live connections.
type Manager struct {
	dialer  Dialer
	cfg     Config
	inbound InboundFunc
	metrics *observability.Metrics

	mu        sync.Mutex
	endpoints map[string]*endpoint
	token     string
	// gen is bumped by DisconnectAll. Work started under an older
	// generation discards its result.
	gen       uint64
	ctx       context.Context
	cancel    context.CancelFunc
	listeners []func(Endpoint)

	wg sync.WaitGroup
}

// NewManager creates a manager that dials through d and hands inbound
// frames to inbound. metrics may be nil.
func NewManager(d Dialer, cfg Config, inbound InboundFunc, metrics *observability.Metrics) *Manager {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultConfig().DialTimeout
	}
	if inbound == nil {
		inbound = func(string, wire.Message) {}
	}
	return &Manager{
		dialer:    d,
		cfg:       cfg,
		inbound:   inbound,
		metrics:   metrics,
		endpoints: make(map[string]*endpoint),
	}
}

// OnStateChange registers fn to observe endpoint transitions.
func (m *Manager) OnStateChange(fn func(Endpoint)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) notify(changes []Endpoint) {
	if len(changes) == 0 {
		return
	}
	m.mu.Lock()
	listeners := m.listeners
	m.mu.Unlock()
	for _, ep := range changes {
		log.Debug("connection: state", "endpoint", ep.Name, "state", ep.State.String())
		for _, fn := range listeners {
			fn(ep)
		}
	}
}

// sessionLocked returns the context shared by all work of the current
// generation, creating it on first use.
func (m *Manager) sessionLocked() context.Context {
	if m.ctx == nil {
		m.ctx, m.cancel = context.WithCancel(context.Background())
	}
	return m.ctx
}

// ConnectToEndpoints dials every named endpoint that is not already
// connected or connecting, and waits for dials another call started.
// Partial success is success, and an endpoint still reconnecting is not a
// failure; a *ConnectionError is returned only when none of the names ends
// up connected or connecting.
func (m *Manager) ConnectToEndpoints(ctx context.Context, names []string, token string) error {
	if len(names) == 0 {
		return &ConnectionError{Endpoints: map[string]error{}}
	}

	m.mu.Lock()
	m.token = token
	gen := m.gen
	session := m.sessionLocked()
	var dial []*endpoint
	var waits []chan struct{}
	var changes []Endpoint
	for _, name := range names {
		ep, ok := m.endpoints[name]
		if ok && ep.state == StateConnected {
			continue
		}
		if ok && ep.state == StateConnecting {
			if ep.dialing != nil {
				waits = append(waits, ep.dialing)
			}
			continue
		}
		if !ok {
			ep = &endpoint{name: name}
			m.endpoints[name] = ep
		}
		ep.state = StateConnecting
		ep.err = nil
		ep.dialing = make(chan struct{})
		dial = append(dial, ep)
		changes = append(changes, ep.snapshot())
	}
	m.mu.Unlock()
	m.notify(changes)

	var g errgroup.Group
	for _, ep := range dial {
		done := ep.dialing
		g.Go(func() error {
			defer close(done)
			m.dialEndpoint(ctx, session, ep, gen, token)
			return nil
		})
	}
	for _, w := range waits {
		g.Go(func() error {
			select {
			case <-w:
			case <-ctx.Done():
			}
			return nil
		})
	}
	g.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	failures := make(map[string]error)
	for _, name := range names {
		ep, ok := m.endpoints[name]
		switch {
		case !ok || m.gen != gen:
			failures[name] = ErrCanceled
		case ep.state == StateConnected || ep.state == StateConnecting:
			return nil
		case ep.err != nil:
			failures[name] = ep.err
		default:
			failures[name] = fmt.Errorf("endpoint %s is %s", name, ep.state)
		}
	}
	return &ConnectionError{Endpoints: failures}
}

func (m *Manager) dialEndpoint(ctx, session context.Context, ep *endpoint, gen uint64, token string) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	defer cancel()
	stop := context.AfterFunc(session, cancel)
	defer stop()

	m.count(ctx, func(mt *observability.Metrics) metric.Int64Counter { return mt.RealtimeConnectAttempts }, ep.name)
	conn, err := m.dialer.Dial(dialCtx, ep.name, token)

	m.mu.Lock()
	if m.gen != gen || m.endpoints[ep.name] != ep {
		m.mu.Unlock()
		if conn != nil {
			log.Debug("connection: closing late connection", "endpoint", ep.name)
			conn.Close()
		}
		return
	}
	if err != nil {
		ep.state = StateFailed
		ep.err = err
		snap := ep.snapshot()
		m.mu.Unlock()
		m.count(ctx, func(mt *observability.Metrics) metric.Int64Counter { return mt.RealtimeConnectFailures }, ep.name)
		log.Warn("connection: dial failed", "endpoint", ep.name, "error", err.Error())
		m.notify([]Endpoint{snap})
		return
	}
	m.attachLocked(ep, conn, gen)
	snap := ep.snapshot()
	m.mu.Unlock()
	log.Info("connection: connected", "endpoint", ep.name)
	m.notify([]Endpoint{snap})
}

// attachLocked marks ep connected on conn and starts its reader.
func (m *Manager) attachLocked(ep *endpoint, conn Conn, gen uint64) {
	ep.conn = conn
	ep.state = StateConnected
	ep.err = nil
	m.wg.Add(1)
	go m.readLoop(ep, conn, gen)
}

func (m *Manager) readLoop(ep *endpoint, conn Conn, gen uint64) {
	defer m.wg.Done()
	ctx := context.Background()

	var readErr error
	for {
		data, err := conn.Read()
		if err != nil {
			readErr = err
			break
		}
		msg, err := wire.Decode(data)
		if err != nil {
			m.count(ctx, func(mt *observability.Metrics) metric.Int64Counter { return mt.RealtimeMessagesDropped }, ep.name)
			if errors.Is(err, wire.ErrUnknownEvent) {
				log.Debug("connection: ignoring event", "endpoint", ep.name, "type", msg.Type())
			} else {
				log.Warn("connection: dropping malformed frame", "endpoint", ep.name, "error", err.Error())
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.RealtimeMessagesReceived.Add(ctx, 1, metric.WithAttributes(
				attribute.String("endpoint", ep.name),
				attribute.String("type", msg.Type()),
			))
		}
		m.inbound(ep.name, msg)
	}
	conn.Close()

	m.mu.Lock()
	if m.gen != gen || m.endpoints[ep.name] != ep || ep.conn != conn {
		m.mu.Unlock()
		return
	}
	ep.conn = nil
	ep.err = readErr
	if m.cfg.Reconnect.MaxAttempts <= 0 {
		ep.state = StateDisconnected
	} else {
		ep.state = StateConnecting
		session := m.sessionLocked()
		token := m.token
		m.wg.Add(1)
		go m.reconnect(session, ep, gen, token)
	}
	snap := ep.snapshot()
	m.mu.Unlock()

	log.Warn("connection: lost", "endpoint", ep.name, "error", readErr.Error())
	m.notify([]Endpoint{snap})
}

func (m *Manager) newBackOff() *backoff.ExponentialBackOff {
	p := m.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier > 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

func (m *Manager) reconnect(session context.Context, ep *endpoint, gen uint64, token string) {
	defer m.wg.Done()

	b := m.newBackOff()
	// Wait before the first attempt so a server that drops everyone is not
	// hit by every client at once.
	t := time.NewTimer(b.NextBackOff())
	select {
	case <-session.Done():
		t.Stop()
		return
	case <-t.C:
	}

	attempt := 0
	conn, err := backoff.Retry(session, func() (Conn, error) {
		attempt++
		m.count(session, func(mt *observability.Metrics) metric.Int64Counter { return mt.RealtimeReconnects }, ep.name)
		dialCtx, cancel := context.WithTimeout(session, m.cfg.DialTimeout)
		defer cancel()
		return m.dialer.Dial(dialCtx, ep.name, token)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.Reconnect.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("connection: reconnect failed", "endpoint", ep.name, "attempt", attempt, "retry_in", next.String(), "error", err.Error())
		}),
	)

	m.mu.Lock()
	if m.gen != gen || m.endpoints[ep.name] != ep || ep.state != StateConnecting {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		ep.state = StateFailed
		ep.err = err
		snap := ep.snapshot()
		m.mu.Unlock()
		log.Error("connection: giving up", "endpoint", ep.name, "attempts", attempt, "error", err.Error())
		m.notify([]Endpoint{snap})
		return
	}
	m.attachLocked(ep, conn, gen)
	snap := ep.snapshot()
	m.mu.Unlock()
	log.Info("connection: reconnected", "endpoint", ep.name, "attempts", attempt)
	m.notify([]Endpoint{snap})
}

// DisconnectAll closes every connection, abandons in-flight dials and
// pending reconnects, and forgets all endpoints. It is idempotent.
func (m *Manager) DisconnectAll() {
	m.mu.Lock()
	m.gen++
	if m.cancel != nil {
		m.cancel()
	}
	m.ctx, m.cancel = nil, nil
	m.token = ""
	var conns []Conn
	var changes []Endpoint
	for _, ep := range m.endpoints {
		if ep.conn != nil {
			conns = append(conns, ep.conn)
			ep.conn = nil
		}
		if ep.state != StateDisconnected {
			ep.state = StateDisconnected
			changes = append(changes, ep.snapshot())
		}
	}
	m.endpoints = make(map[string]*endpoint)
	m.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			log.Debug("connection: close", "error", err.Error())
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })
	m.notify(changes)
}

// Close disconnects everything and waits for background goroutines.
func (m *Manager) Close() {
	m.DisconnectAll()
	m.wg.Wait()
}

// Send encodes msg and queues it on endpoint. It returns false when the
// endpoint is not connected or its queue is full.
func (m *Manager) Send(name string, msg wire.Envelope) bool {
	m.mu.Lock()
	ep, ok := m.endpoints[name]
	if !ok || ep.state != StateConnected || ep.conn == nil {
		m.mu.Unlock()
		return false
	}
	conn := ep.conn
	m.mu.Unlock()

	data, err := wire.Encode(msg)
	if err != nil {
		log.Warn("connection: encode failed", "endpoint", name, "type", msg.Type, "error", err.Error())
		return false
	}
	return conn.Send(data)
}

// ConnectedEndpoints returns the names of connected endpoints, sorted.
func (m *Manager) ConnectedEndpoints() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name, ep := range m.endpoints {
		if ep.state == StateConnected {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Endpoints returns a snapshot of every known endpoint, sorted by name.
func (m *Manager) Endpoints() []Endpoint {
	m.mu.Lock()
	out := make([]Endpoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.snapshot())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reachable reports whether any endpoint is connected or still connecting.
func (m *Manager) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range m.endpoints {
		if ep.state == StateConnected || ep.state == StateConnecting {
			return true
		}
	}
	return false
}

// State returns the state of one endpoint; unknown endpoints are
// disconnected.
func (m *Manager) State(name string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep, ok := m.endpoints[name]; ok {
		return ep.state
	}
	return StateDisconnected
}

func (m *Manager) count(ctx context.Context, pick func(*observability.Metrics) metric.Int64Counter, name string) {
	if m.metrics == nil {
		return
	}
	if c := pick(m.metrics); c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", name)))
	}
}
