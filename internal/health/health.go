// Package health samples the connection manager and publishes a summary
// whenever connectivity changes.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/markb/rentrt/internal/connection"
	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/observability"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 5 * time.Second

// State is the aggregate connectivity.
type State string

const (
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
	StateDisconnected State = "disconnected"
)

// Status is one health sample.
type Status struct {
	State              State     `json:"state"`
	ActiveConnections  int       `json:"active_connections"`
	ConnectedEndpoints []string  `json:"connected_endpoints"`
	Failed             []string  `json:"failed,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// AnyConnected reports whether at least one endpoint is up.
func (s Status) AnyConnected() bool {
	return s.ActiveConnections > 0
}

// Source is what the monitor observes.
type Source interface {
	Endpoints() []connection.Endpoint
}

// Monitor polls a Source at a fixed interval.
type Monitor struct {
	source   Source
	interval time.Duration
	metrics  *observability.Metrics
	now      func() time.Time

	mu        sync.Mutex
	latest    Status
	sampled   bool
	listeners []func(Status)
}

// NewMonitor creates a monitor. A non-positive interval uses
// DefaultInterval; metrics may be nil.
func NewMonitor(source Source, interval time.Duration, metrics *observability.Metrics) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		source:   source,
		interval: interval,
		metrics:  metrics,
		now:      time.Now,
		latest:   Status{State: StateDisconnected},
	}
}

// OnChange registers fn to receive published samples.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Run samples immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample takes one reading. Listeners are told only when the connected
// count or the anything-connected flag differs from the previous reading;
// the first reading is always published.
func (m *Monitor) Sample() Status {
	st := summarize(m.source.Endpoints(), m.now())

	if m.metrics != nil {
		m.metrics.RealtimeConnectedEndpoints.Record(context.Background(), int64(st.ActiveConnections))
	}

	m.mu.Lock()
	prev, sampled := m.latest, m.sampled
	m.latest, m.sampled = st, true
	listeners := m.listeners
	m.mu.Unlock()

	if sampled && prev.AnyConnected() == st.AnyConnected() && prev.ActiveConnections == st.ActiveConnections {
		return st
	}
	log.Info("health: connectivity changed",
		"state", string(st.State),
		"active", st.ActiveConnections,
		"connected", st.ConnectedEndpoints,
	)
	for _, fn := range listeners {
		fn(st)
	}
	return st
}

// Latest returns the most recent sample.
func (m *Monitor) Latest() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Reset forgets the previous sample so the next one is published.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latest = Status{State: StateDisconnected}
	m.sampled = false
}

func summarize(eps []connection.Endpoint, now time.Time) Status {
	st := Status{CheckedAt: now, ConnectedEndpoints: []string{}}
	for _, ep := range eps {
		switch ep.State {
		case connection.StateConnected:
			st.ConnectedEndpoints = append(st.ConnectedEndpoints, ep.Name)
		case connection.StateFailed:
			st.Failed = append(st.Failed, ep.Name)
		}
	}
	st.ActiveConnections = len(st.ConnectedEndpoints)
	switch {
	case st.ActiveConnections == 0:
		st.State = StateDisconnected
	case st.ActiveConnections < len(eps) || len(st.Failed) > 0:
		st.State = StateDegraded
	default:
		st.State = StateConnected
	}
	return st
}
