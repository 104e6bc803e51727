// Package registry dispatches inbound real-time messages to subscribers.
//
// Handlers are stored as handles that are tombstoned on unsubscribe rather
// than removed from the list, and every dispatch iterates over a snapshot of
// the list taken before the first handler runs. A handler may therefore
// subscribe or unsubscribe (itself or others) while a dispatch is in flight.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/markb/rentrt/internal/log"
	"github.com/markb/rentrt/internal/wire"
)

// Wildcard subscribers receive every event type, after the type's own
// subscribers.
const Wildcard = "*"

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg wire.Message) error

// DispatchError describes a handler that failed or panicked.
type DispatchError struct {
	EventType string
	HandlerID uint64
	Err       error
	Panic     any
}

func (e *DispatchError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("handler %d for %s panicked: %v", e.HandlerID, e.EventType, e.Panic)
	}
	return fmt.Sprintf("handler %d for %s: %v", e.HandlerID, e.EventType, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Subscription is a registered handler. It is only ever tombstoned.
type Subscription struct {
	eventType string
	id        uint64
	handler   Handler
	active    atomic.Bool
}

// Stats reports registry counters for the current session.
type Stats struct {
	Dispatched uint64         `json:"dispatched"`
	Failed     uint64         `json:"failed"`
	Handlers   map[string]int `json:"handlers"`
}

// Registry maps event types to ordered handler lists.
type Registry struct {
	mu       sync.Mutex
	enabled  bool
	handlers map[string][]*Subscription
	dead     map[string]int // tombstones per event type
	nextID   uint64

	dispatched atomic.Uint64
	failed     atomic.Uint64

	// OnError observes every DispatchError after it is logged.
	OnError func(*DispatchError)
}

// New creates a disabled registry.
func New() *Registry {
	return &Registry{
		handlers: make(map[string][]*Subscription),
		dead:     make(map[string]int),
	}
}

// Enable allows subscriptions and dispatch.
func (r *Registry) Enable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = true
}

// Disable tombstones every subscription, resets counters and turns
// Subscribe into a no-op until the next Enable.
func (r *Registry) Disable() {
	r.mu.Lock()
	for _, subs := range r.handlers {
		for _, s := range subs {
			s.active.Store(false)
		}
	}
	r.handlers = make(map[string][]*Subscription)
	r.dead = make(map[string]int)
	r.enabled = false
	r.mu.Unlock()

	r.dispatched.Store(0)
	r.failed.Store(0)
}

// Enabled reports whether the registry accepts subscriptions.
func (r *Registry) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Subscribe registers h for eventType and returns its unsubscribe function.
// On a disabled registry nothing is registered and the returned function
// does nothing. Unsubscribe is idempotent.
func (r *Registry) Subscribe(eventType string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled || h == nil {
		return func() {}
	}

	r.nextID++
	sub := &Subscription{eventType: eventType, id: r.nextID, handler: h}
	sub.active.Store(true)

	r.compactLocked(eventType)
	r.handlers[eventType] = append(r.handlers[eventType], sub)

	return func() { r.unsubscribe(sub) }
}

func (r *Registry) unsubscribe(sub *Subscription) {
	if !sub.active.CompareAndSwap(true, false) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// The list may already have been reset by Disable.
	for _, s := range r.handlers[sub.eventType] {
		if s == sub {
			r.dead[sub.eventType]++
			return
		}
	}
}

// compactLocked replaces a list that is mostly tombstones with a fresh
// slice. Snapshots held by in-flight dispatches keep the old backing array.
func (r *Registry) compactLocked(eventType string) {
	subs := r.handlers[eventType]
	if r.dead[eventType] == 0 || r.dead[eventType]*2 < len(subs) {
		return
	}
	live := make([]*Subscription, 0, len(subs)-r.dead[eventType])
	for _, s := range subs {
		if s.active.Load() {
			live = append(live, s)
		}
	}
	r.handlers[eventType] = live
	r.dead[eventType] = 0
}

// Dispatch delivers msg to every live subscriber of its type, then to
// wildcard subscribers. Handler failures are isolated and logged.
func (r *Registry) Dispatch(ctx context.Context, msg wire.Message) {
	eventType := msg.Type()

	r.mu.Lock()
	if !r.enabled {
		r.mu.Unlock()
		log.Debug("registry: dispatch while disabled", "type", eventType)
		return
	}
	typed := r.handlers[eventType]
	var wild []*Subscription
	if eventType != Wildcard {
		wild = r.handlers[Wildcard]
	}
	// Capacity-limited copies: appends made during dispatch never reach
	// this iteration.
	snapshot := make([]*Subscription, 0, len(typed)+len(wild))
	snapshot = append(snapshot, typed...)
	snapshot = append(snapshot, wild...)
	r.mu.Unlock()

	r.dispatched.Add(1)
	for _, sub := range snapshot {
		if !sub.active.Load() {
			continue
		}
		if derr := r.invoke(ctx, sub, msg); derr != nil {
			r.failed.Add(1)
			log.Warn("registry: handler failed", "type", eventType, "handler", sub.id, "error", derr.Error())
			if r.OnError != nil {
				r.OnError(derr)
			}
		}
	}
}

func (r *Registry) invoke(ctx context.Context, sub *Subscription, msg wire.Message) (derr *DispatchError) {
	defer func() {
		if p := recover(); p != nil {
			derr = &DispatchError{EventType: msg.Type(), HandlerID: sub.id, Panic: p}
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		return &DispatchError{EventType: msg.Type(), HandlerID: sub.id, Err: err}
	}
	return nil
}

// Stats returns a snapshot of counters and live handler counts.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[string]int, len(r.handlers))
	for t, subs := range r.handlers {
		n := 0
		for _, s := range subs {
			if s.active.Load() {
				n++
			}
		}
		if n > 0 {
			counts[t] = n
		}
	}
	return Stats{
		Dispatched: r.dispatched.Load(),
		Failed:     r.failed.Load(),
		Handlers:   counts,
	}
}
