package notification

import (
	"errors"
	"fmt"
	"sync"
)

// DefaultCapacity is the number of notifications kept when none is configured.
const DefaultCapacity = 50

var (
	// ErrNotFound is returned for an ID that is not in the store.
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidTransition is returned when a status change breaks the
	// delivery state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is a bounded, most-recent-first notification list. The unread count
// is recomputed from the list after every mutation.
type Store struct {
	mu       sync.RWMutex
	items    []Notification
	unread   int
	capacity int
	prefs    Preferences

	listeners []func(unread int)
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		prefs:    DefaultPreferences(),
	}
}

// OnChange registers fn to receive the unread count after every mutation
// that changed the list.
func (s *Store) OnChange(fn func(unread int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// commit recomputes the unread count and releases the lock before telling
// listeners. Callers hold s.mu.
func (s *Store) commit() {
	n := 0
	for i := range s.items {
		if !s.items[i].Read {
			n++
		}
	}
	s.unread = n
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(n)
	}
}

func (s *Store) indexLocked(id string) int {
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Add prepends n, or replaces the entry with the same ID in place. Entries
// beyond capacity are evicted from the tail. It reports whether n was new.
func (s *Store) Add(n Notification) bool {
	s.mu.Lock()
	if i := s.indexLocked(n.ID); i >= 0 {
		s.items[i] = n
		s.commit()
		return false
	}
	items := make([]Notification, 0, min(len(s.items)+1, s.capacity))
	items = append(items, n)
	items = append(items, s.items[:min(len(s.items), s.capacity-1)]...)
	s.items = items
	s.commit()
	return true
}

// Replace swaps the whole list, as loaded from the server. Duplicate IDs
// keep their first occurrence.
func (s *Store) Replace(list []Notification) {
	seen := make(map[string]bool, len(list))
	items := make([]Notification, 0, min(len(list), s.capacity))
	for _, n := range list {
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		items = append(items, n)
		if len(items) == s.capacity {
			break
		}
	}

	s.mu.Lock()
	s.items = items
	s.commit()
}

// MarkAsRead marks one entry read and reports whether anything changed.
// A non-terminal status moves to read along with the flag.
func (s *Store) MarkAsRead(id string) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || s.items[i].Read {
		s.mu.Unlock()
		return false
	}
	s.items[i].Read = true
	if !s.items[i].Status.Terminal() {
		s.items[i].Status = StatusRead
	}
	s.commit()
	return true
}

// MarkAllAsRead marks every entry read and returns how many changed.
func (s *Store) MarkAllAsRead() int {
	s.mu.Lock()
	changed := 0
	for i := range s.items {
		if s.items[i].Read {
			continue
		}
		s.items[i].Read = true
		if !s.items[i].Status.Terminal() {
			s.items[i].Status = StatusRead
		}
		changed++
	}
	if changed == 0 {
		s.mu.Unlock()
		return 0
	}
	s.commit()
	return changed
}

// SetRead forces the read flag and status of one entry. It exists to roll
// back optimistic updates.
func (s *Store) SetRead(id string, read bool, status Status) bool {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.items[i].Read = read
	s.items[i].Status = status
	s.commit()
	return true
}

// Transition moves one entry along the delivery state machine.
func (s *Store) Transition(id string, next Status) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cur := s.items[i].Status
	if cur == next {
		s.mu.Unlock()
		return nil
	}
	if !cur.CanTransition(next) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur, next)
	}
	s.items[i].Status = next
	if next == StatusRead {
		s.items[i].Read = true
	}
	s.commit()
	return nil
}

// Remove deletes one entry and returns it with its former index.
func (s *Store) Remove(id string) (Notification, int, bool) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Notification{}, -1, false
	}
	n := s.items[i]
	items := make([]Notification, 0, len(s.items)-1)
	items = append(items, s.items[:i]...)
	items = append(items, s.items[i+1:]...)
	s.items = items
	s.commit()
	return n, i, true
}

// Restore reinserts n at index, clamped to the list bounds, evicting from the
// tail when the list is full. It does nothing if an entry with the same ID
// has arrived in the meantime.
func (s *Store) Restore(n Notification, index int) bool {
	s.mu.Lock()
	if s.indexLocked(n.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	index = max(0, min(index, len(s.items), s.capacity-1))
	items := make([]Notification, 0, len(s.items)+1)
	items = append(items, s.items[:index]...)
	items = append(items, n)
	items = append(items, s.items[index:]...)
	if len(items) > s.capacity {
		items = items[:s.capacity]
	}
	s.items = items
	s.commit()
	return true
}

// RestoreAll puts back entries removed by ClearAll. Entries that arrived
// since stay in front; restored ones keep their order and the list is
// trimmed to capacity.
func (s *Store) RestoreAll(old []Notification) {
	s.mu.Lock()
	items := make([]Notification, 0, len(s.items)+len(old))
	items = append(items, s.items...)
	for _, n := range old {
		if s.indexLocked(n.ID) < 0 {
			items = append(items, n)
		}
	}
	if len(items) > s.capacity {
		items = items[:s.capacity]
	}
	s.items = items
	s.commit()
}

// ClearAll empties the store and returns what it held.
func (s *Store) ClearAll() []Notification {
	s.mu.Lock()
	old := s.items
	s.items = nil
	s.commit()
	return old
}

// List returns a copy of the entries, most recent first.
func (s *Store) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, len(s.items))
	copy(out, s.items)
	return out
}

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.items[i], true
	}
	return Notification{}, false
}

// UnreadCount returns the number of unread entries.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Capacity returns the maximum number of entries.
func (s *Store) Capacity() int {
	return s.capacity
}

// Preferences returns a copy of the cached preferences.
func (s *Store) Preferences() Preferences {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prefs.Clone()
}

// SetPreferences replaces the cached preferences.
func (s *Store) SetPreferences(p Preferences) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs = p.Clone()
}
