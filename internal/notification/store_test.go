package notification

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func note(id string) Notification {
	n := Notification{ID: id, Title: "t-" + id, Message: "m-" + id}
	n.Normalize(baseTime)
	return n
}

func countUnread(list []Notification) int {
	n := 0
	for _, x := range list {
		if !x.Read {
			n++
		}
	}
	return n
}

func TestAddPrependsMostRecentFirst(t *testing.T) {
	s := NewStore(0)
	s.Add(note("a"))
	s.Add(note("b"))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, 2, s.UnreadCount())
}

func TestAddUpsertsInPlace(t *testing.T) {
	s := NewStore(0)
	s.Add(note("a"))
	s.Add(note("b"))

	updated := note("a")
	updated.Title = "changed"
	assert.False(t, s.Add(updated))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[1].ID)
	assert.Equal(t, "changed", list[1].Title)
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewStore(50)
	for i := 0; i < 60; i++ {
		s.Add(note(fmt.Sprintf("n%02d", i)))
	}

	list := s.List()
	require.Len(t, list, 50)
	assert.Equal(t, "n59", list[0].ID)
	assert.Equal(t, "n10", list[49].ID)

	seen := map[string]bool{}
	for _, n := range list {
		assert.False(t, seen[n.ID], "duplicate %s", n.ID)
		seen[n.ID] = true
	}
	_, ok := s.Get("n09")
	assert.False(t, ok)
	assert.Equal(t, 50, s.UnreadCount())
}

func TestMarkAsRead(t *testing.T) {
	s := NewStore(0)
	s.Add(note("a"))

	assert.True(t, s.MarkAsRead("a"))
	assert.False(t, s.MarkAsRead("a"))
	assert.False(t, s.MarkAsRead("missing"))
	assert.Equal(t, 0, s.UnreadCount())

	n, _ := s.Get("a")
	assert.Equal(t, StatusRead, n.Status)
}

func TestMarkAsReadKeepsFailedStatus(t *testing.T) {
	s := NewStore(0)
	n := note("a")
	n.Status = StatusFailed
	s.Add(n)

	require.True(t, s.MarkAsRead("a"))
	got, _ := s.Get("a")
	assert.True(t, got.Read)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestMarkAllAsReadIdempotent(t *testing.T) {
	s := NewStore(0)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(note(id))
	}
	s.MarkAsRead("b")

	assert.Equal(t, 2, s.MarkAllAsRead())
	first := s.List()
	assert.Equal(t, 0, s.MarkAllAsRead())
	assert.Equal(t, first, s.List())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestRemoveAndRestore(t *testing.T) {
	s := NewStore(0)
	for _, id := range []string{"a", "b", "c"} {
		s.Add(note(id))
	}

	n, idx, ok := s.Remove("b")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 2, s.UnreadCount())

	_, _, ok = s.Remove("b")
	assert.False(t, ok)

	assert.True(t, s.Restore(n, idx))
	assert.False(t, s.Restore(n, idx))
	assert.Equal(t, []string{"c", "b", "a"}, ids(s.List()))
	assert.Equal(t, 3, s.UnreadCount())
}

func TestRestoreEvictsWhenFull(t *testing.T) {
	s := NewStore(2)
	s.Add(note("a"))
	s.Add(note("b"))

	n, idx, ok := s.Remove("b")
	require.True(t, ok)
	s.Add(note("c"))
	s.Add(note("d"))

	assert.True(t, s.Restore(n, idx))
	assert.Equal(t, []string{"b", "d"}, ids(s.List()))

	// An index past the end still keeps the restored entry.
	a := note("a")
	assert.True(t, s.Restore(a, 5))
	assert.Equal(t, []string{"b", "a"}, ids(s.List()))
}

func TestClearAll(t *testing.T) {
	s := NewStore(0)
	s.Add(note("a"))
	s.Add(note("b"))

	old := s.ClearAll()
	assert.Len(t, old, 2)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestReplaceDedupesAndCaps(t *testing.T) {
	s := NewStore(2)
	s.Replace([]Notification{note("a"), note("a"), note("b"), note("c")})

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b", list[1].ID)
}

func TestTransition(t *testing.T) {
	s := NewStore(0)
	n := note("a")
	n.Status = StatusPending
	s.Add(n)

	require.NoError(t, s.Transition("a", StatusSent))
	require.NoError(t, s.Transition("a", StatusSent))
	assert.ErrorIs(t, s.Transition("a", StatusPending), ErrInvalidTransition)
	require.NoError(t, s.Transition("a", StatusDelivered))
	require.NoError(t, s.Transition("a", StatusRead))

	got, _ := s.Get("a")
	assert.True(t, got.Read)
	assert.Equal(t, 0, s.UnreadCount())

	assert.ErrorIs(t, s.Transition("a", StatusFailed), ErrInvalidTransition)
	assert.ErrorIs(t, s.Transition("missing", StatusSent), ErrNotFound)
}

func TestFailedReachableFromNonTerminal(t *testing.T) {
	for _, from := range []Status{StatusPending, StatusSent, StatusDelivered} {
		assert.True(t, from.CanTransition(StatusFailed), from)
	}
	assert.False(t, StatusRead.CanTransition(StatusFailed))
	assert.False(t, StatusFailed.CanTransition(StatusRead))
}

func TestOnChangeReportsUnread(t *testing.T) {
	s := NewStore(0)
	var got []int
	s.OnChange(func(unread int) { got = append(got, unread) })

	s.Add(note("a"))
	s.Add(note("b"))
	s.MarkAsRead("a")
	s.MarkAllAsRead()
	s.MarkAllAsRead()

	assert.Equal(t, []int{1, 2, 1, 0}, got)
}

func TestUnreadCountMatchesListUnderRandomOps(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	s := NewStore(20)

	for step := 0; step < 2000; step++ {
		id := fmt.Sprintf("n%d", rng.Intn(40))
		switch rng.Intn(5) {
		case 0, 1:
			n := note(id)
			n.Read = rng.Intn(4) == 0
			s.Add(n)
		case 2:
			s.MarkAsRead(id)
		case 3:
			if rng.Intn(10) == 0 {
				s.MarkAllAsRead()
			}
		case 4:
			s.Remove(id)
		}

		list := s.List()
		require.Equal(t, countUnread(list), s.UnreadCount(), "step %d", step)
		require.GreaterOrEqual(t, s.UnreadCount(), 0)
		require.LessOrEqual(t, len(list), 20)
	}
}
