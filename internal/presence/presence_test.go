package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markb/rentrt/internal/registry"
	"github.com/markb/rentrt/internal/wire"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestTracker() *Tracker {
	tr := NewTracker()
	tr.now = func() time.Time { return fixedNow }
	return tr
}

func decode(t *testing.T, raw string) wire.Message {
	t.Helper()
	msg, err := wire.Decode([]byte(raw))
	require.NoError(t, err)
	return msg
}

func TestBulkThenOfflineKeepsName(t *testing.T) {
	tr := newTestTracker()

	require.NoError(t, tr.Apply(decode(t, `{"type":"bulk_user_status","data":[{"id":"u1","is_online":true,"user_name":"Ana"}]}`).Event))
	rec, ok := tr.UserStatus("u1")
	require.True(t, ok)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, StatusOnline, rec.Status)

	require.NoError(t, tr.Apply(&wire.UserOffline{UserID: "u1"}))
	rec, _ = tr.UserStatus("u1")
	assert.False(t, rec.IsOnline)
	assert.Equal(t, "Ana", rec.UserName)
	assert.Equal(t, StatusOffline, rec.Status)
	assert.Equal(t, fixedNow, rec.LastSeen)
}

func TestBulkOverwritesLocalState(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", UserName: "Ana", Status: "busy", CustomMessage: "showing a flat"}))

	require.NoError(t, tr.Apply(&wire.BulkUserStatus{Users: []wire.UserStatusEntry{{UserID: "u1", IsOnline: false}}}))

	rec, _ := tr.UserStatus("u1")
	assert.Equal(t, Record{UserID: "u1", Status: StatusOffline, LastSeen: fixedNow}, rec)
}

func TestBulkLeavesOtherUsers(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u2", UserName: "Bo"}))
	require.NoError(t, tr.Apply(&wire.BulkUserStatus{Users: []wire.UserStatusEntry{{UserID: "u1", IsOnline: true}}}))

	assert.True(t, tr.IsOnline("u2"))
	assert.Equal(t, 2, tr.Len())
}

func TestStatusUpdateDoesNotFlipOnline(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u1"}))

	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", Status: "away", CustomMessage: "lunch"}))
	rec, _ := tr.UserStatus("u1")
	assert.True(t, rec.IsOnline)
	assert.Equal(t, StatusAway, rec.Status)
	assert.Equal(t, "lunch", rec.CustomMessage)

	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", Status: "offline"}))
	rec, _ = tr.UserStatus("u1")
	assert.False(t, rec.IsOnline)
}

func TestStatusUpdateExplicitOffline(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u1"}))

	off := false
	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", Status: "busy", IsOnline: &off}))
	rec, _ := tr.UserStatus("u1")
	assert.False(t, rec.IsOnline)
	assert.Equal(t, StatusOffline, rec.Status)
}

func TestStatusUpdateForUnknownUser(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", Status: "busy"}))
	rec, ok := tr.UserStatus("u1")
	require.True(t, ok)
	assert.False(t, rec.IsOnline)
	assert.Equal(t, StatusBusy, rec.Status)
	assert.False(t, tr.IsOnline("u1"))

	on := true
	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u2", Status: "away", IsOnline: &on}))
	assert.True(t, tr.IsOnline("u2"))
}

func TestReconnectKeepsAway(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserStatusUpdate{UserID: "u1", Status: "away"}))
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u1"}))

	rec, _ := tr.UserStatus("u1")
	assert.Equal(t, StatusAway, rec.Status)
}

func TestLastWriteWins(t *testing.T) {
	tr := newTestTracker()
	early := fixedNow.Add(-time.Hour)
	require.NoError(t, tr.Apply(&wire.UserOffline{UserID: "u1", LastSeen: wire.Time{Time: fixedNow}}))
	// Arrival order wins even when the event carries an older timestamp.
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u1", LastSeen: wire.Time{Time: early}}))

	rec, _ := tr.UserStatus("u1")
	assert.True(t, rec.IsOnline)
	assert.Equal(t, early, rec.LastSeen)
}

func TestOnlineUsersSortedByID(t *testing.T) {
	tr := newTestTracker()
	for _, id := range []string{"u3", "u1", "u2", "u4"} {
		require.NoError(t, tr.Apply(&wire.UserOnline{UserID: id}))
	}
	require.NoError(t, tr.Apply(&wire.UserOffline{UserID: "u2"}))

	var ids []string
	for _, r := range tr.OnlineUsers() {
		ids = append(ids, r.UserID)
	}
	assert.Equal(t, []string{"u1", "u3", "u4"}, ids)
	assert.Len(t, tr.All(), 4)
}

func TestUnexpectedEvent(t *testing.T) {
	tr := newTestTracker()
	assert.Error(t, tr.Apply(&wire.Error{Message: "x"}))
}

func TestClear(t *testing.T) {
	tr := newTestTracker()
	require.NoError(t, tr.Apply(&wire.UserOnline{UserID: "u1"}))
	tr.Clear()

	_, ok := tr.UserStatus("u1")
	assert.False(t, ok)
	assert.Empty(t, tr.OnlineUsers())
}

func TestRegisterAndListeners(t *testing.T) {
	reg := registry.New()
	reg.Enable()
	tr := newTestTracker()

	var seen []string
	tr.OnChange(func(r Record) { seen = append(seen, r.UserID) })
	unsub := tr.Register(reg)

	reg.Dispatch(context.Background(), decode(t, `{"type":"user_online","data":{"user_id":"u9","user_name":"Cy"}}`))
	assert.True(t, tr.IsOnline("u9"))
	assert.Equal(t, []string{"u9"}, seen)

	unsub()
	reg.Dispatch(context.Background(), decode(t, `{"type":"user_offline","data":{"user_id":"u9"}}`))
	assert.True(t, tr.IsOnline("u9"))
}
