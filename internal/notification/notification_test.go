package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/markb/rentrt/internal/wire"
)

func at(hhmm string) time.Time {
	t, _ := time.Parse("15:04", hhmm)
	return t
}

func TestQuietHoursContains(t *testing.T) {
	tests := []struct {
		name  string
		q     QuietHours
		t     string
		quiet bool
	}{
		{"same day inside", QuietHours{Enabled: true, Start: "13:00", End: "14:00"}, "13:30", true},
		{"same day end exclusive", QuietHours{Enabled: true, Start: "13:00", End: "14:00"}, "14:00", false},
		{"overnight late", QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, "23:15", true},
		{"overnight early", QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, "06:59", true},
		{"overnight outside", QuietHours{Enabled: true, Start: "22:00", End: "07:00"}, "12:00", false},
		{"disabled", QuietHours{Start: "00:00", End: "23:59"}, "12:00", false},
		{"empty window", QuietHours{Enabled: true, Start: "08:00", End: "08:00"}, "08:00", false},
		{"invalid", QuietHours{Enabled: true, Start: "8am", End: "09:00"}, "08:30", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.quiet, tt.q.Contains(at(tt.t)))
		})
	}
}

func TestQuietHoursValidate(t *testing.T) {
	assert.NoError(t, QuietHours{Start: "22:00", End: "07:30"}.Validate())
	assert.Error(t, QuietHours{Start: "22:00", End: "7:30pm"}.Validate())
	assert.Error(t, QuietHours{Start: "", End: "07:30"}.Validate())
}

func TestPreferencesMissingKeysEnabled(t *testing.T) {
	var p Preferences
	assert.True(t, p.CategoryEnabled(TypeRating))
	assert.True(t, p.ChannelEnabled(ChannelSMS))

	p = DefaultPreferences()
	p.Categories[TypeRating] = false
	clone := p.Clone()
	clone.Categories[TypeRating] = true
	assert.False(t, p.CategoryEnabled(TypeRating))
}

func TestFromPayloadDefaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := FromPayload(wire.NotificationPayload{ID: "n1", Title: "a", Message: "b", Status: "sent"}, now)

	assert.Equal(t, TypeSystem, n.Type)
	assert.Equal(t, PriorityNormal, n.Priority)
	assert.Equal(t, StatusDelivered, n.Status)
	assert.Equal(t, ChannelInApp, n.Channel)
	assert.Equal(t, now, n.Timestamp)

	back := n.Payload()
	assert.Equal(t, "n1", back.ID)
	assert.Equal(t, "delivered", back.Status)
}

func TestDesktopAlertFor(t *testing.T) {
	assert.True(t, DesktopAlertFor(Notification{Priority: PriorityCritical}).RequireInteraction)
	assert.True(t, DesktopAlertFor(Notification{Priority: PriorityLow}).Silent)
	a := DesktopAlertFor(Notification{Priority: PriorityHigh})
	assert.False(t, a.RequireInteraction)
	assert.False(t, a.Silent)
}
