package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kioskwatch/pkg/types"
)

func TestIsStale(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		hb   time.Time
		want bool
	}{
		{"missing heartbeat", time.Time{}, true},
		{"fresh", now.Add(-30 * time.Second), false},
		{"exactly at threshold", now.Add(-5 * time.Minute), false},
		{"just past threshold", now.Add(-5*time.Minute - time.Millisecond), true},
		{"future heartbeat", now.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(tt.hb, now, DefaultStaleThreshold))
		})
	}
}

func TestEvaluator(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := NewEvaluator(0, clock)
	assert.Equal(t, DefaultStaleThreshold, e.Threshold)

	s := &types.KioskSession{LastHeartbeat: clock.Now()}
	assert.False(t, e.IsStale(s))

	clock.Advance(5 * time.Minute)
	assert.False(t, e.IsStale(s))
	clock.Advance(time.Second)
	assert.True(t, e.IsStale(s))

	assert.True(t, e.IsStale(nil))
}

func TestEvaluator_View(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(5*time.Minute, clockwork.NewFakeClockAt(now))

	view := e.View(&types.KioskSession{
		KioskID:       "KIOSK-MEGG-1",
		Status:        types.StatusActive,
		StartTime:     now.Add(-2 * time.Hour),
		LastHeartbeat: now.Add(-7 * time.Minute),
	})
	assert.True(t, view.IsStale)
	assert.Equal(t, "2 hours ago", view.ConnectedFor)
	assert.Equal(t, "7 minutes ago", view.LastSeen)

	data, err := json.Marshal(view)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "KIOSK-MEGG-1", raw["kioskId"])
	assert.Equal(t, true, raw["isStale"])
	assert.Equal(t, "2 hours ago", raw["connectedFor"])
}

func TestTimeAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		ago  time.Duration
		want string
	}{
		{0, "Just now"},
		{59 * time.Second, "Just now"},
		{-time.Minute, "Just now"},
		{time.Minute, "1 minute ago"},
		{119 * time.Second, "1 minute ago"},
		{45 * time.Minute, "45 minutes ago"},
		{time.Hour, "1 hour ago"},
		{5 * time.Hour, "5 hours ago"},
		{24 * time.Hour, "1 day ago"},
		{72 * time.Hour, "3 days ago"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TimeAgo(now.Add(-tt.ago), now), "ago=%s", tt.ago)
	}

	assert.Equal(t, "N/A", TimeAgo(time.Time{}, now))
}
