package presence

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"kioskwatch/pkg/types"
)

// DefaultStaleThreshold is the display threshold for a kiosk that missed
// several heartbeats. Auto-disconnect uses a larger window.
const DefaultStaleThreshold = 5 * time.Minute

// IsStale reports whether a heartbeat is too old to trust. A zero heartbeat
// is always stale; otherwise the age must strictly exceed threshold.
func IsStale(lastHeartbeat, now time.Time, threshold time.Duration) bool {
	if lastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(lastHeartbeat) > threshold
}

// Evaluator binds a threshold to a clock.
type Evaluator struct {
	Threshold time.Duration
	Clock     clockwork.Clock
}

// NewEvaluator returns an evaluator. A nil clock uses the real clock and a
// non-positive threshold uses DefaultStaleThreshold.
func NewEvaluator(threshold time.Duration, clock clockwork.Clock) *Evaluator {
	if threshold <= 0 {
		threshold = DefaultStaleThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Evaluator{Threshold: threshold, Clock: clock}
}

// IsStale evaluates a session against the current time. Nil is stale.
func (e *Evaluator) IsStale(s *types.KioskSession) bool {
	if s == nil {
		return true
	}
	return IsStale(s.LastHeartbeat, e.Clock.Now(), e.Threshold)
}

// SessionView is a session enriched with display fields for dashboards.
type SessionView struct {
	*types.KioskSession
	IsStale      bool   `json:"isStale"`
	ConnectedFor string `json:"connectedFor"`
	LastSeen     string `json:"lastSeen"`
}

// View enriches one session at the evaluator's current time.
func (e *Evaluator) View(s *types.KioskSession) SessionView {
	now := e.Clock.Now()
	return SessionView{
		KioskSession: s,
		IsStale:      IsStale(s.LastHeartbeat, now, e.Threshold),
		ConnectedFor: TimeAgo(s.StartTime, now),
		LastSeen:     TimeAgo(s.LastHeartbeat, now),
	}
}

// Views enriches a list, preserving order.
func (e *Evaluator) Views(sessions []*types.KioskSession) []SessionView {
	views := make([]SessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, e.View(s))
	}
	return views
}

// TimeAgo renders the age of t the way the dashboard shows it.
func TimeAgo(t, now time.Time) string {
	if t.IsZero() {
		return "N/A"
	}

	minutes := int(now.Sub(t) / time.Minute)
	switch {
	case minutes < 1:
		return "Just now"
	case minutes == 1:
		return "1 minute ago"
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", minutes)
	}

	hours := minutes / 60
	switch {
	case hours == 1:
		return "1 hour ago"
	case hours < 24:
		return fmt.Sprintf("%d hours ago", hours)
	}

	days := hours / 24
	if days == 1 {
		return "1 day ago"
	}
	return fmt.Sprintf("%d days ago", days)
}
