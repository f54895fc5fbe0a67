package types

import (
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a kiosk session record.
// No values other than the two constants below are ever persisted.
type SessionStatus string

const (
	StatusActive       SessionStatus = "active"
	StatusDisconnected SessionStatus = "disconnected"
)

// DisconnectReason records why a session left the active state.
type DisconnectReason string

const (
	ReasonAutoTimeout   DisconnectReason = "auto-timeout"
	ReasonManualCleanup DisconnectReason = "manual-cleanup"
	ReasonUserLogout    DisconnectReason = "user-logout"
)

// KioskIDPrefix is prepended to an account id to form the kiosk key.
const KioskIDPrefix = "KIOSK-"

// KioskIDFor returns the deterministic kiosk id owned by an account.
// One account maps to exactly one session slot.
func KioskIDFor(accountID string) string {
	return KioskIDPrefix + accountID
}

// AccountIDFromKioskID reverses KioskIDFor.
func AccountIDFromKioskID(kioskID string) (string, bool) {
	if !strings.HasPrefix(kioskID, KioskIDPrefix) {
		return "", false
	}
	accountID := strings.TrimPrefix(kioskID, KioskIDPrefix)
	if accountID == "" {
		return "", false
	}
	return accountID, true
}

// KioskSession is one connection between a physical kiosk and a user account.
// UserName and UserEmail are copied when the session is opened and are never
// re-synced afterwards.
type KioskSession struct {
	KioskID            string           `json:"kioskId"`
	AccountID          string           `json:"accountId"`
	UserName           string           `json:"userName"`
	UserEmail          string           `json:"userEmail"`
	Status             SessionStatus    `json:"status"`
	StartTime          time.Time        `json:"startTime"`
	LastHeartbeat      time.Time        `json:"lastHeartbeat"`
	DisconnectedAt     *time.Time       `json:"disconnectedAt,omitempty"`
	DisconnectedReason DisconnectReason `json:"disconnectedReason,omitempty"`
}

// IsActive reports whether the session is in the active state.
func (s *KioskSession) IsActive() bool {
	return s != nil && s.Status == StatusActive
}

// SessionFields is a partial set of columns for an upsert. Nil pointers leave
// the stored value untouched. ClearDisconnect nulls the disconnect columns and
// wins over DisconnectedAt/DisconnectedReason.
type SessionFields struct {
	AccountID          *string
	UserName           *string
	UserEmail          *string
	Status             *SessionStatus
	StartTime          *time.Time
	LastHeartbeat      *time.Time
	DisconnectedAt     *time.Time
	DisconnectedReason *DisconnectReason
	ClearDisconnect    bool
}

// IsEmpty reports whether no column would be written.
func (f SessionFields) IsEmpty() bool {
	return f.AccountID == nil && f.UserName == nil && f.UserEmail == nil &&
		f.Status == nil && f.StartTime == nil && f.LastHeartbeat == nil &&
		f.DisconnectedAt == nil && f.DisconnectedReason == nil && !f.ClearDisconnect
}

// SessionQuery is a compound predicate over kiosk sessions.
// Zero values mean "no constraint".
type SessionQuery struct {
	Status           SessionStatus
	AccountID        string
	HeartbeatBefore  time.Time
	OrderByStartDesc bool
	Limit            int
}

// WriteOpKind selects the mutation performed by a WriteOp.
type WriteOpKind string

const (
	OpUpdate WriteOpKind = "update"
	OpDelete WriteOpKind = "delete"
)

// WriteOp is one mutation inside an atomic batch. When RequireStatus is set
// the op only applies to a record currently in that status; otherwise it is
// skipped without failing the batch.
type WriteOp struct {
	Kind          WriteOpKind
	KioskID       string
	Fields        SessionFields
	RequireStatus SessionStatus
}

// SessionStats is a point-in-time count of session records.
type SessionStats struct {
	Total        int       `json:"total"`
	Active       int       `json:"active"`
	Stale        int       `json:"stale"`
	Disconnected int       `json:"disconnected"`
	Timestamp    time.Time `json:"timestamp"`
}

// CleanupResult summarizes a manual reconciliation run.
type CleanupResult struct {
	StaleDisconnected int      `json:"staleDisconnected"`
	OldDeleted        int      `json:"oldDeleted"`
	Errors            []string `json:"errors"`
}

// Ref returns a pointer to v. Used to build SessionFields literals.
func Ref[T any](v T) *T {
	return &v
}
