package interfaces

import (
	"context"
	"time"

	"kioskwatch/pkg/types"
)

// SessionStore is the document-store contract the presence core depends on.
// One record per kiosk id; every write is an upsert or a guarded batch op.
type SessionStore interface {
	// GetSession returns ErrSessionNotFound when no record exists for kioskID.
	GetSession(ctx context.Context, kioskID string) (*types.KioskSession, error)

	// UpsertSession merges the non-nil fields into the record, creating it
	// when absent.
	UpsertSession(ctx context.Context, kioskID string, fields types.SessionFields) error

	// RecordHeartbeat atomically stamps a liveness timestamp. A missing or
	// disconnected record becomes a fresh active record at the same key;
	// an active record only ever moves its heartbeat forward.
	RecordHeartbeat(ctx context.Context, kioskID, accountID string, at time.Time) error

	// QuerySessions returns records matching every non-zero predicate.
	QuerySessions(ctx context.Context, q types.SessionQuery) ([]*types.KioskSession, error)

	// CountSessions counts records matching every non-zero predicate.
	CountSessions(ctx context.Context, q types.SessionQuery) (int, error)

	// BatchWrite applies all ops in one transaction and returns how many
	// records were changed. Either every applicable op commits or none does.
	BatchWrite(ctx context.Context, ops []types.WriteOp) (int, error)

	// DeleteSession removes the record. Deleting a missing record is not an error.
	DeleteSession(ctx context.Context, kioskID string) error

	// HealthCheck verifies connectivity and schema.
	HealthCheck(ctx context.Context) error

	// Close releases the underlying connection pool.
	Close() error
}
