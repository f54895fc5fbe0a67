package interfaces

import (
	"context"

	"kioskwatch/pkg/types"
)

// SessionManager handles the kiosk session lifecycle on behalf of
// kiosk terminals and the dashboard API.
type SessionManager interface {
	// OpenSession upserts an active session for the account's kiosk,
	// copying the display fields into the record.
	OpenSession(ctx context.Context, accountID, userName, userEmail string) (*types.KioskSession, error)

	// Heartbeat stamps the kiosk's liveness timestamp with the current time.
	Heartbeat(ctx context.Context, kioskID string) error

	// EndSession moves an active session to disconnected with the given reason.
	EndSession(ctx context.Context, kioskID string, reason types.DisconnectReason) error

	// GetSession retrieves a session by kiosk id.
	GetSession(ctx context.Context, kioskID string) (*types.KioskSession, error)

	// ListActiveSessions returns active sessions, newest first. An empty
	// accountID lists every account's session.
	ListActiveSessions(ctx context.Context, accountID string) ([]*types.KioskSession, error)
}
