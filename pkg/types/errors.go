package types

import "errors"

var (
	ErrInvalidAccountID        = errors.New("account ID must be 1-50 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidKioskID          = errors.New("kiosk ID must be KIOSK-<accountId>")
	ErrInvalidEmail            = errors.New("invalid user email")
	ErrInvalidStatus           = errors.New("status must be 'active' or 'disconnected'")
	ErrInvalidReason           = errors.New("unknown disconnect reason")
	ErrActiveWithDisconnect    = errors.New("active session must not carry disconnect data")
	ErrDisconnectedWithoutTime = errors.New("disconnected session must have disconnectedAt")
	ErrDisconnectBeforeStart   = errors.New("disconnectedAt precedes startTime")
)
