package session

import (
	"errors"

	"kioskwatch/pkg/interfaces"
	"kioskwatch/pkg/types"
)

// Session management error types
var (
	ErrInvalidAccountID    = types.ErrInvalidAccountID
	ErrInvalidKioskID      = types.ErrInvalidKioskID
	ErrInvalidEmail        = types.ErrInvalidEmail
	ErrInvalidReason       = types.ErrInvalidReason
	ErrInvalidUserName     = errors.New("user name must be at most 200 characters")
	ErrSessionNotFound     = interfaces.ErrSessionNotFound
	ErrSessionAlreadyEnded = interfaces.ErrSessionAlreadyEnded
)
