package types

import (
	"net/mail"
	"regexp"
)

// Compiled once at package initialization
var accountIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Validate checks the record against the lifecycle invariants:
// active records carry no disconnect data, disconnected records always do,
// and a disconnect never predates the session start.
func (s *KioskSession) Validate() error {
	if !IsValidKioskID(s.KioskID) {
		return ErrInvalidKioskID
	}

	switch s.Status {
	case StatusActive:
		if s.DisconnectedAt != nil || s.DisconnectedReason != "" {
			return ErrActiveWithDisconnect
		}
	case StatusDisconnected:
		if s.DisconnectedAt == nil {
			return ErrDisconnectedWithoutTime
		}
		if s.DisconnectedAt.Before(s.StartTime) {
			return ErrDisconnectBeforeStart
		}
	default:
		return ErrInvalidStatus
	}

	return nil
}

// IsValidAccountID checks if an account id meets format requirements
// (1-50 characters, alphanumeric plus underscore/hyphen).
func IsValidAccountID(accountID string) bool {
	if len(accountID) < 1 || len(accountID) > 50 {
		return false
	}
	return accountIDRegex.MatchString(accountID)
}

// IsValidKioskID checks that a kiosk id was derived from a valid account id.
func IsValidKioskID(kioskID string) bool {
	accountID, ok := AccountIDFromKioskID(kioskID)
	return ok && IsValidAccountID(accountID)
}

// IsValidEmail accepts an empty string; the display field is optional.
func IsValidEmail(email string) bool {
	if email == "" {
		return true
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// IsValidStatus reports whether s is one of the persisted statuses.
func IsValidStatus(s SessionStatus) bool {
	return s == StatusActive || s == StatusDisconnected
}

// IsValidReason reports whether r is a known disconnect reason.
func IsValidReason(r DisconnectReason) bool {
	switch r {
	case ReasonAutoTimeout, ReasonManualCleanup, ReasonUserLogout:
		return true
	default:
		return false
	}
}
