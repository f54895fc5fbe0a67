package kioskclient

import (
	"errors"
	"fmt"

	"kioskwatch/pkg/interfaces"
)

var (
	ErrInvalidBaseURL = errors.New("kiosk client requires an http(s) base url")
	ErrRateLimited    = errors.New("heartbeat rate limited by server")

	// Aliased so callers can match server answers with the same sentinels
	// the in-process session manager returns.
	ErrSessionNotFound     = interfaces.ErrSessionNotFound
	ErrSessionAlreadyEnded = interfaces.ErrSessionAlreadyEnded
)

// StatusError is an unexpected response from the presence service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("presence service returned %d", e.Code)
	}
	return fmt.Sprintf("presence service returned %d: %s", e.Code, e.Message)
}
