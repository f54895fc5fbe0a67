package heartbeat

import "errors"

var (
	ErrAlreadyStarted = errors.New("heartbeat client already started")
	ErrEnded          = errors.New("heartbeat client has ended")
	ErrInvalidKioskID = errors.New("heartbeat client requires a kiosk id")
)
