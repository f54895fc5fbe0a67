package reconcile

import "errors"

var (
	ErrInvalidParams = errors.New("staleMinutes and purgeDays must be non-negative numbers in range")
	ErrInvalidConfig = errors.New("reconcile thresholds and batch size must be positive")
)
