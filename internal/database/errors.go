package database

import "errors"

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	ErrEmptyUpdate   = errors.New("update op sets no columns")
	ErrUnknownOp     = errors.New("unknown write op kind")
	ErrInvalidStatus = errors.New("invalid session status")
)
