package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrDuplicateEvent     = errors.New("duplicate event")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKillSwitchTripped  = errors.New("kill switch tripped")
	ErrLedgerInconsistent = errors.New("exposure ledger inconsistent")
	ErrReservationSpent   = errors.New("reservation already spent")
	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrWSDisconnect       = errors.New("websocket disconnected")
	ErrLockHeld           = errors.New("lock already held")
)
