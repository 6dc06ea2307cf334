package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	// Signal validation and conflicts.
	ErrInvalidSignal    = errors.New("invalid signal")
	ErrUnknownSymbol    = errors.New("unknown symbol")
	ErrStaleSignal      = errors.New("stale signal")
	ErrDuplicateSignal  = errors.New("duplicate signal")
	ErrReplayedSignal   = errors.New("replayed signal")
	ErrPositionConflict = errors.New("conflicting position open")

	// Execution.
	ErrUnsupported         = errors.New("operation not supported by exchange")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrEntryNotFilled      = errors.New("entry order not filled")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSizeTooSmall        = errors.New("position size below minimum")
	ErrPositionClosed      = errors.New("position already closed")

	// ErrCriticalFailure marks a position left without a valid break-even stop.
	ErrCriticalFailure = errors.New("critical: stop-loss relocation failed")
)
