package exception

import "github.com/yanun0323/errors"

// Tracker errors
var (
	ErrDuplicateKey     = errors.New("tracker: client key already outstanding")
	ErrUnknownKey       = errors.New("tracker: client key not tracked")
	ErrProtocolMismatch = errors.New("tracker: unexpected message for current state")
	ErrTrackerStopped   = errors.New("tracker: stopped")
)

// Status tracker errors
var (
	ErrNothingTracked = errors.New("status: nothing tracked")
	ErrUnknownHandler = errors.New("status: unknown handler id")
)
