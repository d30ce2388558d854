package exception

import "github.com/yanun0323/errors"

// Lifecycle errors
var (
	ErrInvalidTransition = errors.New("lifecycle: invalid or concurrent transition")
	ErrHookFailed        = errors.New("lifecycle: pending hook failed")
	ErrNotStopped        = errors.New("lifecycle: worker did not stop")
	ErrRejected          = errors.New("lifecycle: transition rejected by pending hook")
)
