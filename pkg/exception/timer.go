package exception

import "github.com/yanun0323/errors"

// Timer errors
var (
	ErrTimerStopped   = errors.New("timer: not active")
	ErrTimerBadConfig = errors.New("timer: invalid config")
)
