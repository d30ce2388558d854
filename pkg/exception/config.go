package exception

import "github.com/yanun0323/errors"

// Config errors
var (
	ErrConfigInvalid       = errors.New("config: invalid")
	ErrConfigUnknownSink   = errors.New("config: unknown sink")
	ErrConfigUnknownOption = errors.New("config: unknown option")
)
