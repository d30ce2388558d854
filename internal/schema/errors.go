package schema

import (
	"controlplane/pkg/exception"
)

// SendError reports a non-OK send result to the originator of a command or request.
type SendError struct {
	Dest   Sink
	Result SendResult
}

func (e *SendError) Error() string {
	return "send to " + e.Dest.String() + ": " + e.Result.String()
}

func (e *SendError) Unwrap() error {
	return exception.ErrDeliveryFailed
}

// NewSendError returns nil for SendOK.
func NewSendError(dest Sink, result SendResult) error {
	if result == SendOK {
		return nil
	}
	return &SendError{Dest: dest, Result: result}
}
