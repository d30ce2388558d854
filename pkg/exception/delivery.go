package exception

import "github.com/yanun0323/errors"

// Delivery errors
var (
	ErrDeliveryFailed = errors.New("delivery: send failed")
	ErrUnknownSink    = errors.New("delivery: unknown sink")
	ErrMailboxFull    = errors.New("delivery: mailbox full")
	ErrMailboxClosed  = errors.New("delivery: mailbox closed")
)
