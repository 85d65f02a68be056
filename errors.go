package canhub

import (
	"errors"

	"github.com/notnil/canhub/internal/queue"
)

// Error kinds returned by controllers, mailboxes and clients. Compare with
// errors.Is; most are wrapped with context.
var (
	// ErrInvalidObject reports an unknown, unregistered or closed handle.
	ErrInvalidObject = errors.New("canhub: invalid object")
	// ErrInvalidParam reports a bad argument such as an out of range frame.
	ErrInvalidParam = errors.New("canhub: invalid parameter")
	// ErrNotSupported reports an operation the driver does not implement or a
	// filter/mailbox that is not installed.
	ErrNotSupported = errors.New("canhub: not supported")
	// ErrResourceExhausted reports a full mailbox queue or an exhausted
	// message pool.
	ErrResourceExhausted = queue.ErrFull
	// ErrTimeout is returned by Receive when no frame arrived in time.
	ErrTimeout = queue.ErrTimeout
	// ErrClosed is returned once a mailbox was closed.
	ErrClosed = queue.ErrClosed
	// ErrIO reports a driver level transmission failure.
	ErrIO = errors.New("canhub: i/o error")
	// ErrNoMatch is returned by Mailbox.Submit when no filter accepts the frame.
	ErrNoMatch = errors.New("canhub: frame rejected by filters")
)
