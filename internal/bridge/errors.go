package bridge

import (
	"errors"
	"fmt"
)

// Kind classifies a bridge error. None of them are fatal to the session.
type Kind int

const (
	// KindProtocol is a malformed or unsupported command.
	KindProtocol Kind = iota + 1
	// KindArgument is a missing or unparsable command argument.
	KindArgument
	// KindDevice is an open, read or write failure reported by the adapter.
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindArgument:
		return "argument"
	case KindDevice:
		return "device"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// The texts below travel to the client verbatim after "ERROR: ".
var (
	ErrPortRequired       = errors.New("Port is required")
	ErrDisconnected       = errors.New("Disconnected")
	ErrUnsupportedCommand = errors.New("Unsupported command")
)

// ErrPeerClosed is returned by the dispatcher when the client sent a close frame.
var ErrPeerClosed = errors.New("peer closed the session")

// Error is a classified bridge failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func protocolError(err error) error { return &Error{Kind: KindProtocol, Err: err} }
func argumentError(err error) error { return &Error{Kind: KindArgument, Err: err} }
func deviceError(err error) error   { return &Error{Kind: KindDevice, Err: err} }

// KindOf returns the kind of err, or zero if err is not a bridge error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return 0
}
