package session

import (
	"errors"
	"fmt"
)

// Kind classifies session errors.
type Kind int

const (
	// KindConfiguration means the session could not start, e.g. a missing
	// credential. Fatal.
	KindConfiguration Kind = iota + 1
	// KindDeviceAcquisition means a microphone or output device could not be
	// opened or was lost. Fatal.
	KindDeviceAcquisition
	// KindTransport means the remote channel failed or closed abruptly. Fatal.
	KindTransport
	// KindSendFailure means one outbound chunk or message was not delivered.
	// Recoverable; the session continues.
	KindSendFailure
	// KindTeardownWarning means a cleanup step failed. Logged only.
	KindTeardownWarning
)

// String returns a human-readable label for k.
func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration error"
	case KindDeviceAcquisition:
		return "device error"
	case KindTransport:
		return "transport error"
	case KindSendFailure:
		return "send failure"
	case KindTeardownWarning:
		return "teardown warning"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Fatal reports whether errors of this kind end the session.
func (k Kind) Fatal() bool {
	return k == KindConfiguration || k == KindDeviceAcquisition || k == KindTransport
}

// Error is a classified session error. Use [errors.As] to inspect the kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors.
var (
	// ErrMissingCredential is wrapped in a [KindConfiguration] error when no
	// API key is configured.
	ErrMissingCredential = errors.New("session: missing API credential")

	// ErrNotConnected is returned by SendText outside the connected state.
	ErrNotConnected = errors.New("session: not connected")

	// ErrAlreadyStarted is returned by Start on a session that has left idle.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed is returned by calls made after the session shut down.
	ErrClosed = errors.New("session: closed")
)

// KindOf returns the kind of err if it is or wraps an [*Error], or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
