package live

import (
	"errors"
	"fmt"
)

var (
	// ErrNotOpen is returned by Send outside [StateOpen].
	ErrNotOpen = errors.New("live: session not open")

	// ErrSendQueueFull is returned by Send when the outbound queue cannot take
	// another chunk.
	ErrSendQueueFull = errors.New("live: send queue full")
)

// TransportError reports a handshake or mid-session network failure. It is
// fatal to the session.
type TransportError struct {
	// Op is the failing step, e.g. "dial", "setup", "read".
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("live: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SendError reports an outbound chunk that could not be queued. The chunk is
// dropped and the session continues.
type SendError struct {
	State State
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("live: send in state %s: %v", e.State, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ServerError is an error reported by the remote service in-band.
type ServerError struct {
	Code    int
	Status  string
	Message string
}

func (e *ServerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("server error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("server error %d: %s", e.Code, msg)
}
