// Package live defines the Session Transport abstraction: a duplex streaming
// connection to a remote conversational voice service.
//
// A [Provider] performs the connection handshake and returns a
// [SessionHandle] once the remote side has acknowledged the setup. The
// handle accepts encoded microphone audio through [SessionHandle.Send] and
// surfaces everything the server says as typed [Event] values on a single
// channel, in message order.
//
// Implementations live in sub-packages (live/gemini for Gemini Live,
// live/mock for tests).
package live

import (
	"context"

	"github.com/MrWong99/netassist/pkg/audio"
)

// State is the connection state of a [SessionHandle].
type State int

const (
	// StateDisconnected is the zero state before a connection attempt.
	StateDisconnected State = iota

	// StateConnecting covers dialing and the setup handshake.
	StateConnecting

	// StateOpen means the server acknowledged the setup; Send is accepted.
	StateOpen

	// StateClosing means a fatal error or local close is tearing the
	// connection down.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// SessionConfig holds the handshake payload for a new session.
type SessionConfig struct {
	// Voice is the prebuilt voice preset name, e.g. "Kore". Empty lets the
	// service choose.
	Voice string

	// Instructions is the system instruction text.
	Instructions string

	// InputFormat describes the audio that will be sent. Zero means
	// 16 kHz mono.
	InputFormat audio.Format

	// InputTranscription and OutputTranscription request transcripts of the
	// user's speech and the model's speech respectively.
	InputTranscription  bool
	OutputTranscription bool
}

// Provider opens live sessions.
type Provider interface {
	// Connect dials the service, sends the setup payload and blocks until
	// the server acknowledges it or ctx is done. Failures are reported as
	// [*TransportError]; no half-open connection is left behind.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}

// SessionHandle is an open live session. All methods are safe for concurrent
// use.
type SessionHandle interface {
	// Send queues an encoded audio chunk for delivery. It never blocks.
	// Outside [StateOpen] it returns an error wrapping [ErrNotOpen]; when the
	// outbound queue is full it returns one wrapping [ErrSendQueueFull].
	// In both cases the chunk is dropped.
	Send(chunk audio.EncodedChunk) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends. A fatal error is delivered as an [ErrorEvent] and a
	// remote close as a [ClosedEvent] before the channel closes.
	Events() <-chan Event

	// State returns the current connection state.
	State() State

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close terminates the session. It is idempotent.
	Close() error
}
