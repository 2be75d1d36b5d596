package voice

import "errors"

var (
	// ErrBusy is returned by Connect while another session is connecting or
	// connected.
	ErrBusy = errors.New("voice: session already active")

	// ErrUnknownMode is returned by Connect for a mode without a profile.
	ErrUnknownMode = errors.New("voice: unknown mode")

	// ErrConnectCanceled is returned by Connect when Disconnect was called
	// before the session was established.
	ErrConnectCanceled = errors.New("voice: connect canceled")
)
