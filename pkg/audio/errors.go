package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied is wrapped by a [DeviceError] when the host refused
	// access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrNoDevice is wrapped by a [DeviceError] when no matching device exists.
	ErrNoDevice = errors.New("audio: no such device")
)

// DeviceError reports a failure to acquire or drive an audio device. It is
// fatal to the operation that triggered it.
type DeviceError struct {
	// Op is the failing operation, e.g. "open input".
	Op string

	// Device names the device, or is empty for the host default.
	Device string

	Err error
}

func (e *DeviceError) Error() string {
	dev := e.Device
	if dev == "" {
		dev = "default"
	}
	return fmt.Sprintf("audio: %s %s device: %v", e.Op, dev, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DecodeError reports a malformed inbound audio payload. The offending
// segment is dropped; the session continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("audio: decode: %s: %v", e.Reason, e.Err)
	}
	return "audio: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
