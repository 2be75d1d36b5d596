// Package audio defines the audio types, the PCM16 codec, and the device
// interfaces used by the live voice session.
//
// The device abstractions mirror how sound hardware is driven:
//
//   - [InputDevice] acquires a microphone and returns an [InputStream] that
//     pushes fixed-size [Frame] blocks to a callback once started.
//   - [OutputDevice] opens a speaker stream that pulls samples from a
//     [RenderFunc] once per hardware buffer.
//
// Implementations live in sub-packages (audio/portaudio for real hardware,
// audio/mock for tests).
package audio

import "context"

// StreamConfig selects the device and buffer geometry of a stream.
type StreamConfig struct {
	// Device is the device name. Empty selects the host default.
	Device string

	Format Format

	// FramesPerBuffer is the number of samples per channel delivered per
	// callback. Zero lets the backend choose.
	FramesPerBuffer int
}

// FrameFunc receives captured frames. It runs on the audio callback path
// and must not block.
type FrameFunc func(Frame)

// RenderFunc fills out with the next len(out) interleaved output samples. It
// runs on the audio callback path and must not block.
type RenderFunc func(out []float32)

// InputDevice acquires capture streams.
type InputDevice interface {
	// OpenInput acquires the device. Failures are reported as [*DeviceError].
	// No frames are delivered until [InputStream.Start] is called.
	OpenInput(ctx context.Context, cfg StreamConfig) (InputStream, error)
}

// InputStream is an acquired capture stream.
type InputStream interface {
	// Start begins delivering frames to fn. It may be called at most once.
	Start(fn FrameFunc) error

	// Close stops delivery and releases the device. Safe to call more than once.
	Close() error
}

// OutputDevice opens playback streams.
type OutputDevice interface {
	// OpenOutput acquires the device and starts pulling samples from render.
	// Failures are reported as [*DeviceError].
	OpenOutput(ctx context.Context, cfg StreamConfig, render RenderFunc) (OutputStream, error)
}

// OutputStream is a running playback stream.
type OutputStream interface {
	// Close stops playback mid-buffer and releases the device. Safe to call
	// more than once.
	Close() error
}
