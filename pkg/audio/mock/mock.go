// Package mock provides in-memory implementations of [audio.InputDevice] and
// [audio.OutputDevice] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{}
//	out := &mock.OutputDevice{}
//	// ... hand both to the code under test, then:
//	in.Stream().Emit(make([]float32, 4096))
//	buf := out.Stream().Pull(2400)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/netassist/pkg/audio"
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice].
type InputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by OpenInput when non-nil.
	OpenErr error

	// StartErr is returned by the stream's Start when non-nil.
	StartErr error

	// CallCountOpen records how many times OpenInput was called.
	CallCountOpen int

	// Configs records the configs passed to OpenInput, in order.
	Configs []audio.StreamConfig

	streams []*InputStream
}

// OpenInput implements [audio.InputDevice].
func (d *InputDevice) OpenInput(_ context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.Configs = append(d.Configs, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &InputStream{cfg: cfg, startErr: d.StartErr}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *InputDevice) Stream() *InputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// InputStream is the mock [audio.InputStream] returned by [InputDevice].
type InputStream struct {
	mu       sync.Mutex
	cfg      audio.StreamConfig
	startErr error
	fn       audio.FrameFunc
	closed   bool
	emitted  time.Duration

	// CallCountStart and CallCountClose record lifecycle calls.
	CallCountStart int
	CallCountClose int
}

// Start implements [audio.InputStream].
func (s *InputStream) Start(fn audio.FrameFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	if s.closed {
		return errors.New("mock: input stream closed")
	}
	s.fn = fn
	return nil
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	s.fn = nil
	return nil
}

// Closed reports whether Close has been called.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit simulates one hardware callback delivering samples. It returns false
// when no callback is registered (stream not started, or closed), in which
// case the samples are discarded as real hardware would.
func (s *InputStream) Emit(samples []float32) bool {
	s.mu.Lock()
	fn := s.fn
	ts := s.emitted
	f := audio.Frame{Samples: samples, Format: s.cfg.Format, Timestamp: ts}
	s.emitted += f.Duration()
	s.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(f)
	return true
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice]. The opened
// stream never advances on its own; tests drive it with [OutputStream.Pull].
type OutputDevice struct {
	mu sync.Mutex

	// OpenErr is returned by OpenOutput when non-nil.
	OpenErr error

	// CallCountOpen records how many times OpenOutput was called.
	CallCountOpen int

	// Configs records the configs passed to OpenOutput, in order.
	Configs []audio.StreamConfig

	streams []*OutputStream
}

// OpenOutput implements [audio.OutputDevice].
func (d *OutputDevice) OpenOutput(_ context.Context, cfg audio.StreamConfig, render audio.RenderFunc) (audio.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpen++
	d.Configs = append(d.Configs, cfg)
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{render: render}
	d.streams = append(d.streams, s)
	return s, nil
}

// Stream returns the most recently opened stream, or nil.
func (d *OutputDevice) Stream() *OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// OutputStream is the mock [audio.OutputStream] returned by [OutputDevice].
type OutputStream struct {
	mu     sync.Mutex
	render audio.RenderFunc
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Pull simulates one hardware callback requesting n samples and returns what
// the render function produced. A closed stream returns nil.
func (s *OutputStream) Pull(n int) []float32 {
	s.mu.Lock()
	render, closed := s.render, s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	out := make([]float32, n)
	render(out)
	return out
}
