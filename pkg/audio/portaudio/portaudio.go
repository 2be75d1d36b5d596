// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice]
// on top of the PortAudio C library.
//
// Both directions use callback streams: capture frames are pushed to the
// registered [audio.FrameFunc] from the PortAudio callback thread, and
// playback pulls samples from the [audio.RenderFunc] once per hardware
// buffer. Callers must keep those functions non-blocking.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/netassist/pkg/audio"
)

var (
	_ audio.InputDevice  = (*Host)(nil)
	_ audio.OutputDevice = (*Host)(nil)
)

// Device describes one host audio device.
type Device struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Host owns the PortAudio library lifetime. Create one per process.
type Host struct {
	mu     sync.Mutex
	closed bool
}

// Open initializes PortAudio.
func Open() (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &audio.DeviceError{Op: "initialize", Err: err}
	}
	return &Host{}, nil
}

// Close terminates PortAudio. Streams must be closed first. Idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Devices lists every device the host reports.
func (h *Host) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for _, d := range infos {
		dev := Device{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

// findDevice resolves a device by case-insensitive name substring, or the
// host default when name is empty.
func findDevice(name string, input bool) (*portaudio.DeviceInfo, error) {
	if name == "" {
		var (
			d   *portaudio.DeviceInfo
			err error
		)
		if input {
			d, err = portaudio.DefaultInputDevice()
		} else {
			d, err = portaudio.DefaultOutputDevice()
		}
		if err != nil {
			return nil, classify(err)
		}
		return d, nil
	}

	infos, err := portaudio.Devices()
	if err != nil {
		return nil, classify(err)
	}
	want := strings.ToLower(name)
	for _, d := range infos {
		if input && d.MaxInputChannels == 0 || !input && d.MaxOutputChannels == 0 {
			continue
		}
		if strings.Contains(strings.ToLower(d.Name), want) {
			return d, nil
		}
	}
	return nil, audio.ErrNoDevice
}

// classify maps PortAudio errors onto the audio sentinels where possible.
func classify(err error) error {
	var pe portaudio.Error
	if errors.As(err, &pe) {
		switch pe {
		case portaudio.InvalidDevice, portaudio.DeviceUnavailable:
			return fmt.Errorf("%w: %v", audio.ErrNoDevice, err)
		}
	}
	return err
}

// ── Input ─────────────────────────────────────────────────────────────────────

type inputStream struct {
	stream *portaudio.Stream
	format audio.Format

	fn        atomic.Pointer[audio.FrameFunc]
	frames    atomic.Int64
	started   atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// OpenInput acquires the capture device. The stream does not run until
// Start is called.
func (h *Host) OpenInput(ctx context.Context, cfg audio.StreamConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := findDevice(cfg.Device, true)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open input", Device: cfg.Device, Err: err}
	}

	format := cfg.Format
	format.Channels = max(format.Channels, 1)

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = format.Channels
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(format.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	s := &inputStream{format: format}
	stream, err := portaudio.OpenStream(params, s.callback)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open input", Device: dev.Name, Err: classify(err)}
	}
	s.stream = stream
	slog.Debug("portaudio: input opened", "device", dev.Name, "format", format.String(), "framesPerBuffer", cfg.FramesPerBuffer)
	return s, nil
}

// callback runs on the PortAudio thread. The buffer is reused by PortAudio,
// so each frame gets its own copy.
func (s *inputStream) callback(in []float32) {
	fn := s.fn.Load()
	if fn == nil {
		return
	}
	samples := make([]float32, len(in))
	copy(samples, in)
	n := s.frames.Add(int64(len(in) / s.format.Channels))
	ts := audio.SamplesDuration(int(n)-len(in)/s.format.Channels, s.format.SampleRate)
	(*fn)(audio.Frame{Samples: samples, Format: s.format, Timestamp: ts})
}

func (s *inputStream) Start(fn audio.FrameFunc) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("portaudio: input already started")
	}
	s.fn.Store(&fn)
	if err := s.stream.Start(); err != nil {
		s.fn.Store(nil)
		return fmt.Errorf("portaudio: start input: %w", err)
	}
	return nil
}

func (s *inputStream) Close() error {
	s.closeOnce.Do(func() {
		s.fn.Store(nil)
		if s.started.Load() {
			_ = s.stream.Stop()
		}
		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close input: %w", err)
		}
	})
	return s.closeErr
}

// ── Output ────────────────────────────────────────────────────────────────────

type outputStream struct {
	stream    *portaudio.Stream
	closeOnce sync.Once
	closeErr  error
}

// OpenOutput acquires the playback device and starts pulling from render
// immediately.
func (h *Host) OpenOutput(ctx context.Context, cfg audio.StreamConfig, render audio.RenderFunc) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dev, err := findDevice(cfg.Device, false)
	if err != nil {
		return nil, &audio.DeviceError{Op: "open output", Device: cfg.Device, Err: err}
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = max(cfg.Format.Channels, 1)
	params.SampleRate = float64(cfg.Format.SampleRate)
	params.FramesPerBuffer = cfg.FramesPerBuffer

	stream, err := portaudio.OpenStream(params, func(out []float32) { render(out) })
	if err != nil {
		return nil, &audio.DeviceError{Op: "open output", Device: dev.Name, Err: classify(err)}
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, &audio.DeviceError{Op: "start output", Device: dev.Name, Err: err}
	}
	slog.Debug("portaudio: output opened", "device", dev.Name, "format", cfg.Format.String())
	return &outputStream{stream: stream}, nil
}

// Close aborts playback without draining the hardware buffer.
func (s *outputStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stream.Abort()
		if err := s.stream.Close(); err != nil {
			s.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
	})
	return s.closeErr
}
