// Package capture streams microphone frames to a live session.
//
// A [Pipeline] owns an acquired [audio.InputStream]. Once started, every
// frame the device delivers is encoded to PCM16, tagged with its media type
// and handed to a [Sink] without blocking the audio callback. Frames that
// cannot be delivered are dropped: stale audio has no value, so there is no
// retry.
//
// State machine:
//
//	Idle ──Start──▶ Capturing ──Stop──▶ Stopped
//	  └──────────────Stop──────────────────┘
//
// Frames that reach the pipeline while it is not Capturing are dropped.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/netassist/pkg/audio"
)

// ErrInvalidState is returned by Start outside the Idle state.
var ErrInvalidState = errors.New("capture: invalid state")

// State is the lifecycle state of a [Pipeline].
type State int

const (
	StateIdle State = iota
	StateCapturing
	StateStopped
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCapturing:
		return "capturing"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Sink accepts encoded chunks. Send must not block; it returns an error when
// the chunk was not accepted.
type Sink interface {
	Send(chunk audio.EncodedChunk) error
}

// Stats counts pipeline outcomes.
type Stats struct {
	Sent    uint64
	Dropped uint64

	// Captured is the play length of all sent frames.
	Captured time.Duration
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithDropHandler registers fn to observe every dropped frame together with
// the reason. fn runs on the audio callback path and must not block.
func WithDropHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onDrop = fn }
}

// WithSendHandler registers fn to observe every delivered chunk.
func WithSendHandler(fn func(audio.EncodedChunk)) Option {
	return func(p *Pipeline) { p.onSend = fn }
}

// Pipeline is the capture half of a voice session. All methods are safe for
// concurrent use.
type Pipeline struct {
	stream audio.InputStream
	sink   Sink
	onDrop func(error)
	onSend func(audio.EncodedChunk)

	mu    sync.Mutex
	state State

	sent     atomic.Uint64
	dropped  atomic.Uint64
	captured atomic.Int64
}

// New creates an Idle pipeline that will read from stream and write to sink.
func New(stream audio.InputStream, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{stream: stream, sink: sink}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start moves the pipeline to Capturing and starts the input stream. Call it
// only once the sink is ready to accept audio.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle {
		return fmt.Errorf("%w: start from %s", ErrInvalidState, p.state)
	}
	// Capturing must be visible before the first callback can fire.
	p.state = StateCapturing
	if err := p.stream.Start(p.handleFrame); err != nil {
		p.state = StateStopped
		_ = p.stream.Close()
		return &audio.DeviceError{Op: "start input", Err: err}
	}
	return nil
}

// Stop detaches from the device and releases the capture stream. It is
// idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopped
	p.mu.Unlock()

	if err := p.stream.Close(); err != nil {
		return fmt.Errorf("capture: close input: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Sent:     p.sent.Load(),
		Dropped:  p.dropped.Load(),
		Captured: time.Duration(p.captured.Load()),
	}
}

// handleFrame runs on the device callback.
func (p *Pipeline) handleFrame(f audio.Frame) {
	if p.State() != StateCapturing {
		p.drop(fmt.Errorf("%w: frame while %s", ErrInvalidState, p.State()))
		return
	}

	chunk := audio.Encode(f)
	if err := p.sink.Send(chunk); err != nil {
		p.drop(err)
		return
	}
	p.sent.Add(1)
	p.captured.Add(int64(f.Duration()))
	if p.onSend != nil {
		p.onSend(chunk)
	}
}

func (p *Pipeline) drop(err error) {
	n := p.dropped.Add(1)
	slog.Warn("capture: dropping frame", "err", err, "dropped", n)
	if p.onDrop != nil {
		p.onDrop(err)
	}
}
