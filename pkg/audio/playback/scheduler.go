// Package playback places decoded audio segments on a gapless output
// timeline and renders them for a pull-driven output device.
//
// The [Scheduler] keeps a virtual timeline measured in output samples. The
// device clock is the number of samples the output device has pulled through
// [Scheduler.Render]. Each scheduled unit starts at
//
//	max(deviceClock, nextStart)
//
// and advances nextStart by its own length, so consecutive units play back to
// back without gaps or overlap. When the producer falls behind (network
// underrun) the next unit starts as soon as possible at the device clock.
// [Scheduler.Interrupt] hard-cuts every live unit and resets nextStart.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/netassist/pkg/audio"
)

// ErrClosed is returned by [Scheduler.Schedule] after [Scheduler.Close].
var ErrClosed = errors.New("playback: scheduler closed")

// Placement describes where a unit was put on the output timeline.
type Placement struct {
	// ID identifies the unit within its scheduler; IDs increase by one per
	// scheduled unit.
	ID uint64

	// Start and End bound the unit's play interval [Start, End).
	Start time.Duration
	End   time.Duration
}

// Duration returns End - Start.
func (p Placement) Duration() time.Duration { return p.End - p.Start }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithCompletionHook registers fn to be called for every unit that finishes
// playing naturally. It is not called for interrupted units. fn runs on the
// render path after the scheduler lock is released and must not block.
func WithCompletionHook(fn func(Placement)) Option {
	return func(s *Scheduler) {
		s.onComplete = fn
	}
}

// unit is a PlaybackUnit: samples plus their absolute start sample.
type unit struct {
	id      uint64
	start   int64
	samples []float32
}

func (u *unit) end() int64 { return u.start + int64(len(u.samples)) }

// Scheduler is a gapless playback queue for mono float audio at a fixed
// sample rate. All exported methods are safe for concurrent use.
type Scheduler struct {
	rate       int
	onComplete func(Placement)

	mu        sync.Mutex
	clock     int64   // samples rendered so far
	nextStart int64   // end of the last scheduled unit; 0 after an interrupt
	live      []*unit // ordered by start
	seq       uint64
	closed    bool
}

// New creates a [Scheduler] for output at sampleRate Hz.
func New(sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{rate: sampleRate}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SampleRate returns the output rate the scheduler was created for.
func (s *Scheduler) SampleRate() int { return s.rate }

// Schedule places samples on the timeline and registers them as a live unit.
// Empty input is placed as a zero-length unit and does not enter the live set.
func (s *Scheduler) Schedule(samples []float32) (Placement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Placement{}, ErrClosed
	}

	start := max(s.clock, s.nextStart)
	s.seq++
	u := &unit{id: s.seq, start: start, samples: samples}
	s.nextStart = u.end()
	if len(samples) > 0 {
		s.live = append(s.live, u)
	}
	return s.placement(u), nil
}

// Interrupt stops every live unit immediately, clears the live set and resets
// the timeline cursor so the next unit starts at the device clock. It returns
// the number of units that were cut.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.live)
	clear(s.live)
	s.live = s.live[:0]
	s.nextStart = 0
	return n
}

// Render writes the next len(out) samples of the timeline into out and
// advances the device clock. Units that end within the rendered window are
// removed from the live set. After [Scheduler.Close] it writes silence.
func (s *Scheduler) Render(out []float32) {
	clear(out)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	winStart := s.clock
	winEnd := winStart + int64(len(out))

	var done []Placement
	keep := s.live[:0]
	for _, u := range s.live {
		if u.start < winEnd {
			from := max(u.start, winStart)
			to := min(u.end(), winEnd)
			if to > from {
				src := u.samples[from-u.start : to-u.start]
				dst := out[from-winStart : to-winStart]
				for i, v := range src {
					dst[i] += v
				}
			}
		}
		if u.end() <= winEnd {
			if s.onComplete != nil {
				done = append(done, s.placement(u))
			}
			continue
		}
		keep = append(keep, u)
	}
	clear(s.live[len(keep):])
	s.live = keep
	s.clock = winEnd
	s.mu.Unlock()

	for _, p := range done {
		s.onComplete(p)
	}
}

// RenderInterleaved adapts Render to an output device with the given channel
// count: the mono timeline is rendered once per buffer and copied to every
// channel. Buffers whose length is not a multiple of channels get silence in
// the trailing partial frame.
func (s *Scheduler) RenderInterleaved(channels int) audio.RenderFunc {
	if channels <= 1 {
		return s.Render
	}
	var mono []float32
	return func(out []float32) {
		n := len(out) / channels
		if cap(mono) < n {
			mono = make([]float32, n)
		}
		mono = mono[:n]
		s.Render(mono)
		clear(out[copy(out, audio.Upmix(mono, channels)):])
	}
}

// Clock returns the device clock: how much audio the output device has
// consumed.
func (s *Scheduler) Clock() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(int(s.clock), s.rate)
}

// NextStart returns the timeline cursor. It is zero right after an
// interrupt.
func (s *Scheduler) NextStart() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(int(s.nextStart), s.rate)
}

// Live returns the placements of all units that are queued or playing, in
// start order.
func (s *Scheduler) Live() []Placement {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Placement, len(s.live))
	for i, u := range s.live {
		out[i] = s.placement(u)
	}
	return out
}

// Close cancels all live units and makes further Schedule calls fail. Close
// is idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	clear(s.live)
	s.live = nil
	s.nextStart = 0
	return nil
}

func (s *Scheduler) placement(u *unit) Placement {
	return Placement{
		ID:    u.id,
		Start: audio.SamplesDuration(int(u.start), s.rate),
		End:   audio.SamplesDuration(int(u.end()), s.rate),
	}
}
