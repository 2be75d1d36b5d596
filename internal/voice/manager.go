// Package voice runs live voice sessions against the assistant.
//
// A [Manager] owns at most one session at a time. Connect acquires the
// microphone and speaker, opens the live transport for the selected agent
// mode and then starts streaming microphone audio. A single event loop per
// session consumes the transport's events: model audio goes to the playback
// scheduler, transcripts to the caller, and interruptions cut playback
// immediately. The session ends on Disconnect, on a remote close, or on a
// fatal transport error; in every case all resources are released and the
// onClosed callback fires exactly once.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	"github.com/MrWong99/netassist/pkg/audio"
	"github.com/MrWong99/netassist/pkg/audio/capture"
	"github.com/MrWong99/netassist/pkg/audio/playback"
	"github.com/MrWong99/netassist/pkg/provider/live"
)

// DefaultConnectTimeout bounds the transport handshake.
const DefaultConnectTimeout = 15 * time.Second

// State is the manager's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CloseReason says why a session ended.
type CloseReason string

const (
	ReasonUser   CloseReason = "user"
	ReasonRemote CloseReason = "remote"
	ReasonError  CloseReason = "error"
)

// CloseInfo is passed to the onClosed callback.
type CloseInfo struct {
	Reason CloseReason

	// Err is the fatal error for [ReasonError], nil otherwise.
	Err error

	// Message is the server's close reason for [ReasonRemote], if any.
	Message string

	Mode     mode.Mode
	Duration time.Duration
}

// TranscriptFunc receives transcript fragments in arrival order. No call is
// made once the session's [ClosedFunc] has run or Disconnect has returned.
// It must not call back into the [Manager] synchronously.
type TranscriptFunc func(text string, speaker live.Speaker)

// ClosedFunc is called exactly once when an established session ends.
type ClosedFunc func(CloseInfo)

// Config holds the dependencies of a [Manager].
type Config struct {
	Provider live.Provider
	Input    audio.InputDevice
	Output   audio.OutputDevice
	Modes    *mode.Catalog

	// InputDevice and OutputDevice select host devices by name. Empty means
	// the system default.
	InputDevice  string
	OutputDevice string

	// InputFormat is the capture format. Default: 16 kHz mono.
	InputFormat audio.Format

	// OutputFormat is the playback format. Audio is mixed in mono and copied
	// to every output channel. Default: 24 kHz mono.
	OutputFormat audio.Format

	// FrameSize is the number of samples per capture callback. Default: 4096.
	FrameSize int

	// ConnectTimeout bounds the transport handshake. Default:
	// [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

func (c *Config) applyDefaults() {
	if c.InputFormat.SampleRate == 0 {
		c.InputFormat = audio.Format{SampleRate: 16000, Channels: 1}
	}
	c.InputFormat.Channels = max(c.InputFormat.Channels, 1)
	if c.OutputFormat.SampleRate == 0 {
		c.OutputFormat.SampleRate = 24000
	}
	c.OutputFormat.Channels = max(c.OutputFormat.Channels, 1)
	if c.FrameSize <= 0 {
		c.FrameSize = 4096
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Modes == nil {
		c.Modes = mode.DefaultCatalog()
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Status is a point-in-time snapshot of the manager for diagnostics.
type Status struct {
	State     State     `json:"-"`
	StateName string    `json:"state"`
	SessionID string    `json:"session_id,omitempty"`
	Mode      mode.Mode `json:"mode,omitempty"`
	Persona   string    `json:"persona,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`

	FramesSent    uint64        `json:"frames_sent"`
	FramesDropped uint64        `json:"frames_dropped"`
	CapturedAudio time.Duration `json:"captured_audio_ns"`
	LiveUnits     int           `json:"live_units"`
}

// Manager owns the voice session lifecycle. All exported methods are safe for
// concurrent use.
type Manager struct {
	cfg Config

	mu            sync.Mutex
	state         State
	mode          mode.Mode
	connectCancel context.CancelFunc
	canceled      bool
	sess          *session
}

// New creates a Manager. Provider, Input and Output are required.
func New(cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{cfg: cfg}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the mode of the current or connecting session, or "".
func (m *Manager) Mode() mode.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Status returns a diagnostic snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{State: m.state, StateName: m.state.String(), Mode: m.mode}
	s := m.sess
	m.mu.Unlock()

	if s != nil {
		stats := s.pipeline.Stats()
		st.SessionID = s.info.ID
		st.Persona = s.info.Persona
		st.Voice = s.info.Voice
		st.StartedAt = s.info.StartedAt
		st.FramesSent = stats.Sent
		st.FramesDropped = stats.Dropped
		st.CapturedAudio = stats.Captured
		st.LiveUnits = len(s.sched.Live())
	}
	return st
}

// Connect establishes a voice session in the given mode. It blocks until the
// transport has acknowledged the setup and capture is running.
//
// onTranscript receives transcripts on the session's event goroutine.
// onClosed fires exactly once when the established session ends; it does not
// fire when Connect itself returns an error.
//
// Errors wrap [ErrBusy], [ErrUnknownMode], [ErrConnectCanceled],
// [*audio.DeviceError] or [*live.TransportError].
func (m *Manager) Connect(ctx context.Context, md mode.Mode, onTranscript TranscriptFunc, onClosed ClosedFunc) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return fmt.Errorf("voice: connect %s: %w", md, ErrBusy)
	}
	profile, err := m.cfg.Modes.Lookup(md)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("voice: connect: %w: %w", ErrUnknownMode, err)
	}
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.state = StateConnecting
	m.mode = md
	m.connectCancel = cancel
	m.canceled = false
	m.mu.Unlock()

	start := time.Now()
	cctx, span := observe.StartSpan(cctx, "voice.connect",
		trace.WithAttributes(attribute.String("mode", md.String())),
	)
	defer span.End()

	s, err := m.open(cctx, profile, onTranscript, onClosed)

	m.mu.Lock()
	canceled := m.canceled
	m.connectCancel = nil
	m.canceled = false
	if err == nil && canceled {
		s.release()
		err = errors.New("disconnect requested")
	}
	if err != nil {
		m.state = StateDisconnected
		m.mode = ""
		m.mu.Unlock()

		kind := failureKind(err)
		if canceled {
			kind = "canceled"
			err = fmt.Errorf("voice: connect %s: %w: %w", md, ErrConnectCanceled, err)
		} else {
			err = fmt.Errorf("voice: connect %s: %w", md, err)
		}
		m.cfg.Metrics.RecordConnectFailure(cctx, kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		observe.Logger(cctx).Warn("voice connect failed", "mode", md, "kind", kind, "err", err)
		return err
	}
	m.state = StateConnected
	m.sess = s
	m.mu.Unlock()

	m.cfg.Metrics.ConnectDuration.Record(cctx, time.Since(start).Seconds())
	m.cfg.Metrics.ActiveSessions.Add(cctx, 1)
	observe.Logger(cctx).Info("voice session started",
		"session_id", s.info.ID,
		"mode", md,
		"persona", profile.Name,
		"voice", profile.Voice,
		"connect_time", time.Since(start),
	)

	go s.run()
	return nil
}

// Disconnect ends the current session or cancels an in-flight Connect. It is
// idempotent and safe to call in any state. When it returns after ending an
// established session, every resource has been released and onClosed has
// fired.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		m.canceled = true
		cancel := m.connectCancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	case StateConnected:
		s := m.sess
		m.mu.Unlock()
		s.teardown(ReasonUser, nil, "")
	default:
		m.mu.Unlock()
	}
}

// detach clears s from the manager if it is still the current session.
func (m *Manager) detach(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s {
		m.sess = nil
		m.state = StateDisconnected
		m.mode = ""
	}
}

// open acquires every session resource in order. On failure everything that
// was opened is released in reverse order.
func (m *Manager) open(ctx context.Context, profile mode.Profile, onTranscript TranscriptFunc, onClosed ClosedFunc) (*session, error) {
	var closers []func() error
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	in, err := m.cfg.Input.OpenInput(ctx, audio.StreamConfig{
		Device:          m.cfg.InputDevice,
		Format:          m.cfg.InputFormat,
		FramesPerBuffer: m.cfg.FrameSize,
	})
	if err != nil {
		return nil, fmt.Errorf("open microphone: %w", err)
	}
	closers = append(closers, in.Close)

	sched := playback.New(m.cfg.OutputFormat.SampleRate)
	closers = append(closers, sched.Close)

	out, err := m.cfg.Output.OpenOutput(ctx, audio.StreamConfig{
		Device:          m.cfg.OutputDevice,
		Format:          m.cfg.OutputFormat,
		FramesPerBuffer: m.cfg.FrameSize,
	}, sched.RenderInterleaved(m.cfg.OutputFormat.Channels))
	if err != nil {
		release()
		return nil, fmt.Errorf("open speaker: %w", err)
	}
	closers = append(closers, out.Close)

	tctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	handle, err := m.cfg.Provider.Connect(tctx, live.SessionConfig{
		Voice:               profile.Voice,
		Instructions:        profile.Instructions,
		InputFormat:         m.cfg.InputFormat,
		InputTranscription:  true,
		OutputTranscription: true,
	})
	cancel()
	if err != nil {
		release()
		return nil, fmt.Errorf("open transport: %w", err)
	}
	closers = append(closers, handle.Close)

	met := m.cfg.Metrics
	pipe := capture.New(in, handle,
		capture.WithSendHandler(func(audio.EncodedChunk) {
			met.FramesSent.Add(context.Background(), 1)
		}),
		capture.WithDropHandler(func(error) {
			met.FramesDropped.Add(context.Background(), 1)
		}),
	)
	if err := pipe.Start(); err != nil {
		release()
		return nil, fmt.Errorf("start capture: %w", err)
	}

	now := time.Now().UTC()
	return &session{
		m: m,
		info: sessionInfo{
			ID:        fmt.Sprintf("voice-%s-%s", strings.ToLower(profile.Mode.String()), now.Format("20060102T150405Z")),
			Mode:      profile.Mode,
			Persona:   profile.Name,
			Voice:     profile.Voice,
			StartedAt: now,
		},
		handle:       handle,
		pipeline:     pipe,
		sched:        sched,
		out:          out,
		conv:         &audio.FormatConverter{SampleRate: sched.SampleRate()},
		metrics:      met,
		onTranscript: onTranscript,
		onClosed:     onClosed,
	}, nil
}

// failureKind classifies a connect error for metrics.
func failureKind(err error) string {
	var de *audio.DeviceError
	var te *live.TransportError
	switch {
	case errors.As(err, &de):
		return "device"
	case errors.As(err, &te):
		return "transport"
	default:
		return "other"
	}
}

// ── Session ──────────────────────────────────────────────────────────────────

type sessionInfo struct {
	ID        string
	Mode      mode.Mode
	Persona   string
	Voice     string
	StartedAt time.Time
}

// session is one established voice session. Event handling and teardown are
// serialized by mu; once closing is set no further event is processed.
type session struct {
	m    *Manager
	info sessionInfo

	handle   live.SessionHandle
	pipeline *capture.Pipeline
	sched    *playback.Scheduler
	out      audio.OutputStream
	conv     *audio.FormatConverter
	metrics  *observe.Metrics

	onTranscript TranscriptFunc
	onClosed     ClosedFunc

	mu        sync.Mutex
	closing   bool
	closeOnce sync.Once

	// delivering is held while onTranscript runs; teardown takes it after
	// setting closing.
	delivering sync.Mutex
}

// run is the session's single event consumer.
func (s *session) run() {
	for ev := range s.handle.Events() {
		if !s.dispatch(ev) {
			return
		}
	}
	s.teardown(ReasonRemote, nil, "")
}

// dispatch handles one event. It reports false once the session is ending.
func (s *session) dispatch(ev live.Event) bool {
	ctx := context.Background()

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return false
	}

	switch e := ev.(type) {
	case live.AudioEvent:
		s.schedule(ctx, e.Segment)
	case live.InterruptedEvent:
		n := s.sched.Interrupt()
		s.metrics.Interruptions.Add(ctx, 1)
		s.metrics.UnitsCanceled.Add(ctx, int64(n))
		slog.Debug("voice: playback interrupted", "session_id", s.info.ID, "units", n)
	case live.TurnCompleteEvent:
		s.metrics.Turns.Add(ctx, 1)
		slog.Debug("voice: turn complete", "session_id", s.info.ID)
	case live.TranscriptEvent:
		s.delivering.Lock()
		s.mu.Unlock()
		s.metrics.RecordTranscript(ctx, string(e.Speaker))
		if s.onTranscript != nil {
			s.onTranscript(e.Text, e.Speaker)
		}
		s.delivering.Unlock()
		return true
	case live.ErrorEvent:
		s.mu.Unlock()
		s.teardown(ReasonError, e.Err, "")
		return false
	case live.ClosedEvent:
		s.mu.Unlock()
		s.teardown(ReasonRemote, nil, e.Reason)
		return false
	}
	s.mu.Unlock()
	return true
}

// schedule decodes seg and places it on the playback timeline. Caller holds
// s.mu.
func (s *session) schedule(ctx context.Context, seg audio.Segment) {
	samples, err := s.conv.Convert(seg)
	if err != nil {
		s.metrics.RecordSegmentDropped(ctx, "decode")
		slog.Warn("voice: dropping undecodable audio", "session_id", s.info.ID, "bytes", len(seg.Data), "err", err)
		return
	}
	p, err := s.sched.Schedule(samples)
	if err != nil {
		s.metrics.RecordSegmentDropped(ctx, "closed")
		return
	}
	s.metrics.SegmentsScheduled.Add(ctx, 1)
	s.metrics.ScheduledAudio.Add(ctx, p.Duration().Seconds())
}

// teardown releases the session. Only the first call has any effect;
// concurrent callers block until it has finished.
func (s *session) teardown(reason CloseReason, cause error, message string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.delivering.Lock()
		//nolint:staticcheck // waits for an in-flight transcript
		s.delivering.Unlock()

		s.release()
		s.m.detach(s)

		ctx := context.Background()
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.RecordSessionClosed(ctx, string(reason))

		info := CloseInfo{
			Reason:   reason,
			Err:      cause,
			Message:  message,
			Mode:     s.info.Mode,
			Duration: time.Since(s.info.StartedAt),
		}
		if reason == ReasonError {
			slog.Error("voice session failed", "session_id", s.info.ID, "mode", s.info.Mode, "err", cause)
		} else {
			slog.Info("voice session ended", "session_id", s.info.ID, "mode", s.info.Mode, "reason", reason, "duration", info.Duration)
		}
		if s.onClosed != nil {
			s.onClosed(info)
		}
	})
}

// release stops capture, cuts and closes playback, closes the speaker and
// finally the transport.
func (s *session) release() {
	var errs []error
	if err := s.pipeline.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.sched.Interrupt()
	if err := s.sched.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.out.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close speaker: %w", err))
	}
	if err := s.handle.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		slog.Warn("voice: release session", "session_id", s.info.ID, "err", err)
	}
}
