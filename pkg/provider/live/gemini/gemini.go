// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM chunks;
// synthesized speech, transcriptions, turn boundaries and interruptions come
// back as [live.Event] values.
//
// Connect does not return until the server has answered the setup message
// with setupComplete, so a returned handle is always in [live.StateOpen].
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/netassist/pkg/audio"
	"github.com/MrWong99/netassist/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.SessionHandle = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	defaultSendQueue = 32
	eventBuffer      = 64

	// readLimit bounds a single inbound message; audio turns arrive as large
	// base64 blobs.
	readLimit = 16 << 20

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// outputFormat is what Gemini Live emits when a part does not say otherwise.
var outputFormat = audio.Format{SampleRate: 24000, Channels: 1}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSendQueue sets how many outbound chunks may wait for the socket before
// Send starts dropping. Non-positive values are ignored.
func WithSendQueue(n int) Option {
	return func(p *Provider) {
		if n > 0 {
			p.sendQueue = n
		}
	}
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	sendQueue int
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		sendQueue: defaultSendQueue,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model identifier.
func (p *Provider) Model() string { return p.model }

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete. Every failure is a [*live.TransportError] and leaves no open
// connection behind.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &live.TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		sendQ:    make(chan []byte, p.sendQueue),
		events:   make(chan live.Event, eventBuffer),
		recvDone: make(chan struct{}),
		state:    live.StateConnecting,
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.handshake(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.CloseNow()
		return nil, &live.TransportError{Op: "setup", Err: err}
	}

	sess.setState(live.StateOpen)
	go sess.receiveLoop()
	go sess.writeLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string              `json:"model"`
	GenerationConfig         generationConfig    `json:"generationConfig"`
	SystemInstruction        *content            `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *transcriptionSetup `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *transcriptionSetup `json:"outputAudioTranscription,omitempty"`
}

// transcriptionSetup is sent as an empty object to enable transcription.
type transcriptionSetup struct{}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	sendQ    chan []byte
	events   chan live.Event
	recvDone chan struct{}

	mu     sync.Mutex
	state  live.State
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// handshake sends the setup message and blocks until setupComplete arrives.
func (s *session) handshake(ctx context.Context, model string, cfg live.SessionConfig) error {
	if err := s.writeJSON(ctx, buildSetup(model, cfg)); err != nil {
		return err
	}
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("gemini: awaiting setupComplete: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed message during setup", "err", err)
			continue
		}
		if msg.Error != nil {
			return msg.Error.toErr()
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &transcriptionSetup{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &transcriptionSetup{}
	}
	return msg
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It owns the events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer func() {
		s.cancel()
		s.setState(live.StateClosed)
		close(s.events)
		close(s.recvDone)
	}()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.handleReadErr(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed message", "err", err)
			continue
		}

		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleReadErr emits the terminal event for a read failure.
func (s *session) handleReadErr(err error) {
	// Local Close: the channel simply closes.
	if s.ctx.Err() != nil {
		return
	}
	s.setState(live.StateClosing)

	// A write failure already recorded the cause and closed the socket.
	if prev := s.Err(); prev != nil {
		s.emit(live.ErrorEvent{Err: prev})
		return
	}

	switch code := websocket.CloseStatus(err); code {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		s.emit(live.ClosedEvent{Code: int(code), Reason: reason})
		return
	}

	terr := &live.TransportError{Op: "read", Err: err}
	s.setErr(terr)
	s.emit(live.ErrorEvent{Err: terr})
}

// handleServerMessage dispatches one message. It returns false when the
// session must end.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		terr := &live.TransportError{Op: "server", Err: msg.Error.toErr()}
		s.setErr(terr)
		s.setState(live.StateClosing)
		s.emit(live.ErrorEvent{Err: terr})
		s.conn.Close(websocket.StatusNormalClosure, "server error")
		return false
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server will disconnect soon", "timeLeft", msg.GoAway.TimeLeft)
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

// handleServerContent emits transcripts, then audio, then the turn signals,
// preserving the order within one message.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.emit(live.TranscriptEvent{Text: sc.InputTranscription.Text, Speaker: live.SpeakerUser}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.emit(live.TranscriptEvent{Text: sc.OutputTranscription.Text, Speaker: live.SpeakerModel}) {
			return false
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			seg, err := decodeInline(p.InlineData)
			if err != nil {
				slog.Warn("gemini: dropping audio part", "mimeType", p.InlineData.MIMEType, "err", err)
				continue
			}
			if len(seg.Data) == 0 {
				continue
			}
			if !s.emit(live.AudioEvent{Segment: seg}) {
				return false
			}
		}
	}

	if sc.Interrupted && !s.emit(live.InterruptedEvent{}) {
		return false
	}
	if sc.TurnComplete && !s.emit(live.TurnCompleteEvent{}) {
		return false
	}
	return true
}

func decodeInline(d *inlineData) (audio.Segment, error) {
	format, err := audio.ParseMIMEType(d.MIMEType, outputFormat)
	if err != nil {
		return audio.Segment{}, err
	}
	data, err := audio.DecodeText(d.Data)
	if err != nil {
		return audio.Segment{}, err
	}
	return audio.Segment{Data: data, Format: format}, nil
}

// emit delivers ev unless the session is being closed locally.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// writeLoop drains the send queue onto the socket.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.sendQ:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.setErr(&live.TransportError{Op: "write", Err: err})
				s.setState(live.StateClosing)
				s.conn.CloseNow()
				return
			}
		}
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Debug("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *session) setState(st live.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Closed is terminal.
	if s.state != live.StateClosed {
		s.state = st
	}
}

func (ge *geminiError) toErr() error {
	return &live.ServerError{Code: ge.Code, Status: ge.Status, Message: ge.Message}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues an encoded chunk as a realtimeInput message.
func (s *session) Send(chunk audio.EncodedChunk) error {
	if st := s.State(); st != live.StateOpen {
		return &live.SendError{State: st, Err: live.ErrNotOpen}
	}

	data, err := json.Marshal(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{
				{MIMEType: chunk.MIMEType, Data: audio.EncodeText(chunk.Data)},
			},
		},
	})
	if err != nil {
		return &live.SendError{State: live.StateOpen, Err: err}
	}

	select {
	case s.sendQ <- data:
		return nil
	default:
		return &live.SendError{State: live.StateOpen, Err: live.ErrSendQueueFull}
	}
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// State returns the current connection state.
func (s *session) State() live.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the first non-nil error that caused the session to terminate.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and waits for the event channel to close.
// Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.state != live.StateClosed {
		s.state = live.StateClosing
	}
	s.mu.Unlock()

	s.cancel() // unblocks receiveLoop, writeLoop and keepaliveLoop
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	<-s.recvDone
	return nil
}
