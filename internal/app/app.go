// Package app wires the netassist subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the persona catalog,
// the voice session manager, the text assistant and the operational HTTP
// surface from the config; Run serves health, status and metrics until the
// context ends; Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and observability
// hooks via functional options.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/netassist/internal/chat"
	"github.com/MrWong99/netassist/internal/config"
	"github.com/MrWong99/netassist/internal/health"
	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	"github.com/MrWong99/netassist/internal/resilience"
	"github.com/MrWong99/netassist/internal/voice"
	"github.com/MrWong99/netassist/pkg/audio"
	chatprov "github.com/MrWong99/netassist/pkg/provider/chat"
	"github.com/MrWong99/netassist/pkg/provider/live"
)

// shutdownGrace bounds the HTTP server drain when Run's context ends.
const shutdownGrace = 5 * time.Second

// ErrNoChat is returned by chat operations when no chat provider is
// configured.
var ErrNoChat = errors.New("app: chat channel not configured")

// Providers holds one interface value per provider slot. Nil means the slot
// is not configured. Populated by main.go via the config registry.
type Providers struct {
	Live   live.Provider
	Chat   chatprov.Provider
	Input  audio.InputDevice
	Output audio.OutputDevice
}

// voiceReady reports whether every slot the voice channel needs is set.
func (p *Providers) voiceReady() bool {
	return p.Live != nil && p.Input != nil && p.Output != nil
}

// App owns all subsystem lifetimes.
type App struct {
	catalog   *mode.Catalog
	voice     *voice.Manager
	assistant *chat.Assistant
	breakers  breakerReporter
	health    *health.Handler

	metrics        *observe.Metrics
	level          *slog.LevelVar
	metricsHandler http.Handler

	mu        sync.Mutex
	cfg       *config.Config
	chatMode  mode.Mode
	lastClose *voice.CloseInfo

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// breakerReporter is implemented by chat providers with failover.
type breakerReporter interface {
	Breakers() []resilience.BreakerStatus
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets [App.ApplyConfig] adjust the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithCloser registers fn to run during Shutdown, after the voice session
// has been disconnected.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg. Neither channel is opened: voice sessions
// start with [App.ConnectVoice] and chat conversations on the first
// [App.Chat].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: nil config")
	}
	if providers == nil {
		providers = &Providers{}
	}
	if !providers.voiceReady() && providers.Chat == nil {
		return nil, errors.New("app: neither the voice nor the chat channel is configured")
	}
	defaultMode, err := mode.Parse(cfg.Session.DefaultMode)
	if err != nil {
		return nil, fmt.Errorf("app: default mode: %w", err)
	}

	a := &App{
		cfg:      cfg,
		chatMode: defaultMode,
		catalog:  cfg.Catalog(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if providers.voiceReady() {
		a.voice = voice.New(voice.Config{
			Provider:       providers.Live,
			Input:          providers.Input,
			Output:         providers.Output,
			Modes:          a.catalog,
			InputDevice:    cfg.Audio.InputDevice,
			OutputDevice:   cfg.Audio.OutputDevice,
			InputFormat:    audio.Format{SampleRate: cfg.Audio.InputSampleRate, Channels: 1},
			OutputFormat:   audio.Format{SampleRate: cfg.Audio.OutputSampleRate, Channels: cfg.Audio.OutputChannels},
			FrameSize:      cfg.Audio.FrameSize,
			ConnectTimeout: cfg.Session.ConnectTimeout,
			Metrics:        a.metrics,
		})
	}
	if providers.Chat != nil {
		a.assistant = chat.New(chat.Config{
			Provider:        providers.Chat,
			Modes:           a.catalog,
			Temperature:     cfg.Chat.Temperature,
			MaxOutputTokens: cfg.Chat.MaxOutputTokens,
			Metrics:         a.metrics,
		})
		a.breakers, _ = providers.Chat.(breakerReporter)
	}

	a.health = health.New(
		health.Checker{Name: "voice", Check: a.checkVoice},
		health.Checker{Name: "chat", Check: a.checkChat},
	).WithStatus(a.Status)

	return a, nil
}

// ─── Voice channel ───────────────────────────────────────────────────────────

// ConnectVoice opens a live voice session in mode m. See
// [voice.Manager.Connect].
func (a *App) ConnectVoice(ctx context.Context, m mode.Mode, onTranscript voice.TranscriptFunc, onClosed voice.ClosedFunc) error {
	if a.voice == nil {
		return errors.New("app: voice channel not configured")
	}
	closed := false
	err := a.voice.Connect(ctx, m, onTranscript, func(info voice.CloseInfo) {
		a.mu.Lock()
		a.lastClose = &info
		closed = true
		a.mu.Unlock()
		if onClosed != nil {
			onClosed(info)
		}
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	if !closed {
		a.lastClose = nil
	}
	a.mu.Unlock()
	return nil
}

// DisconnectVoice ends the active voice session, if any.
func (a *App) DisconnectVoice() {
	if a.voice != nil {
		a.voice.Disconnect()
	}
}

// VoiceState returns the voice manager state.
func (a *App) VoiceState() voice.State {
	if a.voice == nil {
		return voice.StateDisconnected
	}
	return a.voice.State()
}

// ─── Chat channel ────────────────────────────────────────────────────────────

// ChatMode returns the mode new chat messages are routed to.
func (a *App) ChatMode() mode.Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chatMode
}

// SetChatMode switches the chat channel to the mode named s. The previous
// mode's conversation is kept.
func (a *App) SetChatMode(s string) (mode.Profile, error) {
	m, err := mode.Parse(s)
	if err != nil {
		return mode.Profile{}, err
	}
	p, err := a.catalog.Lookup(m)
	if err != nil {
		return mode.Profile{}, err
	}
	a.mu.Lock()
	a.chatMode = m
	a.mu.Unlock()
	return p, nil
}

// Chat sends text to the current chat mode's conversation.
func (a *App) Chat(ctx context.Context, text string) (string, error) {
	if a.assistant == nil {
		return "", ErrNoChat
	}
	return a.assistant.Send(ctx, a.ChatMode(), text)
}

// ResetChat drops the current chat mode's conversation.
func (a *App) ResetChat() {
	if a.assistant != nil {
		a.assistant.Reset(a.ChatMode())
	}
}

// Profile returns the persona for m.
func (a *App) Profile(m mode.Mode) (mode.Profile, error) {
	return a.catalog.Lookup(m)
}

// ─── Status & health ─────────────────────────────────────────────────────────

// ModeInfo is the public part of a persona.
type ModeInfo struct {
	Mode        mode.Mode `json:"mode"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	Description string    `json:"description"`
	Voice       string    `json:"voice"`
}

// Snapshot is the /statusz document.
type Snapshot struct {
	Voice     voice.Status      `json:"voice"`
	LastClose string            `json:"last_close,omitempty"`
	ChatMode  mode.Mode         `json:"chat_mode"`
	ChatTurns map[mode.Mode]int `json:"chat_turns,omitempty"`
	Modes     []ModeInfo        `json:"modes"`

	// ChatBackends lists each chat backend's breaker when failover is
	// configured.
	ChatBackends []resilience.BreakerStatus `json:"chat_backends,omitempty"`
}

// Status returns the current [Snapshot]. Its signature matches
// [health.StatusFunc].
func (a *App) Status(context.Context) any {
	s := Snapshot{ChatMode: a.ChatMode()}
	if a.voice != nil {
		s.Voice = a.voice.Status()
	} else {
		s.Voice = voice.Status{StateName: voice.StateDisconnected.String()}
	}

	a.mu.Lock()
	if a.lastClose != nil {
		s.LastClose = string(a.lastClose.Reason)
	}
	a.mu.Unlock()

	if a.breakers != nil {
		s.ChatBackends = a.breakers.Breakers()
	}

	for _, m := range a.catalog.Modes() {
		p, err := a.catalog.Lookup(m)
		if err != nil {
			continue
		}
		s.Modes = append(s.Modes, ModeInfo{
			Mode:        m,
			Name:        p.Name,
			Role:        p.Role,
			Description: p.Description,
			Voice:       p.Voice,
		})
		if a.assistant != nil {
			if n := a.assistant.Turns(m); n > 0 {
				if s.ChatTurns == nil {
					s.ChatTurns = make(map[mode.Mode]int)
				}
				s.ChatTurns[m] = n
			}
		}
	}
	return s
}

// checkVoice fails when the voice channel is unconfigured or its last
// session ended on a fatal error.
func (a *App) checkVoice(context.Context) error {
	if a.voice == nil {
		return errors.New("not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastClose != nil && a.lastClose.Reason == voice.ReasonError {
		return fmt.Errorf("last session failed: %w", a.lastClose.Err)
	}
	return nil
}

// checkChat fails when the chat channel is unconfigured or no backend would
// be tried.
func (a *App) checkChat(context.Context) error {
	if a.assistant == nil {
		return errors.New("not configured")
	}
	if a.breakers == nil {
		return nil
	}
	for _, b := range a.breakers.Breakers() {
		if b.State != resilience.StateOpen {
			return nil
		}
	}
	return errors.New("every chat backend has an open circuit")
}

// Handler returns the operational HTTP surface: /healthz, /readyz,
// /statusz and, when configured, /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable part of next: the log level and the
// persona overrides. Chat conversations of changed modes are reset so the
// new instructions take effect; an active voice session keeps its persona
// until the next connect. Its signature matches the [config.Watcher]
// callback.
func (a *App) ApplyConfig(old, next *config.Config) {
	d := config.Diff(old, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if len(d.ModesChanged) > 0 {
		changed := a.catalog.Replace(next.Catalog())
		for _, m := range changed {
			if a.assistant != nil {
				a.assistant.Reset(m)
			}
		}
		slog.Info("personas reloaded", "modes", changed)
		if a.voice != nil && a.voice.State() == voice.StateConnected {
			slog.Info("active voice session keeps its persona until reconnect", "mode", a.voice.Mode())
		}
	}

	if d.RestartRequired {
		slog.Warn("configuration change requires a restart to take effect")
	}

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
}

// ─── Run & Shutdown ──────────────────────────────────────────────────────────

// Run serves the operational endpoints on the configured listen address and
// blocks until ctx is cancelled. With an empty listen address it only waits.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	addr := a.cfg.Server.ListenAddr
	a.mu.Unlock()

	if addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown disconnects the voice session and runs the registered closers in
// order. It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.DisconnectVoice()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}
