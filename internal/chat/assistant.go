// Package chat implements the assistant's text channel.
//
// An [Assistant] keeps one conversation per agent mode. Switching modes does
// not lose history: coming back to a mode continues the conversation that
// was left there, until [Assistant.Reset] drops it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/internal/observe"
	chatprov "github.com/MrWong99/netassist/pkg/provider/chat"
)

const (
	// EmptyReply is returned in place of a reply without text.
	EmptyReply = "I processed that, but have no voice response."

	// ConnectionErrorMessage is the user-facing text for a failed request.
	ConnectionErrorMessage = "Connection error. Please check your network connectivity."

	DefaultTemperature     = 0.7
	DefaultMaxOutputTokens = 500
)

// Config holds the dependencies of an [Assistant].
type Config struct {
	Provider chatprov.Provider
	Modes    *mode.Catalog

	// Temperature and MaxOutputTokens apply to every conversation. Zero
	// selects [DefaultTemperature] and [DefaultMaxOutputTokens].
	Temperature     float64
	MaxOutputTokens int

	Metrics *observe.Metrics
}

// Assistant routes text messages to per-mode conversations. It is safe for
// concurrent use.
type Assistant struct {
	cfg Config

	mu       sync.Mutex
	sessions map[mode.Mode]chatprov.Session
}

// New creates an Assistant.
func New(cfg Config) *Assistant {
	if cfg.Modes == nil {
		cfg.Modes = mode.DefaultCatalog()
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Assistant{cfg: cfg, sessions: make(map[mode.Mode]chatprov.Session)}
}

// Send delivers text to the conversation of mode m and returns the reply.
func (a *Assistant) Send(ctx context.Context, m mode.Mode, text string) (string, error) {
	ctx, span := observe.StartSpan(ctx, "chat.send",
		trace.WithAttributes(attribute.String("mode", m.String())),
	)
	defer span.End()

	s, err := a.session(ctx, m)
	if err != nil {
		span.SetStatus(codes.Error, "session")
		return "", err
	}

	start := time.Now()
	reply, err := s.Send(ctx, text)
	a.cfg.Metrics.ChatDuration.Record(ctx, time.Since(start).Seconds())

	provider := a.cfg.Provider.Name()
	if errors.Is(err, chatprov.ErrEmptyResponse) {
		reply, err = "", nil
	}
	if err != nil {
		a.cfg.Metrics.RecordChatRequest(ctx, provider, "error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		observe.Logger(ctx).Warn("chat request failed", "mode", m, "provider", provider, "err", err)
		return "", fmt.Errorf("chat: send %s: %w", m, err)
	}
	a.cfg.Metrics.RecordChatRequest(ctx, provider, "ok")
	if reply == "" {
		return EmptyReply, nil
	}
	return reply, nil
}

// Reset drops the conversation of mode m. The next Send starts fresh.
func (a *Assistant) Reset(m mode.Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, m)
}

// Turns returns the number of completed exchanges in mode m.
func (a *Assistant) Turns(m mode.Mode) int {
	a.mu.Lock()
	s := a.sessions[m]
	a.mu.Unlock()
	if s == nil {
		return 0
	}
	return s.Turns()
}

func (a *Assistant) session(ctx context.Context, m mode.Mode) (chatprov.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s, ok := a.sessions[m]; ok {
		return s, nil
	}
	profile, err := a.cfg.Modes.Lookup(m)
	if err != nil {
		return nil, fmt.Errorf("chat: %w", err)
	}
	s, err := a.cfg.Provider.NewSession(ctx, chatprov.SessionConfig{
		SystemPrompt:    profile.Instructions,
		Temperature:     a.cfg.Temperature,
		MaxOutputTokens: a.cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("chat: new session %s: %w", m, err)
	}
	a.sessions[m] = s
	return s, nil
}
