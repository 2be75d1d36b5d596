// Package anyllm provides a chat provider for the vendors netassist has no
// dedicated client for, backed by github.com/mozilla-ai/any-llm-go.
//
// Usage:
//
//	p, err := anyllm.New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-..."))
//	s, err := p.NewSession(ctx, chat.SessionConfig{SystemPrompt: "..."})
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"

	"github.com/MrWong99/netassist/pkg/provider/chat"
)

// Vendors lists the backend names accepted by [New]. Gemini and OpenAI have
// their own packages.
var Vendors = []string{"anthropic", "deepseek", "groq", "llamacpp", "llamafile", "mistral", "ollama"}

var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider on top of an any-llm-go backend.
type Provider struct {
	vendor  string
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for vendor, one of [Vendors].
//
// opts are any-llm-go options such as anyllmlib.WithAPIKey and
// anyllmlib.WithBaseURL. Without an API key option the backend reads its
// vendor's environment variable (ANTHROPIC_API_KEY, MISTRAL_API_KEY, ...).
func New(vendor, model string, opts ...anyllmlib.Option) (*Provider, error) {
	vendor = strings.ToLower(vendor)
	if model == "" {
		return nil, errors.New("anyllm: model must not be empty")
	}
	backend, err := createBackend(vendor, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", vendor, err)
	}
	return &Provider{vendor: vendor, backend: backend, model: model}, nil
}

func createBackend(vendor string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch vendor {
	case "anthropic":
		return anthropic.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported vendor %q; supported: %s", vendor, strings.Join(Vendors, ", "))
	}
}

// Name implements chat.Provider and returns the vendor, e.g. "anthropic".
func (p *Provider) Name() string { return p.vendor }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// NewSession implements chat.Provider. The history lives in the session and
// is resent with every request.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	s := &session{p: p, cfg: cfg}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: cfg.SystemPrompt})
	}
	return s, nil
}

type session struct {
	p   *Provider
	cfg chat.SessionConfig

	mu      sync.Mutex
	history []anyllmlib.Message
	turns   int
}

func (s *session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append(slices.Clip(s.history), anyllmlib.Message{Role: "user", Content: text})
	params := anyllmlib.CompletionParams{
		Model:    s.p.model,
		Messages: messages,
	}
	if s.cfg.Temperature != 0 {
		t := s.cfg.Temperature
		params.Temperature = &t
	}
	if mt := outputTokens(s.p.model, s.cfg.MaxOutputTokens); mt > 0 {
		params.MaxTokens = &mt
	}

	resp, err := s.p.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anyllm: %s completion: %w", s.p.vendor, err)
	}
	if len(resp.Choices) == 0 {
		return "", chat.ErrEmptyResponse
	}

	reply := resp.Choices[0].Message.ContentString()
	s.history = append(messages, anyllmlib.Message{Role: "assistant", Content: reply})
	s.turns++
	return reply, nil
}

func (s *session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// outputTokens caps requested at the model's output limit. Anthropic
// rejects requests without max_tokens, so an unset request gets the limit.
func outputTokens(model string, requested int) int {
	limit := outputLimit(model)
	switch {
	case requested <= 0:
		return limit
	case limit > 0 && requested > limit:
		return limit
	default:
		return requested
	}
}

// outputLimit returns the per-reply token limit of known model families, or
// 0 when unknown.
func outputLimit(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude-3-opus"), strings.Contains(lower, "claude-3-haiku"):
		return 4_096
	case strings.HasPrefix(lower, "claude"):
		return 8_192
	case strings.HasPrefix(lower, "deepseek"):
		return 8_192
	case strings.HasPrefix(lower, "mistral"), strings.HasPrefix(lower, "open-mistral"):
		return 8_192
	default:
		return 0
	}
}
