// Package gemini provides a chat provider backed by the Gemini API through
// the official google.golang.org/genai SDK.
//
// Conversation history is held by the SDK's chat object; each [chat.Session]
// wraps one of them.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/genai"

	"github.com/MrWong99/netassist/pkg/provider/chat"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the Gemini API.
type Provider struct {
	client *genai.Client
	model  string
}

type config struct {
	baseURL    string
	apiVersion string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithAPIVersion overrides the API version path segment, e.g. "v1beta".
func WithAPIVersion(v string) Option {
	return func(c *config) { c.apiVersion = v }
}

// New creates a Gemini chat Provider. An empty model selects [DefaultModel].
func New(ctx context.Context, apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    cfg.baseURL,
			APIVersion: cfg.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "gemini" }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// NewSession implements chat.Provider.
func (p *Provider) NewSession(ctx context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	gc := &genai.GenerateContentConfig{}
	if cfg.SystemPrompt != "" {
		gc.SystemInstruction = genai.NewContentFromText(cfg.SystemPrompt, genai.RoleUser)
	}
	if cfg.Temperature != 0 {
		gc.Temperature = genai.Ptr(float32(cfg.Temperature))
	}
	if cfg.MaxOutputTokens > 0 {
		gc.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}

	c, err := p.client.Chats.Create(ctx, p.model, gc, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: create chat: %w", err)
	}
	return &session{chat: c}, nil
}

type session struct {
	mu    sync.Mutex
	chat  *genai.Chat
	turns int
}

func (s *session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.chat.SendMessage(ctx, genai.Part{Text: text})
	if err != nil {
		return "", fmt.Errorf("gemini: send message: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", chat.ErrEmptyResponse
	}
	s.turns++
	return resp.Text(), nil
}

func (s *session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
