// Package openai provides a chat provider backed by the OpenAI Chat
// Completions API or any server that speaks it.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/netassist/pkg/provider/chat"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gpt-4o-mini"

var _ chat.Provider = (*Provider)(nil)

// Provider implements chat.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets how often the client retries failed requests.
// Default: the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// New constructs a new OpenAI chat Provider. An empty model selects
// [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Name implements chat.Provider.
func (p *Provider) Name() string { return "openai" }

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// NewSession implements chat.Provider. The conversation history is kept
// client side and resent with every request.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	s := &session{p: p, cfg: cfg}
	if cfg.SystemPrompt != "" {
		s.history = append(s.history, oai.SystemMessage(cfg.SystemPrompt))
	}
	return s, nil
}

type session struct {
	p   *Provider
	cfg chat.SessionConfig

	mu      sync.Mutex
	history []oai.ChatCompletionMessageParamUnion
	turns   int
}

func (s *session) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append(s.history[:len(s.history):len(s.history)], oai.UserMessage(text))
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(s.p.model),
		Messages: messages,
	}
	if s.cfg.Temperature != 0 {
		params.Temperature = param.NewOpt(s.cfg.Temperature)
	}
	if s.cfg.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(s.cfg.MaxOutputTokens))
	}

	resp, err := s.p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", chat.ErrEmptyResponse
	}

	reply := resp.Choices[0].Message.Content
	s.history = append(messages, oai.AssistantMessage(reply))
	s.turns++
	return reply, nil
}

func (s *session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
