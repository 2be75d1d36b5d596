// Package mock provides a test double for the chat.Provider interface.
//
// Example:
//
//	p := &mock.Provider{Reply: func(in string) string { return "echo: " + in }}
//	s, _ := p.NewSession(ctx, chat.SessionConfig{SystemPrompt: "..."})
//	out, _ := s.Send(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/netassist/pkg/provider/chat"
)

// Provider is a mock implementation of chat.Provider.
type Provider struct {
	mu sync.Mutex

	// Reply computes the answer for each Send. When nil Send returns "".
	Reply func(text string) string

	// SendErr, if non-nil, is returned by every Send.
	SendErr error

	// NewSessionErr, if non-nil, is returned by NewSession.
	NewSessionErr error

	sessions []*Session
}

var _ chat.Provider = (*Provider)(nil)

// Name implements chat.Provider.
func (p *Provider) Name() string { return "mock" }

// NewSession implements chat.Provider.
func (p *Provider) NewSession(_ context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.NewSessionErr != nil {
		return nil, p.NewSessionErr
	}
	s := &Session{p: p, Cfg: cfg}
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Sessions returns every session created so far, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// Session is the mock chat.Session returned by [Provider].
type Session struct {
	p *Provider

	// Cfg is the SessionConfig passed to NewSession.
	Cfg chat.SessionConfig

	mu     sync.Mutex
	inputs []string
	turns  int
}

// Send implements chat.Session.
func (s *Session) Send(_ context.Context, text string) (string, error) {
	s.p.mu.Lock()
	reply, sendErr := s.p.Reply, s.p.SendErr
	s.p.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs = append(s.inputs, text)
	if sendErr != nil {
		return "", sendErr
	}
	s.turns++
	if reply == nil {
		return "", nil
	}
	return reply(text), nil
}

// Turns implements chat.Session.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// Inputs returns every text passed to Send, including failed ones.
func (s *Session) Inputs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inputs))
	copy(out, s.inputs)
	return out
}
