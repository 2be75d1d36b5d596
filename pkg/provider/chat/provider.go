// Package chat defines the Provider interface for the assistant's text
// channel.
//
// A text conversation is stateful: each [Session] remembers the turns sent
// through it and prepends them to the next request, so follow-up questions
// keep their context. The system prompt and sampling parameters are fixed when
// the session is created.
//
// Implementations must be safe for concurrent use. Send calls on one session
// are serialized by the implementation so the history stays well ordered.
package chat

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when the backend produced no candidate at all.
// A candidate with empty text is not an error; callers decide how to render it.
var ErrEmptyResponse = errors.New("chat: empty response")

// SessionConfig configures a new conversation.
type SessionConfig struct {
	// SystemPrompt is the persona instruction for the whole conversation.
	SystemPrompt string

	// Temperature controls sampling randomness. Zero uses the backend default.
	Temperature float64

	// MaxOutputTokens caps each reply. Zero uses the backend default.
	MaxOutputTokens int
}

// Provider creates text conversations.
type Provider interface {
	// NewSession starts an empty conversation.
	NewSession(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name identifies the backend in logs and metrics, e.g. "gemini".
	Name() string
}

// Session is one conversation.
type Session interface {
	// Send appends text as a user turn, waits for the model's reply and
	// records it in the history. On error the user turn is not recorded.
	Send(ctx context.Context, text string) (string, error)

	// Turns returns the number of completed request/reply pairs.
	Turns() int
}
