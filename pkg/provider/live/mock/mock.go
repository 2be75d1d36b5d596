// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to feed server events to the code under test and inspect the
// audio chunks it sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(live.InterruptedEvent{})
//	sess.CloseRemote("bye")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/netassist/pkg/audio"
	"github.com/MrWong99/netassist/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh
	// [NewSession].
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectHook, if set, runs before Connect returns. A non-nil error is
	// returned from Connect. Use it to block until ctx is canceled.
	ConnectHook func(ctx context.Context) error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	hook, connErr, sess := p.ConnectHook, p.ConnectErr, p.Session
	p.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, &live.TransportError{Op: "setup", Err: err}
		}
	}
	if connErr != nil {
		return nil, connErr
	}
	if sess == nil {
		sess = NewSession()
	}
	sess.setState(live.StateOpen)
	return sess, nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Session is a mock implementation of live.SessionHandle. It is in
// [live.StateConnecting] until handed out by [Provider.Connect].
type Session struct {
	mu sync.Mutex

	events chan live.Event
	done   bool
	state  live.State
	err    error
	sent   []audio.EncodedChunk

	// SendErr, if non-nil, is returned by every Send call while open.
	SendErr error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Ensure Session implements live.SessionHandle at compile time.
var _ live.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan live.Event, 64),
		state:  live.StateConnecting,
	}
}

func (s *Session) setState(st live.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.state = st
	}
}

// Send records the chunk. Outside StateOpen it returns ErrNotOpen.
func (s *Session) Send(chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != live.StateOpen {
		return &live.SendError{State: s.state, Err: live.ErrNotOpen}
	}
	if s.SendErr != nil {
		return &live.SendError{State: s.state, Err: s.SendErr}
	}
	data := make([]byte, len(chunk.Data))
	copy(data, chunk.Data)
	s.sent = append(s.sent, audio.EncodedChunk{Data: data, MIMEType: chunk.MIMEType})
	return nil
}

// Sent returns a copy of every chunk accepted by Send.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// Events implements live.SessionHandle.
func (s *Session) Events() <-chan live.Event { return s.events }

// State implements live.SessionHandle.
func (s *Session) State() live.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err implements live.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Emit delivers an event as if the server had sent it. It reports false if
// the session already ended.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.events <- ev
	return true
}

// CloseRemote simulates the server closing the session normally.
func (s *Session) CloseRemote(reason string) {
	s.finish(live.ClosedEvent{Code: 1000, Reason: reason}, nil)
}

// Fail simulates a fatal transport error.
func (s *Session) Fail(err error) {
	s.finish(live.ErrorEvent{Err: err}, err)
}

func (s *Session) finish(ev live.Event, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if err != nil {
		s.err = err
	}
	s.events <- ev
	s.done = true
	s.state = live.StateClosed
	close(s.events)
}

// Close implements live.SessionHandle. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.done {
		return nil
	}
	s.done = true
	s.state = live.StateClosed
	close(s.events)
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}
