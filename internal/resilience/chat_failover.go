package resilience

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MrWong99/netassist/pkg/provider/chat"
)

// ChatFailover implements [chat.Provider] across several backends, each behind
// its own [CircuitBreaker].
//
// A conversation sticks to the backend that created it. When that backend
// fails, the conversation moves to the next healthy one and stays there. The
// search wraps around, so a conversation parked on the last backend returns
// to the primary once its breaker lets calls through again. The new backend
// starts without the earlier turns.
//
// A backend answering with [chat.ErrEmptyResponse] has answered: the error
// is passed to the caller without failing over or counting against it.
type ChatFailover struct {
	group *FallbackGroup[chat.Provider]
}

var _ chat.Provider = (*ChatFailover)(nil)

// NewChatFailover creates a failover provider with primary first.
func NewChatFailover(primary chat.Provider, cfg FallbackConfig) *ChatFailover {
	return &ChatFailover{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

// AddFallback appends a backend tried after all earlier ones.
func (f *ChatFailover) AddFallback(p chat.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name joins the backend names, e.g. "gemini+openai".
func (f *ChatFailover) Name() string {
	names := make([]string, 0, f.group.Len())
	for _, s := range f.group.Status() {
		names = append(names, s.Name)
	}
	return strings.Join(names, "+")
}

// Breakers reports the state of each backend.
func (f *ChatFailover) Breakers() []BreakerStatus { return f.group.Status() }

// NewSession opens the conversation on the first backend that accepts it.
func (f *ChatFailover) NewSession(ctx context.Context, cfg chat.SessionConfig) (chat.Session, error) {
	idx, s, err := executeIndexed(f.group, 0, func(_ int, p chat.Provider) (chat.Session, error) {
		return p.NewSession(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return &failoverSession{f: f, cfg: cfg, idx: idx, current: s}, nil
}

type failoverSession struct {
	f   *ChatFailover
	cfg chat.SessionConfig

	mu      sync.Mutex
	idx     int
	current chat.Session
	turns   int
}

// Send implements chat.Session.
func (s *failoverSession) Send(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, current := s.idx, s.current
	var empty bool
	idx, reply, err := executeIndexed(s.f.group, from, func(i int, p chat.Provider) (string, error) {
		sess := current
		if i != from {
			var err error
			if sess, err = p.NewSession(ctx, s.cfg); err != nil {
				return "", err
			}
			current = sess
		}
		reply, err := sess.Send(ctx, text)
		if errors.Is(err, chat.ErrEmptyResponse) {
			empty = true
			return "", nil
		}
		return reply, err
	})
	if err != nil {
		return "", err
	}
	if idx != s.idx {
		s.idx, s.current = idx, current
	}
	s.turns++
	if empty {
		return "", chat.ErrEmptyResponse
	}
	return reply, nil
}

// Turns implements chat.Session.
func (s *failoverSession) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}
