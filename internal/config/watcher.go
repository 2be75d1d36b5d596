package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling period of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// ErrUnchanged is returned by [Watcher.Reload] when the file content matches
// the config already in use.
var ErrUnchanged = errors.New("config: file unchanged")

// Watcher keeps a config file's last valid content in memory. It polls the
// file and calls onChange with the previous and the new config after every
// edit that parses and validates. Invalid edits are logged once and ignored.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	seen    fileStamp
	applied [sha256.Size]byte

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// fileStamp is the cheap identity checked on every tick before the file is
// read and hashed.
type fileStamp struct {
	mtime time.Time
	size  int64
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads path and starts polling it. It fails when the initial
// load fails.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	stamp, data, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.seen, w.applied = cfg, stamp, sha256.Sum256(data)

	go w.loop()
	return w, nil
}

// Current returns the config most recently accepted.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload reads the file now, regardless of its modification time. It
// returns [ErrUnchanged] when the content is what is already applied and the
// validation error when the new content is rejected.
func (w *Watcher) Reload() error {
	stamp, data, err := w.read()
	if err != nil {
		return err
	}
	return w.apply(stamp, data)
}

// Stop ends polling and waits for the polling goroutine to exit. A callback
// already running completes first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.stopped
}

func (w *Watcher) loop() {
	defer close(w.stopped)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Watcher) tick() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}
	w.mu.Lock()
	unchanged := w.seen == fileStamp{mtime: info.ModTime(), size: info.Size()}
	w.mu.Unlock()
	if unchanged {
		return
	}

	stamp, data, err := w.read()
	if err != nil {
		slog.Warn("config watcher: cannot read file", "path", w.path, "err", err)
		return
	}
	switch err := w.apply(stamp, data); {
	case err == nil, errors.Is(err, ErrUnchanged):
	default:
		slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
	}
}

// apply records stamp as seen and, when data differs from the applied
// content and validates, swaps the config and runs the callback.
func (w *Watcher) apply(stamp fileStamp, data []byte) error {
	sum := sha256.Sum256(data)

	w.mu.Lock()
	w.seen = stamp
	if sum == w.applied {
		w.mu.Unlock()
		return ErrUnchanged
	}
	w.mu.Unlock()

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return err
	}

	w.mu.Lock()
	old := w.current
	w.current, w.applied = cfg, sum
	w.mu.Unlock()

	slog.Info("config watcher: configuration reloaded", "path", w.path)
	// The callback may call Current.
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return nil
}

func (w *Watcher) read() (fileStamp, []byte, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fileStamp{}, nil, err
	}
	return fileStamp{mtime: info.ModTime(), size: info.Size()}, data, nil
}
