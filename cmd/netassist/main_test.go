package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/MrWong99/netassist/internal/chat"
	"github.com/MrWong99/netassist/internal/config"
	"github.com/MrWong99/netassist/internal/mode"
)

type fakeChatter struct {
	mode   mode.Mode
	sent   []string
	resets int
	err    error
}

func (f *fakeChatter) ChatMode() mode.Mode { return f.mode }

func (f *fakeChatter) SetChatMode(s string) (mode.Profile, error) {
	m, err := mode.Parse(s)
	if err != nil {
		return mode.Profile{}, err
	}
	f.mode = m
	return mode.DefaultCatalog().Lookup(m)
}

func (f *fakeChatter) Chat(_ context.Context, text string) (string, error) {
	f.sent = append(f.sent, text)
	if f.err != nil {
		return "", f.err
	}
	return "reply to " + text, nil
}

func (f *fakeChatter) ResetChat() { f.resets++ }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line, cmd, arg string
		ok             bool
	}{
		{"/mode analyst", "mode", "analyst", true},
		{"/RESET", "reset", "", true},
		{"/mode   ARCHITECT  ", "mode", "ARCHITECT", true},
		{"show ip route", "", "", false},
	}
	for _, tc := range tests {
		cmd, arg, ok := parseCommand(tc.line)
		if cmd != tc.cmd || arg != tc.arg || ok != tc.ok {
			t.Errorf("parseCommand(%q) = %q, %q, %v", tc.line, cmd, arg, ok)
		}
	}
}

func TestREPL(t *testing.T) {
	f := &fakeChatter{mode: mode.Triage}
	in := strings.NewReader("switch is down\n/mode analyst\n/mode sales\n/reset\n\n/bogus\n/quit\nnever sent\n")
	var out bytes.Buffer

	repl(context.Background(), f, in, &out)

	if len(f.sent) != 1 || f.sent[0] != "switch is down" {
		t.Errorf("sent = %v", f.sent)
	}
	if f.mode != mode.Analyst {
		t.Errorf("mode = %s, want ANALYST", f.mode)
	}
	if f.resets != 1 {
		t.Errorf("resets = %d, want 1", f.resets)
	}
	got := out.String()
	for _, want := range []string{
		"[TRIAGE] > reply to switch is down",
		"Switched to ANALYST: Jordan",
		"unknown mode",
		"Conversation in ANALYST cleared.",
		"Unknown command /bogus",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

func TestREPL_ConnectionError(t *testing.T) {
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.DiscardHandler))
	t.Cleanup(func() { slog.SetDefault(prev) })
	f := &fakeChatter{mode: mode.Triage, err: errors.New("dial tcp: i/o timeout")}
	var out bytes.Buffer

	repl(context.Background(), f, strings.NewReader("hello\n"), &out)

	if !strings.Contains(out.String(), chat.ConnectionErrorMessage) {
		t.Errorf("output = %q, want connection error message", out.String())
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)

	if got := strings.Join(reg.Names("live"), ","); got != "gemini,mock" {
		t.Errorf("live providers = %s", got)
	}
	if got := strings.Join(reg.Names("chat"), ","); got != "gemini,mock,openai" {
		t.Errorf("chat providers = %s", got)
	}
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "gemini"}); err == nil {
		t.Error("gemini live without api key should fail")
	}
	p, err := reg.CreateChat(config.ProviderEntry{Name: "openai", APIKey: "sk-test", Options: map[string]any{"max_retries": 1, "timeout": "10s"}})
	if err != nil || p.Name() != "openai" {
		t.Errorf("openai chat = %v, %v", p, err)
	}
}

func TestNewChatProvider(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(context.Background(), reg)

	cfg := config.Default()
	cfg.Providers.Chat = config.ProviderEntry{Name: "mock"}
	p, err := newChatProvider(reg, cfg)
	if err != nil || p.Name() != "mock" {
		t.Fatalf("single provider = %v, %v", p, err)
	}

	cfg.Providers.ChatFallbacks = []config.ProviderEntry{
		{Name: "openai", APIKey: "sk-test"},
		{Name: "ollama", Model: "llama3.1", BaseURL: "http://127.0.0.1:11434"},
	}
	p, err = newChatProvider(reg, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "mock+openai+ollama" {
		t.Errorf("failover name = %q, want mock+openai+ollama", p.Name())
	}

	cfg.Providers.ChatFallbacks = []config.ProviderEntry{{Name: "nope"}}
	if _, err := newChatProvider(reg, cfg); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestReloadOnHangup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netassist.yaml")
	if err := os.WriteFile(path, []byte("server: {log_level: info}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	reloaded := make(chan config.LogLevel, 1)
	w, err := config.NewWatcher(path, func(_, next *config.Config) {
		reloaded <- next.Server.LogLevel
	}, config.WithInterval(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	stop := reloadOnHangup(w)
	defer stop()

	if err := os.WriteFile(path, []byte("server: {log_level: warn}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGHUP); err != nil {
		t.Fatal(err)
	}
	select {
	case lvl := <-reloaded:
		if lvl != config.LogWarn {
			t.Errorf("reloaded level = %q, want warn", lvl)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP did not trigger a reload")
	}
}

func TestPrintStartupSummary(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.ChatFallbacks = []config.ProviderEntry{{Name: "openai", Model: "gpt-4o"}}
	p, err := cfg.Catalog().Lookup(mode.Analyst)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	printStartupSummary(&buf, cfg, p)

	out := buf.String()
	for _, want := range []string{"ANALYST", "Jordan", "Fallback 1", "openai / gpt-4o"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	width := -1
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		n := len([]rune(line))
		if width >= 0 && n != width {
			t.Errorf("ragged box line %q has %d runes, want %d", line, n, width)
		}
		width = n
	}
}

func TestOptHelpers(t *testing.T) {
	opts := map[string]any{"s": "v", "i": 3, "f": 2.0, "bad": true}
	if optString(opts, "s") != "v" || optString(opts, "i") != "" || optString(nil, "s") != "" {
		t.Error("optString mismatch")
	}
	if optInt(opts, "i") != 3 || optInt(opts, "f") != 2 || optInt(opts, "bad") != 0 {
		t.Error("optInt mismatch")
	}
}

func TestNewLogger_FollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(config.LogWarn.Slog())
	l := newLogger(&buf, level)

	l.Info("hidden")
	level.Set(slog.LevelDebug)
	l.Debug("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("log output = %q", buf.String())
	}
}
