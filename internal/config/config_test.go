package config_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/netassist/internal/config"
	"github.com/MrWong99/netassist/internal/mode"
	"github.com/MrWong99/netassist/pkg/provider/chat"
	chatmock "github.com/MrWong99/netassist/pkg/provider/chat/mock"
	"github.com/MrWong99/netassist/pkg/provider/live"
	livemock "github.com/MrWong99/netassist/pkg/provider/live/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

providers:
  live:
    name: gemini
    api_key: live-key
  chat:
    name: openai
    api_key: sk-test
    model: gpt-4o
    options:
      organization: netops
  chat_fallbacks:
    - name: gemini
      api_key: fallback-key

audio:
  input_device: USB
  output_device: Headset
  frame_size: 2048

session:
  connect_timeout: 5s
  default_mode: analyst

chat:
  temperature: 0.3
  max_output_tokens: 800

modes:
  TRIAGE:
    name: Robin
    voice: Aoede
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.Live.Model != config.DefaultLiveModel {
		t.Errorf("providers.live.model: got %q, want default", cfg.Providers.Live.Model)
	}
	if cfg.Providers.Chat.Name != "openai" || cfg.Providers.Chat.Model != "gpt-4o" {
		t.Errorf("providers.chat: got %+v", cfg.Providers.Chat)
	}
	if cfg.Providers.Chat.Options["organization"] != "netops" {
		t.Errorf("providers.chat.options: got %v", cfg.Providers.Chat.Options)
	}
	if cfg.Audio.FrameSize != 2048 || cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 ||
		cfg.Audio.OutputChannels != config.DefaultOutputChannels {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Errorf("session.connect_timeout: got %s, want 5s", cfg.Session.ConnectTimeout)
	}
	if cfg.Chat.Temperature != 0.3 || cfg.Chat.MaxOutputTokens != 800 {
		t.Errorf("chat: got %+v", cfg.Chat)
	}
	if fb := cfg.Providers.ChatFallbacks; len(fb) != 1 || fb[0].Name != "gemini" || fb[0].Model != config.DefaultChatModel {
		t.Errorf("providers.chat_fallbacks: got %+v", fb)
	}
	if cfg.Chat.MaxFailures != config.DefaultMaxFailures || cfg.Chat.FailoverReset != config.DefaultFailoverReset {
		t.Errorf("chat failover defaults: got %d/%s", cfg.Chat.MaxFailures, cfg.Chat.FailoverReset)
	}
	if cfg.Modes["TRIAGE"].Voice != "Aoede" {
		t.Errorf("modes.TRIAGE.voice: got %q", cfg.Modes["TRIAGE"].Voice)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error for empty config: %v", err)
	}
	if cfg.Providers.Live.Name != "gemini" || cfg.Providers.Chat.Name != "gemini" {
		t.Errorf("default providers: got %q/%q", cfg.Providers.Live.Name, cfg.Providers.Chat.Name)
	}
	if cfg.Session.ConnectTimeout != config.DefaultConnectTimeout {
		t.Errorf("connect_timeout: got %s", cfg.Session.ConnectTimeout)
	}
	if cfg.Session.DefaultMode != "TRIAGE" {
		t.Errorf("default_mode: got %q", cfg.Session.DefaultMode)
	}
	if cfg.Chat.Temperature != config.DefaultTemperature || cfg.Chat.MaxOutputTokens != config.DefaultMaxOutputTokens {
		t.Errorf("chat defaults: got %+v", cfg.Chat)
	}
}

func TestLoadFromReader_FallbackWithoutName(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("providers:\n  chat_fallbacks:\n    - model: gpt-4o\n"))
	if err == nil || !strings.Contains(err.Error(), "chat_fallbacks[0].name") {
		t.Fatalf("expected chat_fallbacks name error, got %v", err)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  log_level: verbose
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log_level, got nil")
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	yaml := `
modes:
  MANAGER:
    name: Pat
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if !errors.Is(err, mode.ErrUnknown) {
		t.Fatalf("expected ErrUnknown, got %v", err)
	}
}

func TestValidate_Ranges(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*config.Config)
		want string
	}{
		{"negative frame size", func(c *config.Config) { c.Audio.FrameSize = -1 }, "frame_size"},
		{"negative timeout", func(c *config.Config) { c.Session.ConnectTimeout = -time.Second }, "connect_timeout"},
		{"temperature", func(c *config.Config) { c.Chat.Temperature = 3 }, "temperature"},
		{"default mode", func(c *config.Config) { c.Session.DefaultMode = "boss" }, "default_mode"},
		{"sample rate", func(c *config.Config) { c.Audio.OutputSampleRate = -8000 }, "sample rates"},
		{"surround output", func(c *config.Config) { c.Audio.OutputChannels = 6 }, "output_channels"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &config.Config{}
			config.ApplyDefaults(cfg)
			tc.mut(cfg)
			err := config.Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate: got %v, want mention of %q", err, tc.want)
			}
		})
	}
}

// ── Catalog ──────────────────────────────────────────────────────────────────

func TestConfig_Catalog(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p, err := cfg.Catalog().Lookup(mode.Triage)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if p.Name != "Robin" || p.Voice != "Aoede" {
		t.Errorf("triage profile: got %s/%s, want Robin/Aoede", p.Name, p.Voice)
	}
	if p.Role != "1st Line Support (Triage)" {
		t.Errorf("role: got %q, want built-in", p.Role)
	}
	a, _ := cfg.Catalog().Lookup(mode.Analyst)
	if a.Name != "Jordan" {
		t.Errorf("analyst name: got %q, want built-in", a.Name)
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("live: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateChat(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("chat: expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	reg := config.NewRegistry()
	wantLive := &livemock.Provider{}
	wantChat := &chatmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLive("stub", func(e config.ProviderEntry) (live.Provider, error) {
		gotEntry = e
		return wantLive, nil
	})
	reg.RegisterChat("stub", func(config.ProviderEntry) (chat.Provider, error) {
		return wantChat, nil
	})

	gotLive, err := reg.CreateLive(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotLive != wantLive {
		t.Error("returned live provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory entry model: got %q", gotEntry.Model)
	}
	gotChat, err := reg.CreateChat(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotChat != wantChat {
		t.Error("returned chat provider is not the expected instance")
	}
	if names := reg.Names("live"); len(names) != 1 || names[0] != "stub" {
		t.Errorf("Names(live): got %v", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterChat("broken", func(config.ProviderEntry) (chat.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateChat(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}
