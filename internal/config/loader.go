package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/netassist/internal/mode"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultLiveModel        = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultChatModel        = "gemini-2.5-flash"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultOutputChannels   = 1
	DefaultFrameSize        = 4096
	DefaultConnectTimeout   = 15 * time.Second
	DefaultTemperature      = 0.7
	DefaultMaxOutputTokens  = 500
	DefaultMaxFailures      = 3
	DefaultFailoverReset    = 30 * time.Second
)

// APIKeyEnv lists the environment variables consulted, in order, for
// providers without an api_key. Providers in [VendorKeyProviders] are skipped.
var APIKeyEnv = []string{"API_KEY", "GEMINI_API_KEY"}

// VendorKeyProviders resolve a missing api_key from their own vendor
// variable (ANTHROPIC_API_KEY, GROQ_API_KEY, ...) or need none at all.
var VendorKeyProviders = []string{"anthropic", "deepseek", "groq", "llamacpp", "llamafile", "mistral", "ollama"}

// ValidProviderNames lists known provider names per channel. Used by
// [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"live": {"gemini", "mock"},
	"chat": append([]string{"gemini", "openai", "mock"}, VendorKeyProviders...),
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// environment fallback, and validates the result. An empty document yields
// the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	ApplyEnv(cfg, os.Getenv)
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.Live.Name == "" {
		cfg.Providers.Live.Name = "gemini"
	}
	if cfg.Providers.Live.Model == "" && cfg.Providers.Live.Name == "gemini" {
		cfg.Providers.Live.Model = DefaultLiveModel
	}
	if cfg.Providers.Chat.Name == "" {
		cfg.Providers.Chat.Name = "gemini"
	}
	if cfg.Providers.Chat.Model == "" && cfg.Providers.Chat.Name == "gemini" {
		cfg.Providers.Chat.Model = DefaultChatModel
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.OutputChannels == 0 {
		cfg.Audio.OutputChannels = DefaultOutputChannels
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Session.DefaultMode == "" {
		cfg.Session.DefaultMode = string(mode.Triage)
	}
	if cfg.Chat.Temperature == 0 {
		cfg.Chat.Temperature = DefaultTemperature
	}
	if cfg.Chat.MaxOutputTokens == 0 {
		cfg.Chat.MaxOutputTokens = DefaultMaxOutputTokens
	}
	if cfg.Chat.MaxFailures == 0 {
		cfg.Chat.MaxFailures = DefaultMaxFailures
	}
	if cfg.Chat.FailoverReset == 0 {
		cfg.Chat.FailoverReset = DefaultFailoverReset
	}
	for i := range cfg.Providers.ChatFallbacks {
		e := &cfg.Providers.ChatFallbacks[i]
		if e.Model == "" && e.Name == "gemini" {
			e.Model = DefaultChatModel
		}
	}
}

// ApplyEnv fills empty API keys from the environment using getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	entries := []*ProviderEntry{&cfg.Providers.Live, &cfg.Providers.Chat}
	for i := range cfg.Providers.ChatFallbacks {
		entries = append(entries, &cfg.Providers.ChatFallbacks[i])
	}
	for _, e := range entries {
		if e.APIKey != "" || slices.Contains(VendorKeyProviders, e.Name) {
			continue
		}
		for _, name := range APIKeyEnv {
			if v := getenv(name); v != "" {
				e.APIKey = v
				break
			}
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("live", cfg.Providers.Live.Name)
	validateProviderName("chat", cfg.Providers.Chat.Name)
	for i, e := range cfg.Providers.ChatFallbacks {
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("providers.chat_fallbacks[%d].name is required", i))
			continue
		}
		validateProviderName("chat", e.Name)
	}
	for kind, e := range map[string]ProviderEntry{"live": cfg.Providers.Live, "chat": cfg.Providers.Chat} {
		if e.Name != "mock" && e.APIKey == "" && !slices.Contains(VendorKeyProviders, e.Name) {
			slog.Warn("no API key configured; set api_key or one of the environment variables",
				"provider", "providers."+kind, "env", APIKeyEnv)
		}
	}

	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.InputSampleRate != 0 && cfg.Audio.InputSampleRate != DefaultInputSampleRate {
		slog.Warn("audio.input_sample_rate differs from the live model's expected 16000 Hz",
			"rate", cfg.Audio.InputSampleRate)
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.OutputChannels < 0 || cfg.Audio.OutputChannels > 2 {
		errs = append(errs, fmt.Errorf("audio.output_channels %d must be 1 or 2", cfg.Audio.OutputChannels))
	}
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.DefaultMode != "" {
		if _, err := mode.Parse(cfg.Session.DefaultMode); err != nil {
			errs = append(errs, fmt.Errorf("session.default_mode: %w", err))
		}
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("chat.max_output_tokens %d must be positive", cfg.Chat.MaxOutputTokens))
	}
	if cfg.Chat.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("chat.max_failures %d must be positive", cfg.Chat.MaxFailures))
	}
	if cfg.Chat.FailoverReset < 0 {
		errs = append(errs, fmt.Errorf("chat.failover_reset %s must not be negative", cfg.Chat.FailoverReset))
	}

	keys := make([]string, 0, len(cfg.Modes))
	for k := range cfg.Modes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if _, err := mode.Parse(k); err != nil {
			errs = append(errs, fmt.Errorf("modes.%s: %w", k, err))
		}
	}

	return errors.Join(errs...)
}

// Catalog builds the persona catalog: the built-in personas with the
// configured overrides applied.
func (c *Config) Catalog() *mode.Catalog {
	overrides := make([]mode.Profile, 0, len(c.Modes))
	for k, mc := range c.Modes {
		m, err := mode.Parse(k)
		if err != nil {
			continue
		}
		overrides = append(overrides, mode.Profile{
			Mode:         m,
			Name:         mc.Name,
			Role:         mc.Role,
			Description:  mc.Description,
			Voice:        mc.Voice,
			Instructions: mc.Instructions,
		})
	}
	return mode.DefaultCatalog().Override(overrides...)
}

// validateProviderName logs a warning if name is not a known provider for
// kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
