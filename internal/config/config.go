// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for netassist.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog maps l to a [slog.Level]. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig          `yaml:"server"`
	Providers ProvidersConfig       `yaml:"providers"`
	Audio     AudioConfig           `yaml:"audio"`
	Session   SessionConfig         `yaml:"session"`
	Chat      ChatConfig            `yaml:"chat"`
	Modes     map[string]ModeConfig `yaml:"modes"`
}

// ServerConfig holds the operational HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the address serving /healthz, /readyz, /statusz and
	// /metrics. Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig selects the backend for each channel. Each entry's Name
// looks up the constructor in the [Registry].
type ProvidersConfig struct {
	Live ProviderEntry `yaml:"live"`
	Chat ProviderEntry `yaml:"chat"`

	// ChatFallbacks are tried in order when the chat provider keeps failing.
	ChatFallbacks []ProviderEntry `yaml:"chat_fallbacks"`
}

// ProviderEntry is the common configuration block shared by all provider types.
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty the loader falls
	// back to the API_KEY and GEMINI_API_KEY environment variables.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects host devices and stream formats.
type AudioConfig struct {
	// InputDevice and OutputDevice match device names case-insensitively by
	// substring. Empty selects the system default.
	InputDevice  string `yaml:"input_device"`
	OutputDevice string `yaml:"output_device"`

	InputSampleRate  int `yaml:"input_sample_rate"`
	OutputSampleRate int `yaml:"output_sample_rate"`

	// OutputChannels is 1 for mono or 2 for stereo speakers. Playback is
	// mixed in mono either way.
	OutputChannels int `yaml:"output_channels"`

	// FrameSize is the number of samples per capture callback.
	FrameSize int `yaml:"frame_size"`
}

// SessionConfig controls voice session establishment.
type SessionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	DefaultMode    string        `yaml:"default_mode"`
}

// ChatConfig holds sampling parameters for the text channel.
type ChatConfig struct {
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	// MaxFailures consecutive errors open a chat provider's circuit breaker;
	// it is probed again after FailoverReset. Only used with ChatFallbacks.
	MaxFailures   int           `yaml:"max_failures"`
	FailoverReset time.Duration `yaml:"failover_reset"`
}

// ModeConfig overrides fields of a built-in persona. Empty fields keep the
// built-in value.
type ModeConfig struct {
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Description  string `yaml:"description"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
}
