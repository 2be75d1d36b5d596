package config

import (
	"reflect"
	"slices"

	"github.com/MrWong99/netassist/internal/mode"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// the persona overrides. Provider, audio and session settings apply on
// restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ModesChanged lists the modes whose persona override was added, removed
	// or modified.
	ModesChanged []mode.Mode

	// RestartRequired is set when a field outside the hot-reloadable set
	// changed.
	RestartRequired bool
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.ModesChanged) == 0 && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	for k, oldMode := range old.Modes {
		newMode, exists := new.Modes[k]
		if !exists || newMode != oldMode {
			d.ModesChanged = appendMode(d.ModesChanged, k)
		}
	}
	for k := range new.Modes {
		if _, exists := old.Modes[k]; !exists {
			d.ModesChanged = appendMode(d.ModesChanged, k)
		}
	}
	slices.Sort(d.ModesChanged)

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		!sameEntry(old.Providers.Live, new.Providers.Live) ||
		!sameEntry(old.Providers.Chat, new.Providers.Chat) ||
		!slices.EqualFunc(old.Providers.ChatFallbacks, new.Providers.ChatFallbacks, sameEntry) ||
		old.Audio != new.Audio ||
		old.Session != new.Session ||
		old.Chat != new.Chat {
		d.RestartRequired = true
	}

	return d
}

func appendMode(list []mode.Mode, key string) []mode.Mode {
	m, err := mode.Parse(key)
	if err != nil || slices.Contains(list, m) {
		return list
	}
	return append(list, m)
}

func sameEntry(a, b ProviderEntry) bool {
	if a.Name != b.Name || a.APIKey != b.APIKey || a.BaseURL != b.BaseURL || a.Model != b.Model {
		return false
	}
	if len(a.Options) == 0 && len(b.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(a.Options, b.Options)
}
