package config

import (
	"maps"
	"reflect"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RateLimitsChanged bool
	NewRateLimits     RateLimitsConfig

	// RestartRequired lists top-level sections that changed but only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.RateLimitsChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.RateLimits.IsEnabled() != new.RateLimits.IsEnabled() ||
		!maps.Equal(old.RateLimits.Classes, new.RateLimits.Classes) {
		d.RateLimitsChanged = true
		d.NewRateLimits = new.RateLimits
	}

	// Live fields are masked out before comparing whole sections.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"storage", old.Storage, new.Storage},
		{"audio", old.Audio, new.Audio},
		{"recording", old.Recording, new.Recording},
		{"backend", old.Backend, new.Backend},
		{"checkpoint", old.Checkpoint, new.Checkpoint},
		{"speaker", old.Speaker, new.Speaker},
		{"cleanup", old.Cleanup, new.Cleanup},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}
