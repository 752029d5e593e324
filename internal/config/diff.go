package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// BargeInChanged is set when any barge_in field changed. NewBargeIn
	// holds the complete new section.
	BargeInChanged bool
	NewBargeIn     BargeInConfig

	// RestartRequired lists the top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// HotReloadable reports whether d contains anything that can be applied
// without a restart.
func (d ConfigDiff) HotReloadable() bool {
	return d.LogLevelChanged || d.BargeInChanged
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.BargeIn != new.BargeIn {
		d.BargeInChanged = true
		d.NewBargeIn = new.BargeIn
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"realtime", old.Realtime, new.Realtime},
		{"audio", old.Audio, new.Audio},
		{"transcript", old.Transcript, new.Transcript},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
