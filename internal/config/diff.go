package config

import "slices"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when service, correlator or decoder settings
	// changed. These apply to the next conversation session.
	SessionChanged bool

	// RestartRequired lists settings that changed but are only read at
	// startup (listen address, audio devices).
	RestartRequired []string
}

// Changed reports whether d contains any change.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Service != new.Service ||
		old.Correlator != new.Correlator ||
		old.Decoder.MinSamples != new.Decoder.MinSamples ||
		!slices.Equal(old.Decoder.SampleRates, new.Decoder.SampleRates) {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}

	return d
}
