package config

// ConfigDiff describes what changed between two configs. Only log_level can
// be applied to a running process; every other change is reported in
// RestartNeeded so the operator knows a restart is required.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartNeeded lists the top-level sections whose new values only take
	// effect after a restart ("live", "audio", "store", "textgen", "metrics").
	RestartNeeded []string
}

// HasChanges reports whether the diff contains any change at all.
func (d ConfigDiff) HasChanges() bool {
	return d.LogLevelChanged || len(d.RestartNeeded) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Live != new.Live {
		d.RestartNeeded = append(d.RestartNeeded, "live")
	}
	if old.Audio != new.Audio {
		d.RestartNeeded = append(d.RestartNeeded, "audio")
	}
	if old.Store != new.Store {
		d.RestartNeeded = append(d.RestartNeeded, "store")
	}
	if old.Textgen != new.Textgen {
		d.RestartNeeded = append(d.RestartNeeded, "textgen")
	}
	if old.Metrics != new.Metrics {
		d.RestartNeeded = append(d.RestartNeeded, "metrics")
	}

	return d
}
