package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only LogLevel and Repeat can be applied to a running stream; any other
// change is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	RepeatChanged bool
	NewRepeat     bool

	// RestartRequired lists the top-level sections that changed in a way
	// that only takes effect on the next run.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.RepeatChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Playback.Repeat != new.Playback.Repeat {
		d.RepeatChanged = true
		d.NewRepeat = new.Playback.Repeat
	}

	if old.Observe != new.Observe {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	if !reflect.DeepEqual(old.Device, new.Device) {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if old.Stream != new.Stream {
		d.RestartRequired = append(d.RestartRequired, "stream")
	}
	if old.Format != new.Format {
		d.RestartRequired = append(d.RestartRequired, "format")
	}
	if old.Playback.StartID != new.Playback.StartID || !slices.Equal(old.Playback.Files, new.Playback.Files) {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}

	return d
}
