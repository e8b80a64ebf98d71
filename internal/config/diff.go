package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; provider and
// backend changes require a restart and are deliberately absent.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is true when the examiner voice profile changed. New
	// sessions pick it up; running sessions keep their voice.
	VoiceChanged bool
	NewVoice     VoiceConfig

	// TimingsChanged is true when any session timing knob changed. Applies
	// to sessions started after the reload.
	TimingsChanged bool
	NewTimings     TimingsConfig
}

// Any reports whether the diff contains at least one change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.VoiceChanged || d.TimingsChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Exam.Voice != new.Exam.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Exam.Voice
	}

	if old.Timings != new.Timings {
		d.TimingsChanged = true
		d.NewTimings = new.Timings
	}

	return d
}
