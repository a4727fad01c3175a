package config

// ConfigDiff describes what changed between two configs. Live sessions keep
// the settings they were created with, so the interesting questions are
// whether the log level should be adjusted and whether new sessions will see
// different pipeline settings.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged is true when provider, model, endpoint, or sampling changed.
	LLMChanged bool

	// STTChanged / TTSChanged cover the speech pipeline settings.
	STTChanged bool
	TTSChanged bool

	// MemoryChanged covers history bounding.
	MemoryChanged bool

	// RetryChanged covers the retry profiles.
	RetryChanged bool
}

// Any reports whether the diff contains any change.
func (d ConfigDiff) Any() bool {
	return d.LogLevelChanged || d.LLMChanged || d.STTChanged || d.TTSChanged ||
		d.MemoryChanged || d.RetryChanged
}

// Diff compares old and updated configs and returns what changed.
func Diff(old, updated *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != updated.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = updated.Server.LogLevel
	}
	if old.LLM != updated.LLM {
		d.LLMChanged = true
	}
	if old.STT != updated.STT {
		d.STTChanged = true
	}
	if old.TTS != updated.TTS {
		d.TTSChanged = true
	}
	if old.Memory != updated.Memory {
		d.MemoryChanged = true
	}
	if old.Retry != updated.Retry {
		d.RetryChanged = true
	}

	return d
}
