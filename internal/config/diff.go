package config

// ConfigDiff describes what changed between two configs.
// Settings that can be applied to a running process are reported
// individually; everything else is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SynthesisTimeoutsChanged covers synthesis.timeout and idle_timeout.
	SynthesisTimeoutsChanged bool

	ToneTimeoutChanged  bool
	DrainTimeoutChanged bool

	// RestartRequired lists the changed keys that only take effect after a
	// restart, in schema order.
	RestartRequired []string
}

// Changed reports whether anything at all differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SynthesisTimeoutsChanged || d.ToneTimeoutChanged ||
		d.DrainTimeoutChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Synthesis.Timeout != new.Synthesis.Timeout || old.Synthesis.IdleTimeout != new.Synthesis.IdleTimeout {
		d.SynthesisTimeoutsChanged = true
	}
	d.ToneTimeoutChanged = old.Tone.Timeout != new.Tone.Timeout
	d.DrainTimeoutChanged = old.Playback.DrainTimeout != new.Playback.DrainTimeout

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("synthesis.provider", old.Synthesis.Provider != new.Synthesis.Provider)
	restart("synthesis.endpoint", old.Synthesis.Endpoint != new.Synthesis.Endpoint)
	restart("synthesis.mode", old.Synthesis.Mode != new.Synthesis.Mode)
	restart("synthesis.read_limit", old.Synthesis.ReadLimit != new.Synthesis.ReadLimit)
	restart("synthesis.api_key", old.Synthesis.APIKey != new.Synthesis.APIKey)
	restart("synthesis.voice_id", old.Synthesis.VoiceID != new.Synthesis.VoiceID)
	restart("synthesis.model", old.Synthesis.Model != new.Synthesis.Model)
	restart("tone.endpoint", old.Tone.Endpoint != new.Tone.Endpoint)
	restart("tone.breaker", old.Tone.Breaker != new.Tone.Breaker)
	restart("tone.cache", old.Tone.Cache != new.Tone.Cache)
	restart("playback.sample_rate", old.Playback.SampleRate != new.Playback.SampleRate)
	restart("playback.channels", old.Playback.Channels != new.Playback.Channels)
	restart("playback.buffer_size", old.Playback.BufferSize != new.Playback.BufferSize)
	restart("syllable.correction_threshold", old.Syllable.CorrectionThreshold != new.Syllable.CorrectionThreshold)
	restart("telemetry.service_name", old.Telemetry.ServiceName != new.Telemetry.ServiceName)
	restart("telemetry.metrics", old.Telemetry.MetricsEnabled() != new.Telemetry.MetricsEnabled())

	return d
}
