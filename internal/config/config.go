// Package config provides the configuration schema, loader, hot-reload
// watcher, and synthesis provider registry for pinyinvox.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the pinyinvox server.
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

// Slog converts l to the matching [slog.Level]. Unknown levels map to info.
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

// Synthesis provider names.
const (
	// ProviderStream is the plain WebSocket PCM stream backend.
	ProviderStream = "stream"

	// ProviderElevenLabs is the ElevenLabs streaming input API.
	ProviderElevenLabs = "elevenlabs"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr        = "127.0.0.1:1420"
	DefaultSynthesisEndpoint = "ws://localhost:8000/play"
	DefaultToneEndpoint      = "http://localhost:8000/tone"
	DefaultServiceName       = "pinyinvox"
	DefaultSampleRate        = 24000
	DefaultChannels          = 1
	DefaultReadLimit         = 64 << 20
	DefaultTimeout           = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
	DefaultBufferSize        = 100 * time.Millisecond
	DefaultBreakerFailures   = 5
	DefaultBreakerReset      = 30 * time.Second
	DefaultToneCacheEntries  = 10000
)

// Config is the root configuration structure for pinyinvox.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Tone      ToneConfig      `yaml:"tone"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Syllable  SyllableConfig  `yaml:"syllable"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the local invoke API.
type ServerConfig struct {
	// ListenAddr is the TCP address the invoke API listens on.
	// Default: 127.0.0.1:1420.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// SynthesisConfig selects and tunes the speech synthesis backend.
type SynthesisConfig struct {
	// Provider names the registered backend: "stream" (default) or "elevenlabs".
	Provider string `yaml:"provider"`

	// Endpoint is the WebSocket URL of the stream backend, or a base URL
	// override for elevenlabs.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds connecting and sending the text. Hot-reloadable.
	Timeout time.Duration `yaml:"timeout"`

	// IdleTimeout bounds the wait for each audio frame. Hot-reloadable.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// Mode is "all_frames" (default) or "first_frame".
	Mode string `yaml:"mode"`

	// ReadLimit is the largest accepted frame in bytes.
	ReadLimit int64 `yaml:"read_limit"`

	// APIKey, VoiceID and Model are used by the elevenlabs provider only.
	APIKey  string `yaml:"api_key"`
	VoiceID string `yaml:"voice_id"`
	Model   string `yaml:"model"`
}

// ToneConfig configures the tone lookup client.
type ToneConfig struct {
	// Endpoint is the lookup URL. Default: http://localhost:8000/tone.
	Endpoint string `yaml:"endpoint"`

	// Timeout bounds each lookup. Hot-reloadable.
	Timeout time.Duration `yaml:"timeout"`

	// Breaker tunes the circuit breaker in front of the backend.
	Breaker BreakerConfig `yaml:"breaker"`

	// Cache keeps successful lookups on disk.
	Cache ToneCacheConfig `yaml:"cache"`
}

// ToneCacheConfig configures the persistent tone lookup cache.
type ToneCacheConfig struct {
	// Path is the SQLite database file. Empty disables the cache.
	Path string `yaml:"path"`

	// TTL expires entries older than this. Zero keeps them forever.
	TTL time.Duration `yaml:"ttl"`

	// MaxEntries caps the table; the least recently used rows are pruned
	// on startup. Default: 10000.
	MaxEntries int `yaml:"max_entries"`
}

// Enabled reports whether a cache file is configured.
func (c ToneCacheConfig) Enabled() bool { return c.Path != "" }

// BreakerConfig mirrors the tunables of a circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PlaybackConfig configures the audio output device.
type PlaybackConfig struct {
	// SampleRate and Channels describe the device format. The decoded stream
	// is converted to it when they differ.
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// DrainTimeout bounds the wait for queued audio to finish. Zero means
	// no bound. Hot-reloadable.
	DrainTimeout time.Duration `yaml:"drain_timeout"`

	// BufferSize is the device buffer length.
	BufferSize time.Duration `yaml:"buffer_size"`
}

// SyllableConfig configures the syllable splitter.
type SyllableConfig struct {
	// CorrectionThreshold enables nearest-syllable correction of unknown
	// fragments when positive. Range [0, 1].
	CorrectionThreshold float64 `yaml:"correction_threshold"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	// ServiceName is reported as the OTel service.name resource attribute.
	ServiceName string `yaml:"service_name"`

	// Metrics enables the Prometheus /metrics endpoint. Default: true.
	Metrics *bool `yaml:"metrics"`
}

// MetricsEnabled reports whether the /metrics endpoint should be served.
func (t TelemetryConfig) MetricsEnabled() bool {
	return t.Metrics == nil || *t.Metrics
}

// ApplyDefaults fills every zero-valued field that has a default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	s := &cfg.Synthesis
	if s.Provider == "" {
		s.Provider = ProviderStream
	}
	if s.Endpoint == "" && s.Provider == ProviderStream {
		s.Endpoint = DefaultSynthesisEndpoint
	}
	if s.Timeout == 0 {
		s.Timeout = DefaultTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.Mode == "" {
		s.Mode = "all_frames"
	}
	if s.ReadLimit == 0 {
		s.ReadLimit = DefaultReadLimit
	}

	if cfg.Tone.Endpoint == "" {
		cfg.Tone.Endpoint = DefaultToneEndpoint
	}
	if cfg.Tone.Timeout == 0 {
		cfg.Tone.Timeout = DefaultTimeout
	}
	if cfg.Tone.Breaker.MaxFailures == 0 {
		cfg.Tone.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.Tone.Breaker.ResetTimeout == 0 {
		cfg.Tone.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Tone.Cache.MaxEntries == 0 {
		cfg.Tone.Cache.MaxEntries = DefaultToneCacheEntries
	}

	if cfg.Playback.SampleRate == 0 {
		cfg.Playback.SampleRate = DefaultSampleRate
	}
	if cfg.Playback.Channels == 0 {
		cfg.Playback.Channels = DefaultChannels
	}
	if cfg.Playback.BufferSize == 0 {
		cfg.Playback.BufferSize = DefaultBufferSize
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}
