package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to reject unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"synthesis": {ProviderStream, ProviderElevenLabs},
}

// validModes lists the accepted synthesis.mode values.
var validModes = []string{"all_frames", "first_frame"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Synthesis
	s := cfg.Synthesis
	if s.Provider != "" && !slices.Contains(ValidProviderNames["synthesis"], s.Provider) {
		errs = append(errs, fmt.Errorf("synthesis.provider %q is invalid; valid values: %v", s.Provider, ValidProviderNames["synthesis"]))
	}
	if s.Endpoint != "" {
		if err := checkURL(s.Endpoint, "ws", "wss", "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("synthesis.endpoint: %w", err))
		}
	}
	if s.Mode != "" && !slices.Contains(validModes, s.Mode) {
		errs = append(errs, fmt.Errorf("synthesis.mode %q is invalid; valid values: all_frames, first_frame", s.Mode))
	}
	if s.Timeout < 0 {
		errs = append(errs, errors.New("synthesis.timeout must not be negative"))
	}
	if s.IdleTimeout < 0 {
		errs = append(errs, errors.New("synthesis.idle_timeout must not be negative"))
	}
	if s.ReadLimit < 0 {
		errs = append(errs, errors.New("synthesis.read_limit must not be negative"))
	}
	if s.Provider == ProviderElevenLabs {
		if s.APIKey == "" {
			errs = append(errs, fmt.Errorf("synthesis.api_key is required for provider %q", s.Provider))
		}
		if s.VoiceID == "" {
			errs = append(errs, fmt.Errorf("synthesis.voice_id is required for provider %q", s.Provider))
		}
	} else if s.APIKey != "" || s.VoiceID != "" || s.Model != "" {
		slog.Warn("synthesis.api_key, voice_id and model are only used by the elevenlabs provider",
			"provider", s.Provider,
		)
	}

	// Tone
	if cfg.Tone.Endpoint != "" {
		if err := checkURL(cfg.Tone.Endpoint, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("tone.endpoint: %w", err))
		}
	}
	if cfg.Tone.Timeout < 0 {
		errs = append(errs, errors.New("tone.timeout must not be negative"))
	}
	if cfg.Tone.Breaker.MaxFailures < 0 {
		errs = append(errs, errors.New("tone.breaker.max_failures must not be negative"))
	}
	if cfg.Tone.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("tone.breaker.reset_timeout must not be negative"))
	}
	if cfg.Tone.Cache.TTL < 0 {
		errs = append(errs, errors.New("tone.cache.ttl must not be negative"))
	}
	if cfg.Tone.Cache.MaxEntries < 0 {
		errs = append(errs, errors.New("tone.cache.max_entries must not be negative"))
	}

	// Playback
	p := cfg.Playback
	if p.SampleRate != 0 && (p.SampleRate < 8000 || p.SampleRate > 192000) {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d is out of range [8000, 192000]", p.SampleRate))
	}
	if p.Channels < 0 || p.Channels > 2 {
		errs = append(errs, fmt.Errorf("playback.channels %d is invalid; valid values: 1, 2", p.Channels))
	}
	if p.DrainTimeout < 0 {
		errs = append(errs, errors.New("playback.drain_timeout must not be negative"))
	}
	if p.BufferSize < 0 {
		errs = append(errs, errors.New("playback.buffer_size must not be negative"))
	}

	// Syllable
	if t := cfg.Syllable.CorrectionThreshold; t < 0 || t > 1 {
		errs = append(errs, fmt.Errorf("syllable.correction_threshold %.2f is out of range [0, 1]", t))
	}

	return errors.Join(errs...)
}

// checkURL verifies that raw is an absolute URL with one of the schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if !slices.Contains(schemes, u.Scheme) || u.Host == "" {
		return fmt.Errorf("URL %q must be absolute with scheme %v", raw, schemes)
	}
	return nil
}
