package main

import (
	"testing"

	"github.com/pinyinvox/pinyinvox/internal/config"
	"github.com/pinyinvox/pinyinvox/pkg/audio/playback"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts/elevenlabs"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts/wsstream"
)

func TestBuildProviders_Stream(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ps, err := buildProviders(config.Default(), reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.Synthesis.(*wsstream.Provider); !ok {
		t.Errorf("synthesis = %T, want *wsstream.Provider", ps.Synthesis)
	}
	// The device is opened lazily, so building the output must not touch it.
	if _, ok := ps.Output.(*playback.Player); !ok {
		t.Errorf("output = %T, want *playback.Player", ps.Output)
	}
}

func TestBuildProviders_ElevenLabs(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	cfg := config.Default()
	cfg.Synthesis.Provider = config.ProviderElevenLabs
	cfg.Synthesis.APIKey = "el-test"
	cfg.Synthesis.VoiceID = "voice-1"

	ps, err := buildProviders(cfg, reg)
	if err != nil {
		t.Fatalf("buildProviders: %v", err)
	}
	if _, ok := ps.Synthesis.(*elevenlabs.Provider); !ok {
		t.Errorf("synthesis = %T, want *elevenlabs.Provider", ps.Synthesis)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"bad mode", func(c *config.Config) { c.Synthesis.Mode = "every_other_frame" }},
		{"elevenlabs without key", func(c *config.Config) {
			c.Synthesis.Provider = config.ProviderElevenLabs
			c.Synthesis.VoiceID = "voice-1"
		}},
		{"unknown provider", func(c *config.Config) { c.Synthesis.Provider = "espeak" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			ps, err := buildProviders(cfg, reg)
			if err == nil {
				t.Fatalf("expected error, got %+v", ps)
			}
		})
	}
}
