// Command pinyinvox is the entry point of the pinyinvox speech client. It
// serves the local invoke API used by the desktop shell, or speaks a single
// phrase when started with -say.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pinyinvox/pinyinvox/internal/app"
	"github.com/pinyinvox/pinyinvox/internal/commands"
	"github.com/pinyinvox/pinyinvox/internal/config"
	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/audio/playback"
	"github.com/pinyinvox/pinyinvox/pkg/audio/playback/speaker"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts/elevenlabs"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts/wsstream"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (defaults are used when empty)")
	say := flag.String("say", "", "speak the given pinyin once and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "pinyinvox: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("pinyinvox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		DisableMetrics: !cfg.Telemetry.MetricsEnabled(),
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err := app.New(cfg, providers, app.WithLogLevel(level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	// ── One-shot mode ─────────────────────────────────────────────────────────
	if *say != "" {
		if err := application.Say(ctx, *say); err != nil {
			fmt.Fprintf(os.Stderr, "pinyinvox: %s\n", commands.Describe(err))
			return 1
		}
		return 0
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(c config.Change) {
			application.Reload(c.New)
		})
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			defer watcher.Stop()
			go reloadOnHangup(ctx, watcher)
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("shutdown signal received, stopping…")
	return 0
}

// reloadOnHangup re-reads the config file whenever the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := w.Reload(); err != nil {
				slog.Warn("config reload on SIGHUP failed", "err", err)
			}
		}
	}
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the synthesis backends and the speaker
// output into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterSynthesis(config.ProviderStream, func(c config.SynthesisConfig) (tts.Provider, error) {
		mode, err := wsstream.ParseMode(c.Mode)
		if err != nil {
			return nil, err
		}
		return wsstream.New(c.Endpoint,
			wsstream.WithTimeout(c.Timeout),
			wsstream.WithIdleTimeout(c.IdleTimeout),
			wsstream.WithMode(mode),
			wsstream.WithReadLimit(c.ReadLimit),
		), nil
	})

	reg.RegisterSynthesis(config.ProviderElevenLabs, func(c config.SynthesisConfig) (tts.Provider, error) {
		opts := []elevenlabs.Option{elevenlabs.WithModel(c.Model)}
		if c.Endpoint != "" {
			opts = append(opts, elevenlabs.WithBaseURL(c.Endpoint))
		}
		p, err := elevenlabs.New(c.APIKey, c.VoiceID, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterOutput(func(c config.PlaybackConfig) (audio.Output, error) {
		format := audio.Format{SampleRate: c.SampleRate, Channels: c.Channels}
		return playback.New(func() (playback.Device, error) {
			dev, err := speaker.Open(format, c.BufferSize)
			if err != nil {
				return nil, err
			}
			return dev, nil
		}), nil
	})

	slog.Debug("registered providers", "synthesis", reg.SynthesisNames())
}

// buildProviders instantiates the configured synthesis backend and output.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	synth, err := reg.CreateSynthesis(cfg.Synthesis)
	if err != nil {
		return nil, fmt.Errorf("create synthesis provider %q: %w", cfg.Synthesis.Provider, err)
	}
	slog.Info("provider created", "kind", "synthesis", "name", cfg.Synthesis.Provider, "endpoint", cfg.Synthesis.Endpoint)

	out, err := reg.CreateOutput(cfg.Playback)
	if err != nil {
		return nil, fmt.Errorf("create audio output: %w", err)
	}
	return &app.Providers{Synthesis: synth, Output: out}, nil
}
