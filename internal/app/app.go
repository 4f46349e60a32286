// Package app wires all pinyinvox subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the local invoke API, Reload applies a changed
// config to the running process, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via [Providers] and functional options
// (WithMetrics, WithListener, WithToneLookup). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pinyinvox/pinyinvox/internal/commands"
	"github.com/pinyinvox/pinyinvox/internal/config"
	"github.com/pinyinvox/pinyinvox/internal/health"
	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/internal/resilience"
	"github.com/pinyinvox/pinyinvox/internal/speech"
	"github.com/pinyinvox/pinyinvox/internal/syllable"
	"github.com/pinyinvox/pinyinvox/internal/tone"
	"github.com/pinyinvox/pinyinvox/internal/tonecache"
	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

const readHeaderTimeout = 5 * time.Second

// Providers holds the backends built from the config registry by main.go.
// Both are required.
type Providers struct {
	Synthesis tts.Provider
	Output    audio.Output
}

// ToneLookup is the tone backend used by the tone command.
type ToneLookup interface {
	commands.ToneLookup
	SetTimeout(d time.Duration)
	Ready(ctx context.Context) error
}

// timeoutSetter is implemented by synthesis providers whose timeouts can be
// changed while running.
type timeoutSetter interface {
	SetTimeouts(timeout, idle time.Duration)
}

// readier is implemented by outputs that can report device availability.
type readier interface {
	Ready(ctx context.Context) error
}

// App owns all subsystem lifetimes.
type App struct {
	providers *Providers

	mu  sync.Mutex
	cfg *config.Config

	metrics  *observe.Metrics
	logLevel *slog.LevelVar
	listener net.Listener

	tones    ToneLookup
	speech   *speech.Orchestrator
	commands *commands.Commands
	handler  http.Handler
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instance shared by every subsystem.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel sets the level variable that Reload adjusts when
// server.log_level changes.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithListener makes Run serve on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithToneLookup injects a tone backend instead of creating a tone.Client.
func WithToneLookup(t ToneLookup) Option {
	return func(a *App) { a.tones = t }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Synthesis == nil {
		return nil, errors.New("app: synthesis provider is required")
	}
	if providers.Output == nil {
		return nil, errors.New("app: audio output is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Tone client ───────────────────────────────────────────────────
	if a.tones == nil {
		a.tones = a.newToneClient()
	}

	// ── 2. Speech orchestrator ───────────────────────────────────────────
	a.speech = speech.New(providers.Synthesis, providers.Output,
		speech.WithMetrics(a.metrics),
		speech.WithDrainTimeout(cfg.Playback.DrainTimeout),
	)
	if c, ok := providers.Output.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}

	// ── 3. Commands ──────────────────────────────────────────────────────
	splitter := syllable.New(syllable.WithCorrectionThreshold(cfg.Syllable.CorrectionThreshold))
	a.commands = commands.New(splitter, a.tones, a.speech, commands.WithMetrics(a.metrics))

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.handler = a.newHandler()

	slog.Info("app initialised",
		"synthesis", cfg.Synthesis.Provider,
		"tone_endpoint", cfg.Tone.Endpoint,
		"sample_rate", cfg.Playback.SampleRate,
		"channels", cfg.Playback.Channels,
	)
	return a, nil
}

func (a *App) newToneClient() *tone.Client {
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "tone",
		MaxFailures:  a.cfg.Tone.Breaker.MaxFailures,
		ResetTimeout: a.cfg.Tone.Breaker.ResetTimeout,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	})
	opts := []tone.Option{
		tone.WithTimeout(a.cfg.Tone.Timeout),
		tone.WithBreaker(cb),
		tone.WithMetrics(a.metrics),
	}
	if cache := a.openToneCache(); cache != nil {
		opts = append(opts, tone.WithCache(cache))
	}
	return tone.New(a.cfg.Tone.Endpoint, opts...)
}

// openToneCache opens the lookup cache when one is configured. A cache that
// cannot be opened is logged and skipped; lookups then always hit the backend.
func (a *App) openToneCache() *tonecache.Store {
	cc := a.cfg.Tone.Cache
	if !cc.Enabled() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), readHeaderTimeout)
	defer cancel()
	store, err := tonecache.Open(ctx, tonecache.Options{
		Path:       cc.Path,
		TTL:        cc.TTL,
		MaxEntries: cc.MaxEntries,
	})
	if err != nil {
		slog.Warn("tone cache unavailable, continuing without it", "path", cc.Path, "err", err)
		return nil
	}
	a.closers = append(a.closers, store.Close)
	slog.Info("tone cache opened", "path", cc.Path, "ttl", cc.TTL, "max_entries", cc.MaxEntries)
	return store
}

func (a *App) newHandler() http.Handler {
	mux := http.NewServeMux()
	a.commands.Register(mux)

	checkers := []health.Checker{
		{Name: "tone", Check: a.tones.Ready, Optional: true},
	}
	if r, ok := a.providers.Output.(readier); ok {
		checkers = append(checkers, health.Checker{Name: "output", Check: r.Ready})
	}
	health.New(checkers...).Register(mux)

	if a.cfg.Telemetry.MetricsEnabled() {
		mux.Handle("GET /metrics", observe.MetricsHandler())
	}
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler of the invoke API.
func (a *App) Handler() http.Handler { return a.handler }

// Commands returns the command surface.
func (a *App) Commands() *commands.Commands { return a.commands }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the invoke API and blocks until ctx is cancelled or the server
// fails. It returns ctx.Err() on cancellation.
func (a *App) Run(ctx context.Context) error {
	l := a.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.mu.Lock()
	a.server = srv
	a.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()
	slog.Info("invoke API listening", "addr", l.Addr().String())

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Say plays text once through the command surface.
func (a *App) Say(ctx context.Context, text string) error {
	_, err := a.commands.PlaySpeech(ctx, text)
	return err
}

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of next and logs the keys that need
// a restart. It returns the computed diff.
func (a *App) Reload(next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SynthesisTimeoutsChanged {
		if s, ok := a.providers.Synthesis.(timeoutSetter); ok {
			s.SetTimeouts(next.Synthesis.Timeout, next.Synthesis.IdleTimeout)
			slog.Info("synthesis timeouts changed",
				"timeout", next.Synthesis.Timeout,
				"idle_timeout", next.Synthesis.IdleTimeout,
			)
		}
	}
	if d.ToneTimeoutChanged {
		a.tones.SetTimeout(next.Tone.Timeout)
		slog.Info("tone timeout changed", "timeout", next.Tone.Timeout)
	}
	if d.DrainTimeoutChanged {
		a.speech.SetDrainTimeout(next.Playback.DrainTimeout)
		slog.Info("drain timeout changed", "drain_timeout", next.Playback.DrainTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "keys", d.RestartRequired)
	}
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the HTTP server and releases the audio output. It is safe
// to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.mu.Lock()
		srv := a.server
		a.mu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
				shutdownErr = err
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
