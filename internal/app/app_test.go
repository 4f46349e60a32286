package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/pinyinvox/pinyinvox/internal/app"
	"github.com/pinyinvox/pinyinvox/internal/config"
	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/internal/tone"
	audiomock "github.com/pinyinvox/pinyinvox/pkg/audio/mock"
	ttsmock "github.com/pinyinvox/pinyinvox/pkg/provider/tts/mock"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type fakeTones struct {
	mu       sync.Mutex
	timeouts []time.Duration
	readyErr error
}

func (f *fakeTones) Lookup(_ context.Context, text string) (tone.Result, error) {
	return tone.Result{Text: text, StyledText: "nǐ", ToneMarker: "3"}, nil
}

func (f *fakeTones) SetTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timeouts = append(f.timeouts, d)
}

func (f *fakeTones) Ready(context.Context) error { return f.readyErr }

// timedProvider is a synthesis mock whose timeouts can be changed.
type timedProvider struct {
	ttsmock.Provider

	mu            sync.Mutex
	timeout, idle time.Duration
}

func (p *timedProvider) SetTimeouts(timeout, idle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout, p.idle = timeout, idle
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app    *app.App
	synth  *timedProvider
	output *audiomock.Output
	sink   *audiomock.Sink
	tones  *fakeTones
	level  *slog.LevelVar
}

func newFixture(t *testing.T, opts ...app.Option) *fixture {
	t.Helper()
	f := &fixture{
		synth: &timedProvider{Provider: ttsmock.Provider{Payloads: [][]byte{{0x00, 0x40, 0x00, 0xC0}}}},
		sink:  &audiomock.Sink{},
		tones: &fakeTones{},
		level: new(slog.LevelVar),
	}
	f.output = &audiomock.Output{AcquireResult: f.sink}

	opts = append([]app.Option{
		app.WithMetrics(testMetrics(t)),
		app.WithToneLookup(f.tones),
		app.WithLogLevel(f.level),
	}, opts...)
	a, err := app.New(config.Default(), &app.Providers{Synthesis: f.synth, Output: f.output}, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	f.app = a
	return f
}

func post(t *testing.T, url, body string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, out
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{"nil", nil},
		{"no synthesis", &app.Providers{Output: &audiomock.Output{}}},
		{"no output", &app.Providers{Synthesis: &ttsmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := app.New(config.Default(), tt.providers, app.WithMetrics(testMetrics(t))); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_DefaultToneClient(t *testing.T) {
	t.Parallel()
	a, err := app.New(config.Default(), &app.Providers{
		Synthesis: &ttsmock.Provider{},
		Output:    &audiomock.Output{},
	}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if a.Commands() == nil || a.Handler() == nil {
		t.Fatal("app is missing its command surface")
	}
}

func TestNew_ToneCacheServesRepeatLookups(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"pinyin":"ni3 hao3","py_styled":"nǐ hǎo","tone":"3 3"}`))
	}))
	defer backend.Close()

	cfg := config.Default()
	cfg.Tone.Endpoint = backend.URL
	cfg.Tone.Cache.Path = filepath.Join(t.TempDir(), "tones.db")

	a, err := app.New(cfg, &app.Providers{
		Synthesis: &ttsmock.Provider{},
		Output:    &audiomock.Output{},
	}, app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer func() { _ = a.Shutdown(context.Background()) }()

	for range 3 {
		res, err := a.Commands().LookupTone(context.Background(), "ni3 hao3")
		if err != nil {
			t.Fatalf("LookupTone: %v", err)
		}
		if res.StyledText != "nǐ hǎo" {
			t.Fatalf("StyledText = %q", res.StyledText)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("backend hits = %d, want 1", n)
	}
}

// ─── Invoke API ──────────────────────────────────────────────────────────────

func TestHandler_EndToEnd(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	code, body := post(t, srv.URL+"/invoke/split", `{"input":"nihao"}`)
	if code != http.StatusOK || body["result"] != "ni hao" {
		t.Errorf("split = %d %v", code, body)
	}

	code, body = post(t, srv.URL+"/invoke/play", `{"input":"ni3 hao3"}`)
	if code != http.StatusOK || body["result"] != "OK" {
		t.Fatalf("play = %d %v", code, body)
	}
	bufs := f.sink.Enqueued()
	if len(bufs) != 1 {
		t.Fatalf("enqueued %d buffers, want 1", len(bufs))
	}
	want := []float32{float32(0x4000) / 32767, float32(-0x4000) / 32767}
	if !slices.Equal(bufs[0].Samples, want) {
		t.Errorf("samples = %v, want %v", bufs[0].Samples, want)
	}
	if calls := f.synth.SynthesizeStreamCalls; len(calls) != 1 || calls[0].Text != "ni3 hao3" {
		t.Errorf("synthesis calls = %+v", calls)
	}

	code, body = post(t, srv.URL+"/invoke/tone", `{"input":"ni3"}`)
	if code != http.StatusOK {
		t.Fatalf("tone = %d %v", code, body)
	}
	res, _ := body["result"].(map[string]any)
	if res["tone_marker"] != "3" {
		t.Errorf("tone result = %v", res)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.tones.readyErr = errors.New("circuit breaker is open")
	srv := httptest.NewServer(f.app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	var body struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || body.Status != "degraded" {
		t.Errorf("/readyz = %d %q, want 200 degraded", resp.StatusCode, body.Status)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics = %d, want 200", resp.StatusCode)
	}
}

func TestHandler_MetricsDisabled(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	off := false
	cfg.Telemetry.Metrics = &off
	a, err := app.New(cfg, &app.Providers{Synthesis: &ttsmock.Provider{}, Output: &audiomock.Output{}},
		app.WithMetrics(testMetrics(t)), app.WithToneLookup(&fakeTones{}))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404", rec.Code)
	}
}

func TestSay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.app.Say(context.Background(), "ni3 hao3"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if len(f.sink.Enqueued()) != 1 {
		t.Errorf("enqueued %d buffers, want 1", len(f.sink.Enqueued()))
	}

	f.output.AcquireError = errors.New("no device")
	if err := f.app.Say(context.Background(), "ni3"); err == nil {
		t.Error("expected error when the output cannot be acquired")
	}
}

// ─── Reload ──────────────────────────────────────────────────────────────────

func TestReload_AppliesHotSettings(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	next := config.Default()
	next.Server.LogLevel = config.LogDebug
	next.Synthesis.Timeout = 3 * time.Second
	next.Synthesis.IdleTimeout = 7 * time.Second
	next.Tone.Timeout = 2 * time.Second
	next.Playback.DrainTimeout = time.Minute

	d := f.app.Reload(next)
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
	if f.level.Level() != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", f.level.Level())
	}
	f.synth.mu.Lock()
	timeout, idle := f.synth.timeout, f.synth.idle
	f.synth.mu.Unlock()
	if timeout != 3*time.Second || idle != 7*time.Second {
		t.Errorf("synthesis timeouts = %v / %v", timeout, idle)
	}
	f.tones.mu.Lock()
	defer f.tones.mu.Unlock()
	if !slices.Equal(f.tones.timeouts, []time.Duration{2 * time.Second}) {
		t.Errorf("tone timeouts = %v", f.tones.timeouts)
	}
}

func TestReload_ReportsRestartKeys(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	next := config.Default()
	next.Server.ListenAddr = "127.0.0.1:0"
	d := f.app.Reload(next)
	if !slices.Equal(d.RestartRequired, []string{"server.listen_addr"}) {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}

	// A second reload diffs against the config applied by the first.
	if d := f.app.Reload(next); d.Changed() {
		t.Errorf("second reload diff = %+v, want no changes", d)
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := newFixture(t, app.WithListener(l))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.app.Run(ctx)
	}()

	url := "http://" + l.Addr().String() + "/healthz"
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("/healthz = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := f.app.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}
