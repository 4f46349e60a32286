// Package tone is the HTTP client for the tone-lookup backend, which resolves
// tone-numbered pinyin into its tone-marked form.
//
// Calls go through a [resilience.CircuitBreaker] so that a backend that is
// down fails fast instead of stalling every lookup for the full timeout. The
// breaker only counts transport failures and 5xx responses; a 4xx is the
// caller's problem and leaves the breaker untouched. Lookups are never
// retried.
package tone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/internal/resilience"
)

// DefaultEndpoint is the local tone-lookup backend.
const DefaultEndpoint = "http://localhost:8000/tone"

const (
	defaultTimeout = 10 * time.Second
	maxBodySize    = 1 << 20
)

var (
	// ErrUnavailable wraps transport failures and 5xx responses.
	ErrUnavailable = errors.New("tone service unavailable")

	// ErrRejected wraps 4xx responses.
	ErrRejected = errors.New("tone service rejected the request")

	// ErrBadResponse wraps responses that are not the expected JSON object.
	ErrBadResponse = errors.New("tone service returned an invalid response")
)

// Result is the tone lookup for one input.
type Result struct {
	// Text is the input as normalized by the backend.
	Text string `json:"text"`

	// StyledText is the input with tone marks applied, e.g. "nǐ hǎo".
	StyledText string `json:"styled_text"`

	// ToneMarker is the backend's per-syllable tone annotation.
	ToneMarker string `json:"tone_marker"`
}

// request and response are the backend's wire shapes.
type request struct {
	Pinyin string `json:"pinyin"`
}

type response struct {
	Pinyin   *string `json:"pinyin"`
	PyStyled *string `json:"py_styled"`
	Tone     *string `json:"tone"`
}

// Cache stores lookup results keyed by the raw input. A hit skips the backend
// and the breaker entirely.
type Cache interface {
	Get(ctx context.Context, text string) (Result, bool, error)
	Put(ctx context.Context, text string, r Result) error
}

// Option configures a [Client].
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for lookups.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds each lookup. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBreaker sets the circuit breaker guarding the backend.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithCache consults c before the backend and stores successful lookups in
// it. Cache failures are logged and treated as misses.
func WithCache(cache Cache) Option {
	return func(c *Client) { c.cache = cache }
}

// Client looks up tones over HTTP. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	cache    Cache
	prop     propagation.TextMapPropagator

	mu      sync.RWMutex
	timeout time.Duration
}

// New creates a Client for endpoint. An empty endpoint selects
// [DefaultEndpoint].
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{},
		timeout:  defaultTimeout,
		prop:     propagation.TraceContext{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "tone"})
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// SetTimeout replaces the per-lookup bound. Used by configuration hot reload.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

func (c *Client) currentTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timeout
}

// Ready reports whether the breaker currently lets lookups through.
func (c *Client) Ready(_ context.Context) error {
	if c.breaker.State() == resilience.StateOpen {
		return fmt.Errorf("tone: %w", resilience.ErrCircuitOpen)
	}
	return nil
}

// Lookup resolves the tones of text.
func (c *Client) Lookup(ctx context.Context, text string) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "tone.lookup",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("text.length", len(text))),
	)
	start := time.Now()

	if res, ok := c.cached(ctx, text); ok {
		span.SetAttributes(attribute.String("tone.cache", "hit"))
		c.metrics.ToneLookupDuration.Record(ctx, time.Since(start).Seconds())
		c.metrics.RecordProviderRequest(ctx, "tone", "lookup", "cached")
		observe.EndSpan(span, nil)
		return res, nil
	}
	if c.cache != nil {
		span.SetAttributes(attribute.String("tone.cache", "miss"))
	}

	var (
		res       Result
		lookupErr error
	)
	err := c.breaker.Execute(func() error {
		res, lookupErr = c.do(ctx, text)
		if errors.Is(lookupErr, ErrUnavailable) {
			return lookupErr
		}
		return nil
	})
	if err == nil {
		err = lookupErr
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		err = fmt.Errorf("tone: lookup: %w: %w", ErrUnavailable, err)
	}

	c.metrics.ToneLookupDuration.Record(ctx, time.Since(start).Seconds())
	status := "ok"
	if err != nil {
		status = "error"
		c.metrics.RecordProviderError(ctx, "tone", "lookup")
	}
	c.metrics.RecordProviderRequest(ctx, "tone", "lookup", status)
	if err == nil && c.cache != nil {
		if perr := c.cache.Put(ctx, text, res); perr != nil {
			observe.Logger(ctx).Warn("tone: cache store failed", "err", perr)
		}
	}
	observe.EndSpan(span, err)
	return res, err
}

func (c *Client) cached(ctx context.Context, text string) (Result, bool) {
	if c.cache == nil {
		return Result{}, false
	}
	res, ok, err := c.cache.Get(ctx, text)
	if err != nil {
		observe.Logger(ctx).Warn("tone: cache read failed", "err", err)
		return Result{}, false
	}
	return res, ok
}

func (c *Client) do(ctx context.Context, text string) (Result, error) {
	if d := c.currentTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	body, err := json.Marshal(request{Pinyin: text})
	if err != nil {
		return Result{}, fmt.Errorf("tone: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("tone: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.prop.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("tone: POST %s: %w: %w", c.endpoint, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return Result{}, fmt.Errorf("tone: read response: %w: %w", ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return Result{}, fmt.Errorf("tone: unexpected status %d: %w", resp.StatusCode, ErrUnavailable)
	case resp.StatusCode >= http.StatusBadRequest:
		return Result{}, fmt.Errorf("tone: unexpected status %d: %w", resp.StatusCode, ErrRejected)
	case resp.StatusCode != http.StatusOK:
		return Result{}, fmt.Errorf("tone: unexpected status %d: %w", resp.StatusCode, ErrBadResponse)
	}

	return parseResponse(data)
}

// parseResponse decodes the backend's JSON. All three fields must be present.
func parseResponse(data []byte) (Result, error) {
	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, fmt.Errorf("tone: decode response: %w: %w", ErrBadResponse, err)
	}
	if r.Pinyin == nil || r.PyStyled == nil || r.Tone == nil {
		return Result{}, fmt.Errorf("tone: decode response: %w: missing field", ErrBadResponse)
	}
	return Result{
		Text:       *r.Pinyin,
		StyledText: *r.PyStyled,
		ToneMarker: *r.Tone,
	}, nil
}
