// Package speech drives one text-to-audio request end to end: it acquires the
// audio output, opens a synthesis stream, decodes every PCM payload as it
// arrives and queues it for gapless playback, then waits for the queue to
// drain.
//
// Sessions are serialized. A second [Orchestrator.Play] call waits until the
// active session has released the output, honouring its own context while it
// waits. Reception and playback overlap: the sink plays earlier payloads while
// later ones are still arriving.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/pinyinvox/pinyinvox/internal/observe"
	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// Observer is called on every state transition of every session. It runs on
// the session goroutine and must not block.
type Observer func(from, to State)

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithObserver registers a state-transition callback.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithDrainTimeout bounds the wait for queued audio to finish playing.
// Zero means no bound.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.drainTimeout = d }
}

// Orchestrator owns the playback session state machine.
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	provider tts.Provider
	output   audio.Output
	metrics  *observe.Metrics
	observer Observer

	// sem admits one session at a time; waiters queue in FIFO order.
	sem *semaphore.Weighted

	mu           sync.RWMutex
	drainTimeout time.Duration
}

// New creates an Orchestrator that synthesizes with provider and plays on
// output.
func New(provider tts.Provider, output audio.Output, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		output:   output,
		sem:      semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	return o
}

// SetDrainTimeout replaces the drain bound for subsequent sessions.
func (o *Orchestrator) SetDrainTimeout(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drainTimeout = d
}

func (o *Orchestrator) currentDrainTimeout() time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.drainTimeout
}

// Play synthesizes text and plays it, returning once every sample has been
// heard or the session has failed.
//
// An empty synthesis result is a success with nothing played. Errors wrap
// [tts.ErrConnect], [tts.ErrTransport], [audio.ErrDeviceUnavailable] or the
// context error, so callers can classify them with errors.Is. On any error
// the queued audio is discarded and the output released.
func (o *Orchestrator) Play(ctx context.Context, text string) error {
	o.metrics.QueuedSessions.Add(ctx, 1)
	err := o.sem.Acquire(ctx, 1)
	o.metrics.QueuedSessions.Add(ctx, -1)
	if err != nil {
		return fmt.Errorf("speech: wait for output: %w", err)
	}
	defer o.sem.Release(1)

	ctx, span := observe.StartSpan(ctx, "speech.play",
		trace.WithAttributes(attribute.Int("text.length", len(text))),
	)

	o.metrics.ActiveSessions.Add(ctx, 1)
	defer o.metrics.ActiveSessions.Add(ctx, -1)

	s := &session{
		orch:         o,
		text:         text,
		drainTimeout: o.currentDrainTimeout(),
		start:        time.Now(),
	}
	err = s.run(ctx)

	span.SetAttributes(
		attribute.String("session.state", s.state.String()),
		attribute.Int("audio.frames", s.frames),
		attribute.Int("audio.bytes", s.bytes),
	)
	observe.EndSpan(span, err)
	o.metrics.RecordSession(ctx, s.outcome(ctx, err), time.Since(s.start).Seconds())
	return err
}

// session is one Play call. It is confined to the calling goroutine apart
// from the concurrent setup in open.
type session struct {
	orch         *Orchestrator
	text         string
	drainTimeout time.Duration
	start        time.Time

	state    State
	sink     audio.Sink
	stream   *audio.Stream
	frames   int
	bytes    int
	enqueued int
}

func (s *session) transition(to State) {
	from := s.state
	if !canTransition(from, to) {
		slog.Error("speech: invalid state transition", "from", from.String(), "to", to.String())
	}
	s.state = to
	if s.orch.observer != nil {
		s.orch.observer(from, to)
	}
}

func (s *session) run(parent context.Context) (err error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	log := observe.Logger(ctx)

	s.transition(StateRequesting)

	defer func() {
		if s.sink != nil {
			_ = s.sink.Close()
		}
	}()
	defer func() {
		if err == nil {
			return
		}
		// Discard queued audio and close the connection without waiting for
		// either to finish on its own.
		if s.sink != nil {
			s.sink.Stop()
		}
		cancel()
		if s.stream != nil {
			audio.Drain(s.stream.Audio)
		}
		s.transition(StateErrored)
		log.Warn("playback session failed", "err", err, "frames", s.frames, "bytes", s.bytes)
	}()

	if err := s.open(ctx, cancel); err != nil {
		return err
	}
	s.transition(StateReceiving)
	requested := time.Now()

	for payload := range s.stream.Audio {
		if s.frames == 0 {
			s.orch.metrics.TimeToFirstAudio.Record(ctx, time.Since(requested).Seconds())
		}
		s.frames++
		s.bytes += len(payload)
		s.orch.metrics.RecordAudioFrame(ctx, len(payload))

		s.transition(StateDecoding)
		buf := audio.NewSampleBuffer(payload, s.stream.Format)
		if len(buf.Samples) == 0 {
			log.Debug("skipping audio payload without whole samples", "len", len(payload))
			s.transition(StateReceiving)
			continue
		}
		if err := s.sink.Enqueue(buf); err != nil {
			return fmt.Errorf("speech: enqueue audio: %w", err)
		}
		s.enqueued++
		s.transition(StatePlaying)
		s.transition(StateReceiving)
	}
	if err := s.stream.Err(); err != nil {
		return fmt.Errorf("speech: receive audio: %w", err)
	}
	// The stream may have ended because ctx was cancelled between payloads.
	if err := parent.Err(); err != nil {
		return fmt.Errorf("speech: receive audio: %w", err)
	}

	if s.enqueued == 0 {
		log.Info("synthesis returned no audio", "frames", s.frames)
		s.transition(StateCompleted)
		return nil
	}

	s.transition(StatePlaying)
	if err := s.drain(ctx); err != nil {
		return err
	}
	log.Debug("playback session completed",
		"frames", s.frames, "bytes", s.bytes, "duration", time.Since(s.start))
	s.transition(StateCompleted)
	return nil
}

// open acquires the output and starts the synthesis stream concurrently, so
// that a slow first device open overlaps the network handshake. If either
// fails, whatever the other obtained is released by run. A device failure
// also aborts a dial still in progress.
func (s *session) open(ctx context.Context, abort context.CancelFunc) error {
	var acquireErr, streamErr error
	var g errgroup.Group
	g.Go(func() error {
		sink, err := s.orch.output.Acquire(ctx)
		if err != nil {
			acquireErr = fmt.Errorf("speech: acquire output: %w", err)
			abort()
			return acquireErr
		}
		s.sink = sink
		return nil
	})
	g.Go(func() error {
		stream, err := s.orch.provider.SynthesizeStream(ctx, s.text)
		if err != nil {
			s.orch.metrics.RecordProviderRequest(ctx, "synthesis", "stream", "error")
			streamErr = fmt.Errorf("speech: start synthesis: %w", err)
			return streamErr
		}
		s.orch.metrics.RecordProviderRequest(ctx, "synthesis", "stream", "ok")
		s.stream = stream
		return nil
	})
	if g.Wait() == nil {
		return nil
	}
	// A device failure is the root cause when it aborted the dial.
	if acquireErr != nil {
		return acquireErr
	}
	return streamErr
}

func (s *session) drain(ctx context.Context) error {
	if s.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()
	}
	if err := s.sink.AwaitDrain(ctx); err != nil {
		return fmt.Errorf("speech: await playback: %w", err)
	}
	return nil
}

// outcome classifies the finished session for metrics.
func (s *session) outcome(ctx context.Context, err error) string {
	switch {
	case err == nil && s.enqueued == 0:
		return observe.StatusEmpty
	case err == nil:
		return observe.StatusCompleted
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return observe.StatusCancelled
	default:
		return observe.StatusErrored
	}
}
