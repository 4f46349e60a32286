// Package mock provides in-memory mock implementations of the [audio.Output]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	sink := &mock.Sink{}
//	out := &mock.Output{AcquireResult: sink}
//	s, err := out.Acquire(ctx)
//	_ = s.Enqueue(buf)
//	// later: sink.Enqueued() returns every buffer in order.
package mock

import (
	"context"
	"sync"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Output = (*Output)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output].
type Output struct {
	mu sync.Mutex

	// AcquireResult is the [audio.Sink] returned by Acquire. When nil, a fresh
	// *Sink is created and recorded in Sinks on every call.
	AcquireResult audio.Sink

	// AcquireError is returned by Acquire when non-nil.
	AcquireError error

	// CallCountAcquire records how many times Acquire was called.
	CallCountAcquire int

	// Sinks holds every *Sink created by Acquire when AcquireResult is nil.
	Sinks []*Sink
}

// Acquire implements [audio.Output].
func (o *Output) Acquire(ctx context.Context) (audio.Sink, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountAcquire++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.AcquireError != nil {
		return nil, o.AcquireError
	}
	if o.AcquireResult != nil {
		return o.AcquireResult, nil
	}
	s := &Sink{}
	o.Sinks = append(o.Sinks, s)
	return s, nil
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock implementation of [audio.Sink]. Buffers are recorded but
// never played; AwaitDrain returns immediately unless DrainBlock is set.
type Sink struct {
	mu sync.Mutex

	// EnqueueError is returned by Enqueue when non-nil.
	EnqueueError error

	// AwaitDrainError is returned by AwaitDrain when non-nil.
	AwaitDrainError error

	// DrainBlock, when non-nil, makes AwaitDrain wait until the channel is
	// closed or the context is done.
	DrainBlock chan struct{}

	enqueued []audio.SampleBuffer

	// CallCountAwaitDrain records how many times AwaitDrain was called.
	CallCountAwaitDrain int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Enqueue implements [audio.Sink]. The buffer is recorded unless EnqueueError
// is set.
func (s *Sink) Enqueue(buf audio.SampleBuffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EnqueueError != nil {
		return s.EnqueueError
	}
	s.enqueued = append(s.enqueued, buf)
	return nil
}

// AwaitDrain implements [audio.Sink].
func (s *Sink) AwaitDrain(ctx context.Context) error {
	s.mu.Lock()
	s.CallCountAwaitDrain++
	block := s.DrainBlock
	err := s.AwaitDrainError
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	return nil
}

// Enqueued returns a copy of every buffer passed to Enqueue, in order.
func (s *Sink) Enqueued() []audio.SampleBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.SampleBuffer, len(s.enqueued))
	copy(out, s.enqueued)
	return out
}

// Closed reports whether Close has been called at least once.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose > 0
}
