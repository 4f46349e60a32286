package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

// item is a queued buffer, or a marker asking dispatch to flush the
// resampler tail before a drain completes.
type item struct {
	buf   audio.SampleBuffer
	flush bool
}

// sink is the [audio.Sink] returned by [Player.Acquire]. A dispatch goroutine
// moves buffers from the FIFO queue to the device in submission order.
type sink struct {
	dev     Device
	poll    time.Duration
	release func()
	conv    audio.FormatConverter

	// rs is owned by the dispatch goroutine. It is created on the first
	// buffer whose rate differs from the device and dropped on flush or Stop.
	rs       *audio.StreamResampler
	rsFailed bool

	// writeMu orders device writes against Stop's discard so that a buffer
	// in flight during Stop is discarded too.
	writeMu sync.Mutex

	mu       sync.Mutex
	queue    []item
	enqueued uint64        // items accepted by Enqueue and AwaitDrain
	written  uint64        // buffers handed to the device (or discarded)
	progress chan struct{} // closed and replaced whenever written advances
	stops    uint64        // incremented by Stop; buffers popped earlier are dropped
	err      error         // first device write failure; terminal for the sink
	closed   bool

	notify    chan struct{} // wakes the dispatch goroutine
	done      chan struct{} // closed by Close
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newSink(dev Device, poll time.Duration, release func()) *sink {
	s := &sink{
		dev:      dev,
		poll:     poll,
		release:  release,
		conv:     audio.FormatConverter{Target: dev.Format()},
		progress: make(chan struct{}),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.dispatch()
	return s
}

// Enqueue implements [audio.Sink].
func (s *sink) Enqueue(buf audio.SampleBuffer) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.ErrSinkClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.queue = append(s.queue, item{buf: buf})
	s.enqueued++
	s.mu.Unlock()

	s.wake()
	return nil
}

func (s *sink) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// AwaitDrain implements [audio.Sink]. It first waits until every buffer
// enqueued before the call, and the resampler tail behind them, has reached
// the device, then until the device buffer has played out. A failed device
// write is returned instead.
func (s *sink) AwaitDrain(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return audio.ErrSinkClosed
	}
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.queue = append(s.queue, item{flush: true})
	s.enqueued++
	target := s.enqueued
	s.mu.Unlock()
	s.wake()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return audio.ErrSinkClosed
		}
		reached := s.written >= target
		progress := s.progress
		writeErr := s.err
		s.mu.Unlock()
		if writeErr != nil {
			return writeErr
		}
		if reached {
			break
		}
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if s.dev.Buffered() <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return audio.ErrSinkClosed
		case <-ticker.C:
			if s.dev.Buffered() <= 0 {
				return nil
			}
		}
	}
}

// Stop implements [audio.Sink].
func (s *sink) Stop() {
	s.mu.Lock()
	s.queue = nil
	s.stops++
	s.advanceLocked(s.enqueued)
	s.mu.Unlock()

	s.writeMu.Lock()
	s.dev.Discard()
	s.writeMu.Unlock()
}

// Close implements [audio.Sink].
func (s *sink) Close() error {
	s.closeOnce.Do(func() {
		s.Stop()
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		s.wg.Wait()
		s.release()
	})
	return nil
}

// dispatch runs until Close, writing queued buffers to the device.
func (s *sink) dispatch() {
	defer s.wg.Done()
	var lastStops uint64
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			it, seq, stops, ok := s.next()
			if !ok {
				break
			}
			if stops != lastStops {
				// Filter state from before a Stop belongs to discarded audio.
				s.rs = nil
				lastStops = stops
			}
			var out audio.SampleBuffer
			if it.flush {
				out = s.flush()
			} else {
				out = s.convert(it.buf)
			}
			var err error
			if len(out.Samples) > 0 {
				s.writeMu.Lock()
				if !s.stoppedSince(stops) {
					err = s.dev.Write(out.Samples)
				}
				s.writeMu.Unlock()
			}
			s.mu.Lock()
			if err != nil {
				s.failLocked(err, out.Frames())
			} else {
				s.advanceLocked(seq)
			}
			s.mu.Unlock()
		}
	}
}

// convert brings buf to the device format. Rate conversion goes through the
// streaming resampler; the linear converter covers channel layout and is the
// fallback when the resampler cannot be built.
func (s *sink) convert(buf audio.SampleBuffer) audio.SampleBuffer {
	target := s.dev.Format()
	if buf.SampleRate == target.SampleRate || buf.SampleRate <= 0 || s.rsFailed {
		return s.conv.Convert(buf)
	}
	if s.rs == nil || s.rs.From() != buf.Format() {
		rs, err := audio.NewStreamResampler(buf.Format(), target.SampleRate)
		if err != nil {
			slog.Warn("playback: resampler unavailable, using linear interpolation", "err", err)
			s.rsFailed = true
			return s.conv.Convert(buf)
		}
		s.rs = rs
	}
	out, err := s.rs.Process(buf)
	if err != nil {
		slog.Warn("playback: resample failed, using linear interpolation", "err", err)
		s.rs = nil
		return s.conv.Convert(buf)
	}
	return s.conv.Convert(out)
}

// flush releases the resampler tail and resets it for the next utterance.
func (s *sink) flush() audio.SampleBuffer {
	if s.rs == nil {
		return audio.SampleBuffer{}
	}
	rs := s.rs
	s.rs = nil
	out, err := rs.Flush()
	if err != nil {
		slog.Debug("playback: resampler flush failed", "err", err)
		return audio.SampleBuffer{}
	}
	return s.conv.Convert(out)
}

// next pops the oldest queued item together with its sequence number and
// the Stop count at the time it was popped.
func (s *sink) next() (item, uint64, uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.closed {
		return item{}, 0, 0, false
	}
	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	// Items still queued have the highest sequence numbers.
	seq := s.enqueued - uint64(len(s.queue))
	return it, seq, s.stops, true
}

func (s *sink) stoppedSince(stops uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops != stops
}

// failLocked records the first write failure, drops the queue and wakes
// AwaitDrain callers so they return it. Must be called with s.mu held.
func (s *sink) failLocked(err error, frames int) {
	if s.err == nil {
		slog.Warn("playback: device write failed", "frames", frames, "err", err)
		s.err = fmt.Errorf("playback: write: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	s.queue = nil
	s.advanceLocked(s.enqueued)
}

// advanceLocked moves the written watermark forward and wakes AwaitDrain
// callers. Must be called with s.mu held.
func (s *sink) advanceLocked(seq uint64) {
	if seq <= s.written {
		return
	}
	s.written = seq
	close(s.progress)
	s.progress = make(chan struct{})
}
