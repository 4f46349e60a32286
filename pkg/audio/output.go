// Package audio defines the sample types, PCM decoding, and playback
// interfaces used by the pinyinvox speech pipeline.
//
// The two primary playback abstractions are:
//
//   - [Output]: the long-lived owner of the local audio device. Sessions
//     obtain exclusive, scoped access to it via [Output.Acquire].
//   - [Sink]: the per-session handle returned by Acquire. It queues
//     [SampleBuffer] values for gapless playback and lets the caller wait
//     until everything queued so far has been heard.
//
// Implementations live in audio/playback (queue-based sink over a device) and
// audio/mock (test doubles).
package audio

import (
	"context"
	"errors"
)

var (
	// ErrOutputBusy is returned by [Output.Acquire] when another session
	// still holds the output.
	ErrOutputBusy = errors.New("audio output is held by another session")

	// ErrDeviceUnavailable wraps failures to open the local output device.
	ErrDeviceUnavailable = errors.New("audio output device unavailable")

	// ErrSinkClosed is returned by [Sink] methods after [Sink.Close].
	ErrSinkClosed = errors.New("audio sink is closed")
)

// Output owns the local audio hardware.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Acquire grants exclusive use of the output for one session. The device
	// is opened on first use; a failure to open it is returned wrapped in
	// [ErrDeviceUnavailable]. The open is attempted again on the next Acquire.
	//
	// Returns [ErrOutputBusy] if a previously acquired Sink has not been
	// closed yet. The caller must Close the returned Sink on every path.
	Acquire(ctx context.Context) (Sink, error)
}

// Sink is a scoped handle to the output device with a FIFO play queue.
// Buffers play in the order they were enqueued with no inserted silence.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Enqueue appends buf to the play queue and returns immediately. Buffers
	// in a format other than the device's are converted by the sink.
	Enqueue(buf SampleBuffer) error

	// AwaitDrain blocks until every buffer enqueued so far has finished
	// playing, or until ctx is done, in which case ctx.Err() is returned and
	// playback continues.
	AwaitDrain(ctx context.Context) error

	// Stop discards all queued audio without waiting for it to play.
	Stop()

	// Close stops playback and releases the output for the next session. It is
	// safe to call Close more than once.
	Close() error
}
