package audio

import (
	"sync/atomic"
)

const (
	// SpeechSampleRate is the sample rate of the PCM produced by the synthesis
	// backend.
	SpeechSampleRate = 24000

	// SpeechChannels is the channel count of the PCM produced by the synthesis
	// backend.
	SpeechChannels = 1
)

// SpeechFormat is the wire format of every synthesis payload: 16-bit
// little-endian signed mono at 24000 Hz.
var SpeechFormat = Format{SampleRate: SpeechSampleRate, Channels: SpeechChannels}

// SampleBuffer is a decoded block of normalized audio samples ready for
// playback. Samples are interleaved when Channels > 1.
//
// A SampleBuffer must not be modified after construction. Ownership passes to
// the [Sink] on [Sink.Enqueue].
type SampleBuffer struct {
	// Samples holds normalized samples in [-1.0, 1.0].
	Samples []float32

	// Channels is the number of interleaved channels (1 = mono).
	Channels int

	// SampleRate in Hz.
	SampleRate int
}

// NewSampleBuffer decodes little-endian int16 PCM into a SampleBuffer of the
// given format. A trailing odd byte is dropped.
func NewSampleBuffer(pcm []byte, format Format) SampleBuffer {
	return SampleBuffer{
		Samples:    Samples(pcm),
		Channels:   format.Channels,
		SampleRate: format.SampleRate,
	}
}

// Format returns the buffer's sample rate and channel count.
func (b SampleBuffer) Format() Format {
	return Format{SampleRate: b.SampleRate, Channels: b.Channels}
}

// Frames returns the number of sample frames (samples per channel).
func (b SampleBuffer) Frames() int {
	if b.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Stream is the output of one synthesis request. Payloads of raw PCM arrive
// incrementally on the Audio channel so that playback can begin before the
// backend has finished sending.
type Stream struct {
	// Audio is a read-only channel of raw PCM payloads in [Stream.Format].
	// The producer closes it when the remote side ends the stream, when a
	// mid-stream error occurs, or when the request context is cancelled.
	// A channel that closes without delivering anything is a valid, empty
	// result. Check [Stream.Err] after the channel closes.
	Audio <-chan []byte

	// Format describes the PCM carried on Audio.
	Format Format

	streamErr atomic.Pointer[error]
}

// Err returns the error that caused the Audio channel to close prematurely,
// or nil if the stream completed successfully.
func (s *Stream) Err() error {
	if p := s.streamErr.Load(); p != nil {
		return *p
	}
	return nil
}

// SetStreamErr records a mid-stream error. The producer should call this
// before closing the Audio channel.
func (s *Stream) SetStreamErr(err error) {
	s.streamErr.Store(&err)
}
