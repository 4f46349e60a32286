package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// flushDivisor sizes the block of silence pushed through the filter by
// [StreamResampler.Flush]: SampleRate/flushDivisor frames, i.e. 100ms.
const flushDivisor = 10

// StreamResampler converts a continuous sequence of buffers to another sample
// rate. Filter state carries across buffers, so consecutive frames of one
// utterance join without discontinuities. Channel count is preserved.
//
// A StreamResampler is not safe for concurrent use.
type StreamResampler struct {
	from Format
	to   int
	rs   resampling.Resampler
}

// NewStreamResampler returns a resampler from the from format to toRate.
func NewStreamResampler(from Format, toRate int) (*StreamResampler, error) {
	if from.SampleRate <= 0 || from.Channels <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("audio: resample %s to %dHz: invalid format", from, toRate)
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(from.SampleRate),
		OutputRate: float64(toRate),
		Channels:   from.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: resample %s to %dHz: %w", from, toRate, err)
	}
	return &StreamResampler{from: from, to: toRate, rs: rs}, nil
}

// From returns the input format.
func (r *StreamResampler) From() Format { return r.from }

// Process resamples buf, which must be in the input format. The output may
// lag the input by the filter delay; [StreamResampler.Flush] releases it.
func (r *StreamResampler) Process(buf SampleBuffer) (SampleBuffer, error) {
	if buf.Format() != r.from {
		return SampleBuffer{}, fmt.Errorf("audio: resample: got %s, want %s", buf.Format(), r.from)
	}
	return r.process(toFloat64(buf.Samples))
}

// Flush pushes a block of silence through the filter so that the delayed
// tail of the stream comes out.
func (r *StreamResampler) Flush() (SampleBuffer, error) {
	frames := r.from.SampleRate / flushDivisor
	return r.process(make([]float64, frames*r.from.Channels))
}

func (r *StreamResampler) process(in []float64) (SampleBuffer, error) {
	out, err := r.rs.Process(in)
	if err != nil {
		return SampleBuffer{}, fmt.Errorf("audio: resample: %w", err)
	}
	// Keep whole frames only.
	out = out[:len(out)/r.from.Channels*r.from.Channels]
	return SampleBuffer{
		Samples:    toFloat32(out),
		Channels:   r.from.Channels,
		SampleRate: r.to,
	}, nil
}

func toFloat64(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, s := range in {
		out[i] = float64(s)
	}
	return out
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(max(-1, min(1, s)))
	}
	return out
}
