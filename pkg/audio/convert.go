package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	return formatString(f.SampleRate, f.Channels)
}

// BytesPerSecond returns the byte rate of float32 samples in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 4
}

// FormatConverter converts SampleBuffers to a target format. It logs a warning
// on the first format mismatch.
// Create one per sink; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert converts buf to the target format. If the source format already
// matches the target, buf is returned unchanged (zero allocation).
// Conversion order: resample first, then channel convert.
func (c *FormatConverter) Convert(buf SampleBuffer) SampleBuffer {
	if buf.SampleRate == c.Target.SampleRate && buf.Channels == c.Target.Channels {
		return buf
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(buf.SampleRate, buf.Channels),
			"to", c.Target.String(),
		)
	})
	return ConvertSamples(buf, c.Target)
}

// ConvertSamples resamples and channel-converts buf into target. Channel
// counts other than 1 and 2 are passed through unchanged.
func ConvertSamples(buf SampleBuffer, target Format) SampleBuffer {
	samples := buf.Samples
	rate := buf.SampleRate
	channels := buf.Channels

	// Step 1: Resample first (avoids resampling stereo when target is mono).
	if rate != target.SampleRate {
		samples = Resample(samples, channels, rate, target.SampleRate)
		rate = target.SampleRate
	}

	// Step 2: Channel conversion.
	if channels != target.Channels {
		if channels == 1 && target.Channels == 2 {
			samples = MonoToStereo(samples)
			channels = 2
		} else if channels == 2 && target.Channels == 1 {
			samples = StereoToMono(samples)
			channels = 1
		}
	}

	return SampleBuffer{
		Samples:    samples,
		Channels:   channels,
		SampleRate: rate,
	}
}

// MonoToStereo duplicates each mono sample into an interleaved L+R pair.
func MonoToStereo(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, s := range samples {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages L+R per stereo frame. A trailing unpaired sample is
// dropped.
func StereoToMono(samples []float32) []float32 {
	frames := len(samples) / 2
	out := make([]float32, frames)
	for i := range frames {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// Resample converts interleaved samples with the given channel count from
// srcRate to dstRate using linear interpolation. If either rate is
// non-positive, or the rates match, samples is returned unchanged.
func Resample(samples []float32, channels, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < channels {
		return samples
	}
	srcFrames := len(samples) / channels
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]float32, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))
		next := srcIdx + 1
		if next >= srcFrames {
			next = srcIdx
		}
		for ch := range channels {
			s0 := samples[srcIdx*channels+ch]
			s1 := samples[next*channels+ch]
			out[i*channels+ch] = s0*(1-frac) + s1*frac
		}
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
