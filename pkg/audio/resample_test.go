package audio_test

import (
	"math"
	"testing"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

func sine(rate, frames int, hz float64) []float32 {
	out := make([]float32, frames)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*hz*float64(i)/float64(rate)))
	}
	return out
}

func TestStreamResampler_Upsample(t *testing.T) {
	from := audio.Format{SampleRate: 24000, Channels: 1}
	r, err := audio.NewStreamResampler(from, 48000)
	if err != nil {
		t.Fatalf("NewStreamResampler: %v", err)
	}
	if r.From() != from {
		t.Errorf("From() = %v, want %v", r.From(), from)
	}

	in := sine(24000, 4800, 440)
	total := 0
	for off := 0; off < len(in); off += 960 {
		out, err := r.Process(audio.SampleBuffer{Samples: in[off : off+960], Channels: 1, SampleRate: 24000})
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		if out.SampleRate != 48000 || out.Channels != 1 {
			t.Fatalf("output format = %v", out.Format())
		}
		total += len(out.Samples)
	}
	tail, err := r.Flush()
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	total += len(tail.Samples)

	if want := 9600; total < want*95/100 {
		t.Errorf("produced %d samples, want at least ~%d", total, want)
	}
}

func TestStreamResampler_StereoKeepsFrames(t *testing.T) {
	r, err := audio.NewStreamResampler(audio.Format{SampleRate: 44100, Channels: 2}, 48000)
	if err != nil {
		t.Fatalf("NewStreamResampler: %v", err)
	}
	in := make([]float32, 2*4410)
	for i := range in {
		in[i] = 0.25
	}
	out, err := r.Process(audio.SampleBuffer{Samples: in, Channels: 2, SampleRate: 44100})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(out.Samples)%2 != 0 {
		t.Errorf("output has %d samples, not whole stereo frames", len(out.Samples))
	}
	for i, s := range out.Samples {
		if s > 1 || s < -1 {
			t.Fatalf("sample %d = %v out of range", i, s)
		}
	}
}

func TestStreamResampler_FormatMismatch(t *testing.T) {
	r, err := audio.NewStreamResampler(audio.Format{SampleRate: 24000, Channels: 1}, 48000)
	if err != nil {
		t.Fatalf("NewStreamResampler: %v", err)
	}
	_, err = r.Process(audio.SampleBuffer{Samples: []float32{0, 0}, Channels: 2, SampleRate: 24000})
	if err == nil {
		t.Error("expected error for mismatched input format")
	}
}

func TestNewStreamResampler_InvalidFormat(t *testing.T) {
	tests := []struct {
		name string
		from audio.Format
		to   int
	}{
		{"zero input rate", audio.Format{SampleRate: 0, Channels: 1}, 48000},
		{"zero channels", audio.Format{SampleRate: 24000, Channels: 0}, 48000},
		{"zero output rate", audio.Format{SampleRate: 24000, Channels: 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := audio.NewStreamResampler(tt.from, tt.to); err == nil {
				t.Error("expected error")
			}
		})
	}
}
