// Package speaker implements [playback.Device] on the host's default audio
// output using github.com/ebitengine/oto/v3.
//
// oto allows a single context per process, so the first successful [Open]
// fixes the device format; later calls must request the same format.
//
// The oto player is fed from an in-memory source that pads with silence
// whenever no samples are queued, so back-to-back writes play without gaps
// and the player never has to be restarted between sessions.
package speaker

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/audio/playback"
)

// Compile-time interface assertions.
var (
	_ playback.Device = (*Device)(nil)
	_ player          = (*oto.Player)(nil)
)

const bytesPerSample = 4 // float32

var (
	ctxOnce   sync.Once
	otoCtx    *oto.Context
	otoFormat audio.Format
	otoErr    error
)

// player is the part of *oto.Player the device drives.
type player interface {
	Pause()
	Close() error
	BufferedSize() int
	Err() error
}

// Device plays float32 samples through oto.
type Device struct {
	format audio.Format
	src    *source
	player player
}

// Open opens the default output device in format. bufferSize sets the oto
// hardware buffer; zero selects the driver default.
func Open(format audio.Format, bufferSize time.Duration) (*Device, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("speaker: invalid format %s", format)
	}

	ctxOnce.Do(func() {
		var ready chan struct{}
		otoCtx, ready, otoErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatFloat32LE,
			BufferSize:   bufferSize,
		})
		if otoErr == nil {
			<-ready
			otoFormat = format
		}
	})
	if otoErr != nil {
		return nil, fmt.Errorf("speaker: new context: %w", otoErr)
	}
	if otoFormat != format {
		return nil, fmt.Errorf("speaker: output already opened as %s, cannot reopen as %s", otoFormat, format)
	}

	src := &source{}
	p := otoCtx.NewPlayer(src)
	p.Play()

	return &Device{
		format: format,
		src:    src,
		player: p,
	}, nil
}

// Format implements [playback.Device].
func (d *Device) Format() audio.Format { return d.format }

// Write implements [playback.Device].
func (d *Device) Write(samples []float32) error {
	if err := d.player.Err(); err != nil {
		return fmt.Errorf("speaker: player: %w", err)
	}
	return d.src.append(samples)
}

// Buffered implements [playback.Device]. It counts samples still queued in the
// source plus real (non-padding) samples held inside the oto player.
func (d *Device) Buffered() time.Duration {
	queued, padding := d.src.pending()
	inPlayer := max(d.player.BufferedSize()-padding, 0)
	bytes := queued + inPlayer
	if bytes <= 0 {
		return 0
	}
	return time.Duration(float64(bytes) / float64(d.format.SampleRate*d.format.Channels*bytesPerSample) * float64(time.Second))
}

// Discard implements [playback.Device]. Audio already inside the oto buffer
// still plays out.
func (d *Device) Discard() {
	d.src.reset()
}

// Close implements [playback.Device].
func (d *Device) Close() error {
	d.src.close()
	d.player.Pause()
	if err := d.player.Close(); err != nil {
		return fmt.Errorf("speaker: close player: %w", err)
	}
	return nil
}

// source is the io.Reader oto pulls from.
type source struct {
	mu      sync.Mutex
	buf     []byte
	padding int // silence bytes handed out since the last real byte
	closed  bool
}

func (s *source) append(samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return audio.ErrSinkClosed
	}
	for _, v := range samples {
		s.buf = binary.LittleEndian.AppendUint32(s.buf, math.Float32bits(v))
	}
	return nil
}

// Read copies queued samples into p and fills the remainder with silence.
func (s *source) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.EOF
	}
	// Keep reads aligned to whole samples.
	n := len(p) - len(p)%bytesPerSample
	real := copy(p[:n], s.buf)
	s.buf = s.buf[real:]
	if len(s.buf) == 0 {
		s.buf = nil
	}
	clear(p[real:n])
	if real > 0 {
		s.padding = 0
	}
	s.padding += n - real
	return n, nil
}

func (s *source) pending() (queued, padding int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf), s.padding
}

func (s *source) reset() {
	s.mu.Lock()
	s.buf = nil
	s.mu.Unlock()
}

func (s *source) close() {
	s.mu.Lock()
	s.closed = true
	s.buf = nil
	s.mu.Unlock()
}
