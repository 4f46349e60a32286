package speaker

import (
	"errors"
	"testing"
	"time"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

// fakePlayer stands in for the oto player.
type fakePlayer struct {
	buffered int
	err      error
	paused   bool
	closed   int
}

func (p *fakePlayer) Pause()            { p.paused = true }
func (p *fakePlayer) Close() error      { p.closed++; return nil }
func (p *fakePlayer) BufferedSize() int { return p.buffered }
func (p *fakePlayer) Err() error        { return p.err }

func newTestDevice() (*Device, *fakePlayer) {
	p := &fakePlayer{}
	return &Device{format: audio.SpeechFormat, src: &source{}, player: p}, p
}

func TestDevice_CloseReleasesPlayer(t *testing.T) {
	d, p := newTestDevice()

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !p.paused || p.closed != 1 {
		t.Errorf("player paused=%v closed=%d, want paused and closed once", p.paused, p.closed)
	}
	if err := d.Write([]float32{0.5}); !errors.Is(err, audio.ErrSinkClosed) {
		t.Errorf("Write after Close = %v, want ErrSinkClosed", err)
	}
}

func TestDevice_WriteReportsPlayerError(t *testing.T) {
	d, p := newTestDevice()
	p.err = errors.New("driver lost")

	if err := d.Write([]float32{0.5}); !errors.Is(err, p.err) {
		t.Fatalf("Write = %v, want the player error", err)
	}
}

func TestDevice_BufferedIgnoresPadding(t *testing.T) {
	d, p := newTestDevice()

	// 2400 mono float32 samples at 24 kHz is 100ms.
	if err := d.Write(make([]float32, 2400)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if got := d.Buffered(); got != 100*time.Millisecond {
		t.Errorf("Buffered = %v, want 100ms", got)
	}

	// oto pulls everything plus 400 bytes of silence.
	buf := make([]byte, 2400*bytesPerSample+400)
	if _, err := d.src.Read(buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	p.buffered = len(buf)
	if got := d.Buffered(); got != 100*time.Millisecond {
		t.Errorf("Buffered after pull = %v, want 100ms", got)
	}

	p.buffered = 400
	if got := d.Buffered(); got != 0 {
		t.Errorf("Buffered with only padding = %v, want 0", got)
	}
}

func TestSource_ReadPadsWithSilence(t *testing.T) {
	s := &source{}
	_ = s.append([]float32{1})

	buf := make([]byte, 3*bytesPerSample+1)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := s.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 3*bytesPerSample {
		t.Fatalf("Read = %d bytes, want whole samples only", n)
	}
	for i, b := range buf[bytesPerSample:n] {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want silence", bytesPerSample+i, b)
		}
	}
	if _, padding := s.pending(); padding != 2*bytesPerSample {
		t.Errorf("padding = %d, want %d", padding, 2*bytesPerSample)
	}
}
