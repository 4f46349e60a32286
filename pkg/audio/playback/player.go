// Package playback provides a concrete [audio.Output] that owns one local
// output [Device] and hands out exclusive, queue-backed [audio.Sink] handles.
//
// The device is opened lazily on the first [Player.Acquire] and then kept for
// the lifetime of the Player; sinks come and go per session. Only one sink may
// be held at a time.
package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Output = (*Player)(nil)

// defaultPollInterval is how often AwaitDrain checks the device buffer once
// the queue has been handed to the device.
const defaultPollInterval = 10 * time.Millisecond

// Device is the hardware side of a [Player]. Write hands samples to the
// device's own buffer; Buffered reports how much of that has not been heard
// yet.
type Device interface {
	// Format is the native sample rate and channel count of the device.
	Format() audio.Format

	// Write appends interleaved samples in Format to the device buffer. It may
	// block for back-pressure but must not wait for the samples to be heard.
	Write(samples []float32) error

	// Buffered returns the duration of audio accepted by Write that has not
	// been played yet.
	Buffered() time.Duration

	// Discard drops all audio that has not been played yet.
	Discard()

	// Close releases the device.
	Close() error
}

// OpenFunc opens the output device.
type OpenFunc func() (Device, error)

// Option configures a [Player].
type Option func(*Player)

// WithPollInterval sets how often AwaitDrain polls the device buffer.
func WithPollInterval(d time.Duration) Option {
	return func(p *Player) {
		if d > 0 {
			p.poll = d
		}
	}
}

// Player is the process-wide owner of the output device.
// All exported methods are safe for concurrent use.
type Player struct {
	open OpenFunc
	poll time.Duration

	mu     sync.Mutex
	dev    Device
	held   bool
	closed bool
}

// New creates a Player that opens its device with open on first use.
func New(open OpenFunc, opts ...Option) *Player {
	p := &Player{
		open: open,
		poll: defaultPollInterval,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Acquire implements [audio.Output].
func (p *Player) Acquire(ctx context.Context) (audio.Sink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("playback: acquire: %w", audio.ErrSinkClosed)
	}
	if p.held {
		return nil, fmt.Errorf("playback: acquire: %w", audio.ErrOutputBusy)
	}
	dev, err := p.deviceLocked()
	if err != nil {
		return nil, err
	}
	p.held = true
	return newSink(dev, p.poll, p.release), nil
}

// Ready opens the device if it is not open yet and reports whether that
// succeeded. Intended for readiness probes.
func (p *Player) Ready(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.deviceLocked()
	return err
}

// Close releases the device. Sinks still held are not closed; their further
// writes fail.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.dev == nil {
		return nil
	}
	return p.dev.Close()
}

// deviceLocked returns the open device, opening it if needed. A failed open
// is not cached, so the next session tries again. Must be called with p.mu
// held.
func (p *Player) deviceLocked() (Device, error) {
	if p.dev != nil {
		return p.dev, nil
	}
	dev, err := p.open()
	if err != nil {
		return nil, fmt.Errorf("playback: open device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	slog.Info("audio output opened", "format", dev.Format().String())
	p.dev = dev
	return dev, nil
}

func (p *Player) release() {
	p.mu.Lock()
	p.held = false
	p.mu.Unlock()
}
