// Package wsstream provides a [tts.Provider] for a plain streaming synthesis
// backend reached over WebSocket.
//
// The protocol is minimal: after the upgrade the client sends the text as a
// single text message; the backend answers with zero or more binary messages,
// each carrying raw 16-bit little-endian mono PCM at 24000 Hz with no header,
// and then closes the connection. Messages of any other type are ignored.
package wsstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	// DefaultEndpoint is the local synthesis backend address.
	DefaultEndpoint = "ws://localhost:8000/play"

	defaultTimeout     = 10 * time.Second
	defaultIdleTimeout = 30 * time.Second

	// DefaultReadLimit bounds a single message. A backend may send a whole
	// utterance in one frame, well above the library's 32 KiB default.
	DefaultReadLimit int64 = 64 << 20

	audioBuffer = 16
)

// Mode selects when the stream ends.
type Mode int

const (
	// ModeAllFrames yields every binary frame until the backend closes the
	// connection.
	ModeAllFrames Mode = iota

	// ModeFirstFrame yields the first binary frame and then closes the
	// connection, for backends that send the whole utterance at once and
	// keep the socket open.
	ModeFirstFrame
)

// String returns the configuration name of m.
func (m Mode) String() string {
	switch m {
	case ModeAllFrames:
		return "all_frames"
	case ModeFirstFrame:
		return "first_frame"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode converts a configuration name to a Mode. The empty string selects
// [ModeAllFrames].
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "all_frames":
		return ModeAllFrames, nil
	case "first_frame":
		return ModeFirstFrame, nil
	default:
		return 0, fmt.Errorf("wsstream: unknown mode %q", s)
	}
}

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithTimeout bounds connection establishment plus sending the text.
// Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.timeout = d }
}

// WithIdleTimeout bounds each wait for the next frame. Zero disables the bound.
func WithIdleTimeout(d time.Duration) Option {
	return func(p *Provider) { p.idleTimeout = d }
}

// WithMode sets the termination mode.
func WithMode(m Mode) Option {
	return func(p *Provider) { p.mode = m }
}

// WithReadLimit sets the maximum size in bytes of one incoming message.
func WithReadLimit(n int64) Option {
	return func(p *Provider) {
		if n > 0 {
			p.readLimit = n
		}
	}
}

// Provider implements tts.Provider over a plain WebSocket synthesis endpoint.
type Provider struct {
	endpoint  string
	mode      Mode
	readLimit int64

	mu          sync.RWMutex
	timeout     time.Duration
	idleTimeout time.Duration
}

// New creates a Provider for endpoint. An empty endpoint selects
// [DefaultEndpoint].
func New(endpoint string, opts ...Option) *Provider {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	p := &Provider{
		endpoint:    endpoint,
		mode:        ModeAllFrames,
		readLimit:   DefaultReadLimit,
		timeout:     defaultTimeout,
		idleTimeout: defaultIdleTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetTimeouts replaces the connect and idle timeouts for subsequent requests.
// Used by configuration hot reload.
func (p *Provider) SetTimeouts(timeout, idle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = timeout
	p.idleTimeout = idle
}

func (p *Provider) timeouts() (timeout, idle time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeout, p.idleTimeout
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (*audio.Stream, error) {
	timeout, idle := p.timeouts()

	setupCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		setupCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	conn, _, err := websocket.Dial(setupCtx, p.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial %s: %w: %w", p.endpoint, tts.ErrConnect, err)
	}
	conn.SetReadLimit(p.readLimit)

	ch := make(chan []byte, audioBuffer)
	stream := &audio.Stream{Audio: ch, Format: audio.SpeechFormat}

	if err := conn.Write(setupCtx, websocket.MessageText, []byte(text)); err != nil {
		return sendFailed(conn, err, ch, stream)
	}
	slog.Debug("wsstream: request sent", "endpoint", p.endpoint, "text_len", len(text), "mode", p.mode.String())

	go p.receive(ctx, conn, idle, ch, stream)
	return stream, nil
}

// sendFailed releases conn after the request could not be sent. A clean
// close means the backend accepted and immediately ended the stream, which is
// an empty result.
func sendFailed(conn interface{ CloseNow() error }, err error, ch chan []byte, stream *audio.Stream) (*audio.Stream, error) {
	conn.CloseNow()
	if cleanClose(err) {
		close(ch)
		return stream, nil
	}
	return nil, fmt.Errorf("wsstream: send text: %w: %w", tts.ErrConnect, err)
}

// receive reads frames until the stream ends and forwards binary payloads on
// ch. It owns conn and ch.
func (p *Provider) receive(ctx context.Context, conn *websocket.Conn, idle time.Duration, ch chan<- []byte, stream *audio.Stream) {
	clean := false
	defer func() {
		if clean {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		} else {
			_ = conn.CloseNow()
		}
	}()
	defer close(ch)

	frames, bytes := 0, 0
	for {
		readCtx, cancelRead := ctx, context.CancelFunc(func() {})
		if idle > 0 {
			readCtx, cancelRead = context.WithTimeout(ctx, idle)
		}
		typ, data, err := conn.Read(readCtx)
		idleExpired := readCtx.Err() != nil && ctx.Err() == nil
		cancelRead()

		if err != nil {
			switch {
			case cleanClose(err):
				slog.Debug("wsstream: stream closed by backend", "frames", frames, "bytes", bytes)
			case ctx.Err() != nil:
				stream.SetStreamErr(ctx.Err())
			case idleExpired:
				stream.SetStreamErr(fmt.Errorf("wsstream: no frame within %s: %w: %w", idle, tts.ErrTransport, context.DeadlineExceeded))
			default:
				stream.SetStreamErr(fmt.Errorf("wsstream: read: %w: %w", tts.ErrTransport, err))
			}
			return
		}

		if typ != websocket.MessageBinary {
			slog.Debug("wsstream: ignoring control frame", "type", typ, "len", len(data))
			continue
		}

		select {
		case ch <- data:
		case <-ctx.Done():
			stream.SetStreamErr(ctx.Err())
			return
		}
		frames++
		bytes += len(data)

		if p.mode == ModeFirstFrame {
			clean = true
			return
		}
	}
}

// cleanClose reports whether err is the backend ending the stream normally.
func cleanClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return false
}
