// Package tts defines the Provider interface for speech synthesis backends.
//
// A synthesis provider takes one text payload and returns an [audio.Stream]
// whose channel carries raw PCM payloads as the backend produces them, so
// that playback can start before synthesis has finished.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
)

var (
	// ErrConnect wraps failures to establish the streaming connection, to
	// complete the protocol upgrade, or to send the request text. It is
	// returned directly by [Provider.SynthesizeStream].
	ErrConnect = errors.New("synthesis connection failed")

	// ErrTransport wraps mid-stream failures: read errors and abnormal
	// closes. It is reported through [audio.Stream.Err].
	ErrTransport = errors.New("synthesis stream interrupted")
)

// Provider is the abstraction over any streaming synthesis backend.
type Provider interface {
	// SynthesizeStream sends text to the backend and returns a stream of the
	// raw PCM payloads it produces.
	//
	// A non-nil error (wrapping [ErrConnect]) means the request never reached
	// the backend. Once the stream is returned, the implementation closes its
	// Audio channel when the backend ends the stream, on a mid-stream error
	// (recorded in [audio.Stream.Err], wrapping [ErrTransport]), or when ctx
	// is cancelled. The caller must drain the channel or cancel ctx.
	//
	// A stream that closes without any payload and with a nil Err is a valid
	// empty result.
	SynthesizeStream(ctx context.Context, text string) (*audio.Stream, error)
}
