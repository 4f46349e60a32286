// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled PCM payloads to consumers and to verify the
// text passed to the synthesis backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Payloads: [][]byte{{0x00, 0x40}, {0x00, 0xC0}},
//	}
//	s, _ := p.SynthesizeStream(ctx, "ni3 hao3")
package mock

import (
	"context"
	"sync"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the text passed to SynthesizeStream.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Payloads is the sequence of PCM payloads emitted on the stream.
	Payloads [][]byte

	// Format is the stream format. Zero selects [audio.SpeechFormat].
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a stream.
	SynthesizeErr error

	// StreamErr, if non-nil, is recorded on the stream after all Payloads
	// have been sent, simulating a mid-stream failure.
	StreamErr error

	// Hold, if non-nil, keeps the stream open after Payloads until the channel
	// is closed or ctx is cancelled.
	Hold chan struct{}

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall
}

// SynthesizeStream implements [tts.Provider].
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (*audio.Stream, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Text: text})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	payloads := make([][]byte, len(p.Payloads))
	copy(payloads, p.Payloads)
	format := p.Format
	streamErr := p.StreamErr
	hold := p.Hold
	p.mu.Unlock()

	if format == (audio.Format{}) {
		format = audio.SpeechFormat
	}
	ch := make(chan []byte)
	s := &audio.Stream{Audio: ch, Format: format}

	go func() {
		defer close(ch)
		for _, b := range payloads {
			select {
			case ch <- b:
			case <-ctx.Done():
				s.SetStreamErr(ctx.Err())
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				s.SetStreamErr(ctx.Err())
				return
			}
		}
		if streamErr != nil {
			s.SetStreamErr(streamErr)
		}
	}()
	return s, nil
}

// Calls returns a copy of the recorded SynthesizeStream calls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	copy(out, p.SynthesizeStreamCalls)
	return out
}
