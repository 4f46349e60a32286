// Package elevenlabs provides an ElevenLabs-backed synthesis provider using the
// ElevenLabs streaming WebSocket API. It implements the tts.Provider interface.
//
// Only the raw PCM output formats (pcm_16000, pcm_22050, pcm_24000, ...) are
// supported; they share the 16-bit little-endian mono layout of the local
// synthesis backend, so the rest of the pipeline is unchanged.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/coder/websocket"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	defaultBaseURL   = "wss://api.elevenlabs.io/v1/text-to-speech"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_24000"
	readLimit        = 16 << 20
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithOutputFormat sets the audio output format (e.g., "pcm_16000", "pcm_24000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		if format != "" {
			p.outputFormat = format
		}
	}
}

// WithBaseURL overrides the WebSocket base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// Provider implements tts.Provider backed by the ElevenLabs streaming API.
type Provider struct {
	apiKey       string
	voiceID      string
	model        string
	outputFormat string
	baseURL      string
	format       audio.Format
}

// New creates a new ElevenLabs Provider. apiKey and voiceID must be non-empty
// and the output format must be one of the raw PCM formats.
func New(apiKey, voiceID string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	if voiceID == "" {
		return nil, errors.New("elevenlabs: voiceID must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		voiceID:      voiceID,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		baseURL:      defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	format, err := parseOutputFormat(p.outputFormat)
	if err != nil {
		return nil, err
	}
	p.format = format
	return p, nil
}

// ---- WebSocket message types ----

// textMessage is the JSON payload sent to ElevenLabs for each text fragment.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioResponse is the JSON message received from ElevenLabs over the WebSocket.
type audioResponse struct {
	Audio   string `json:"audio"` // base64-encoded PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"` // error or info
	Error   string `json:"error,omitempty"`
}

// boiMessage is used for the initial "begin of input" handshake.
type boiMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, sends text followed by a
// flush, and returns a stream emitting raw PCM chunks until ElevenLabs marks
// the output final.
func (p *Provider) SynthesizeStream(ctx context.Context, text string) (*audio.Stream, error) {
	conn, _, err := websocket.Dial(ctx, p.streamURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w: %w", tts.ErrConnect, err)
	}
	conn.SetReadLimit(readLimit)

	vs := &voiceSettings{Stability: 0.5, SimilarityBoost: 0.75}
	msgs := []any{
		// ElevenLabs requires a non-empty first text value.
		boiMessage{Text: " ", VoiceSettings: vs, XiAPIKey: p.apiKey},
		textMessage{Text: text + " "},
		textMessage{Text: ""}, // flush
	}
	for _, m := range msgs {
		data, _ := json.Marshal(m)
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			conn.CloseNow()
			return nil, fmt.Errorf("elevenlabs: send: %w: %w", tts.ErrConnect, err)
		}
	}

	ch := make(chan []byte, 64)
	stream := &audio.Stream{Audio: ch, Format: p.format}

	go func() {
		defer close(ch)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		for {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				switch {
				case websocket.CloseStatus(err) == websocket.StatusNormalClosure:
				case ctx.Err() != nil:
					stream.SetStreamErr(ctx.Err())
				default:
					stream.SetStreamErr(fmt.Errorf("elevenlabs: read: %w: %w", tts.ErrTransport, err))
				}
				return
			}
			pcm, final, err := decodeResponse(msg)
			if err != nil {
				stream.SetStreamErr(fmt.Errorf("elevenlabs: %w: %w", tts.ErrTransport, err))
				return
			}
			if len(pcm) > 0 {
				select {
				case ch <- pcm:
				case <-ctx.Done():
					stream.SetStreamErr(ctx.Err())
					return
				}
			}
			if final {
				return
			}
		}
	}()

	return stream, nil
}

// ---- helpers ----

// streamURL constructs the WebSocket URL for the configured voice and model.
func (p *Provider) streamURL() string {
	q := url.Values{}
	q.Set("model_id", p.model)
	q.Set("output_format", p.outputFormat)
	return fmt.Sprintf("%s/%s/stream-input?%s", p.baseURL, url.PathEscape(p.voiceID), q.Encode())
}

// decodeResponse extracts the PCM chunk from one ElevenLabs message. Messages
// that are not valid JSON or carry undecodable audio are skipped; an explicit
// error field ends the stream.
func decodeResponse(msg []byte) (pcm []byte, final bool, err error) {
	var resp audioResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		slog.Debug("elevenlabs: skipping non-JSON message", "len", len(msg))
		return nil, false, nil
	}
	if resp.Error != "" {
		return nil, false, fmt.Errorf("server error: %s", resp.Error)
	}
	if resp.Audio != "" {
		pcm, err = base64.StdEncoding.DecodeString(resp.Audio)
		if err != nil {
			slog.Debug("elevenlabs: skipping undecodable audio chunk", "err", err)
			pcm = nil
		}
	}
	return pcm, resp.IsFinal, nil
}

// parseOutputFormat maps an ElevenLabs "pcm_<rate>" format name to the
// decoded audio format.
func parseOutputFormat(name string) (audio.Format, error) {
	rate, ok := strings.CutPrefix(name, "pcm_")
	if !ok {
		return audio.Format{}, fmt.Errorf("elevenlabs: unsupported output format %q: only pcm_<rate> is supported", name)
	}
	n, err := strconv.Atoi(rate)
	if err != nil || n <= 0 {
		return audio.Format{}, fmt.Errorf("elevenlabs: invalid sample rate in output format %q", name)
	}
	return audio.Format{SampleRate: n, Channels: 1}, nil
}
