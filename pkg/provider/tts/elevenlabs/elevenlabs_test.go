package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/pinyinvox/pinyinvox/pkg/audio"
	"github.com/pinyinvox/pinyinvox/pkg/provider/tts"
)

// ---- Test server ----

// startServer runs a fake ElevenLabs stream-input endpoint. It reads the three
// client messages, records them and the request URL, then calls reply.
func startServer(t *testing.T, reply func(ctx context.Context, conn *websocket.Conn)) (*httptest.Server, <-chan []string, <-chan *url.URL) {
	t.Helper()
	msgsCh := make(chan []string, 1)
	urlCh := make(chan *url.URL, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlCh <- r.URL
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		var msgs []string
		for range 3 {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			msgs = append(msgs, string(data))
		}
		msgsCh <- msgs
		reply(ctx, conn)
	}))
	t.Cleanup(srv.Close)
	return srv, msgsCh, urlCh
}

func wsBase(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/text-to-speech"
}

func sendAudio(ctx context.Context, conn *websocket.Conn, pcm []byte, final bool) {
	data, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm), IsFinal: final})
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func drain(t *testing.T, s *audio.Stream) [][]byte {
	t.Helper()
	var out [][]byte
	timeout := time.After(5 * time.Second)
	for {
		select {
		case b, ok := <-s.Audio:
			if !ok {
				return out
			}
			out = append(out, b)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream_DecodesAudio(t *testing.T) {
	srv, msgsCh, urlCh := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		sendAudio(ctx, conn, []byte{0x00, 0x40}, false)
		sendAudio(ctx, conn, []byte{0x00, 0xC0}, false)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
	})

	p, err := New("key", "voice-1", WithBaseURL(wsBase(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s, err := p.SynthesizeStream(context.Background(), "ni3 hao3")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	got := drain(t, s)
	if len(got) != 2 || got[0][1] != 0x40 || got[1][1] != 0xC0 {
		t.Fatalf("got payloads %v", got)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if s.Format != audio.SpeechFormat {
		t.Errorf("Format = %s, want %s", s.Format, audio.SpeechFormat)
	}

	msgs := <-msgsCh
	var boi boiMessage
	if err := json.Unmarshal([]byte(msgs[0]), &boi); err != nil {
		t.Fatalf("unmarshal BOI: %v", err)
	}
	if boi.XiAPIKey != "key" || boi.Text != " " {
		t.Errorf("BOI = %+v", boi)
	}
	if !strings.Contains(msgs[1], "ni3 hao3") {
		t.Errorf("text message = %s", msgs[1])
	}
	if msgs[2] != `{"text":""}` {
		t.Errorf("flush message = %s", msgs[2])
	}

	u := <-urlCh
	if !strings.HasSuffix(u.Path, "/voice-1/stream-input") {
		t.Errorf("path = %s", u.Path)
	}
	if u.Query().Get("output_format") != "pcm_24000" {
		t.Errorf("output_format = %q", u.Query().Get("output_format"))
	}
	if u.Query().Get("model_id") != defaultModel {
		t.Errorf("model_id = %q", u.Query().Get("model_id"))
	}
}

func TestSynthesizeStream_ServerError(t *testing.T) {
	srv, _, _ := startServer(t, func(ctx context.Context, conn *websocket.Conn) {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"error":"quota_exceeded"}`))
		_, _, _ = conn.Read(ctx)
	})

	p, _ := New("key", "voice-1", WithBaseURL(wsBase(srv)))
	s, err := p.SynthesizeStream(context.Background(), "a")
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	drain(t, s)
	if err := s.Err(); !errors.Is(err, tts.ErrTransport) {
		t.Fatalf("Err() = %v, want ErrTransport", err)
	}
}

func TestSynthesizeStream_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	p, _ := New("key", "voice-1", WithBaseURL(wsBase(srv)))
	if _, err := p.SynthesizeStream(context.Background(), "a"); !errors.Is(err, tts.ErrConnect) {
		t.Fatalf("err = %v, want ErrConnect", err)
	}
}

// ---- Message construction ----

func TestTextMessage_FlushShape(t *testing.T) {
	// ElevenLabs flush = {"text":""} with no other fields.
	data, err := json.Marshal(textMessage{})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"text":""}` {
		t.Errorf("flush = %s", data)
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantLen   int
		wantFinal bool
		wantErr   bool
	}{
		{name: "audio", msg: `{"audio":"AEA="}`, wantLen: 2},
		{name: "final without audio", msg: `{"isFinal":true}`, wantFinal: true},
		{name: "not json", msg: `{invalid`},
		{name: "bad base64", msg: `{"audio":"!!"}`},
		{name: "error", msg: `{"error":"boom"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pcm, final, err := decodeResponse([]byte(tt.msg))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(pcm) != tt.wantLen {
				t.Errorf("len(pcm) = %d, want %d", len(pcm), tt.wantLen)
			}
			if final != tt.wantFinal {
				t.Errorf("final = %v, want %v", final, tt.wantFinal)
			}
		})
	}
}

func TestParseOutputFormat(t *testing.T) {
	f, err := parseOutputFormat("pcm_16000")
	if err != nil {
		t.Fatalf("parseOutputFormat: %v", err)
	}
	if f.SampleRate != 16000 || f.Channels != 1 {
		t.Errorf("format = %s", f)
	}
	for _, bad := range []string{"mp3_44100_128", "pcm_", "pcm_abc", "pcm_-1"} {
		if _, err := parseOutputFormat(bad); err == nil {
			t.Errorf("parseOutputFormat(%q) succeeded", bad)
		}
	}
}

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	if _, err := New("", "voice"); err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_EmptyVoice(t *testing.T) {
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key", "voice")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("expected model %q, got %q", defaultModel, p.model)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("expected outputFormat %q, got %q", defaultOutputFmt, p.outputFormat)
	}
	if !strings.HasPrefix(p.streamURL(), "wss://") {
		t.Errorf("URL should be a secure WebSocket URL, got: %s", p.streamURL())
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", "voice", WithModel("eleven_multilingual_v2"), WithOutputFormat("pcm_16000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_multilingual_v2" {
		t.Errorf("expected model 'eleven_multilingual_v2', got %q", p.model)
	}
	if p.format.SampleRate != 16000 {
		t.Errorf("expected 16000 Hz, got %d", p.format.SampleRate)
	}
}

func TestNew_RejectsEncodedFormat(t *testing.T) {
	if _, err := New("key", "voice", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
}
