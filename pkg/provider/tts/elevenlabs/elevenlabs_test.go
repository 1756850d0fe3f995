package elevenlabs

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/lumora-ai/lumora/pkg/provider/tts"
)

// ---- Constructor tests ----

func TestNew_EmptyAPIKey(t *testing.T) {
	_, err := New("")
	if err == nil {
		t.Error("expected error for empty API key")
	}
}

func TestNew_Defaults(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != defaultModel {
		t.Errorf("model = %q, want %q", p.model, defaultModel)
	}
	if p.outputFormat != defaultOutputFmt {
		t.Errorf("outputFormat = %q, want %q", p.outputFormat, defaultOutputFmt)
	}
}

func TestNew_WithOptions(t *testing.T) {
	p, err := New("key", WithModel("eleven_turbo_v2"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != "eleven_turbo_v2" || p.outputFormat != "pcm_24000" {
		t.Errorf("options not applied: %+v", p)
	}
}

// ---- Voice settings ----

func TestSettingsForVoice_Defaults(t *testing.T) {
	vs := settingsForVoice(tts.Voice{ID: "v1"})
	if vs.Stability != 0.5 || vs.SimilarityBoost != 0.75 {
		t.Errorf("settings = %+v", vs)
	}
	if vs.Speed != 0 {
		t.Errorf("speed = %v, want omitted for unset factor", vs.Speed)
	}
}

func TestSettingsForVoice_Speed(t *testing.T) {
	vs := settingsForVoice(tts.Voice{ID: "v1", SpeedFactor: 1.2})
	if vs.Speed != 1.2 {
		t.Errorf("speed = %v, want 1.2", vs.Speed)
	}

	// A factor of exactly 1.0 is the API default and stays off the wire.
	vs = settingsForVoice(tts.Voice{ID: "v1", SpeedFactor: 1.0})
	if vs.Speed != 0 {
		t.Errorf("speed = %v, want 0 for factor 1.0", vs.Speed)
	}
}

// ---- Streaming wire protocol ----

// wsScript records what a fake ElevenLabs endpoint saw during one stream.
type wsScript struct {
	mu        sync.Mutex
	path      string
	boi       boiMessage
	fragments []textMessage
	sawFlush  bool
}

// serveTTS accepts one WebSocket session, records the BOI handshake and each
// text fragment, answers every non-empty fragment with one base64 audio
// chunk, and finishes with an isFinal message after the flush.
func serveTTS(t *testing.T, script *wsScript, pcm []byte) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		script.mu.Lock()
		script.path = r.URL.Path + "?" + r.URL.RawQuery
		script.mu.Unlock()

		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer c.CloseNow()
		ctx := r.Context()

		_, raw, err := c.Read(ctx)
		if err != nil {
			t.Errorf("read BOI: %v", err)
			return
		}
		script.mu.Lock()
		if err := json.Unmarshal(raw, &script.boi); err != nil {
			t.Errorf("decode BOI: %v", err)
		}
		script.mu.Unlock()

		for {
			_, raw, err := c.Read(ctx)
			if err != nil {
				return
			}
			var msg textMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				t.Errorf("decode fragment: %v", err)
				return
			}
			if msg.Text == "" {
				script.mu.Lock()
				script.sawFlush = true
				script.mu.Unlock()
				break
			}
			script.mu.Lock()
			script.fragments = append(script.fragments, msg)
			script.mu.Unlock()

			out, _ := json.Marshal(audioResponse{Audio: base64.StdEncoding.EncodeToString(pcm)})
			if err := c.Write(ctx, websocket.MessageText, out); err != nil {
				return
			}
		}

		out, _ := json.Marshal(audioResponse{IsFinal: true})
		_ = c.Write(ctx, websocket.MessageText, out)
		c.Close(websocket.StatusNormalClosure, "done")
	})
}

func TestSynthesizeStream_Framing(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	script := &wsScript{}
	ts := httptest.NewServer(serveTTS(t, script, pcm))
	defer ts.Close()

	wsFormat := strings.Replace(ts.URL, "http://", "ws://", 1) +
		"/v1/text-to-speech/%s/stream-input?model_id=%s"
	p, err := New("secret-key", WithEndpoints(wsFormat, ts.URL+"/v1/voices"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text := make(chan string, 2)
	text <- "Hello there."
	text <- "Second sentence."
	close(text)

	audio, err := p.SynthesizeStream(ctx, text, tts.Voice{ID: "voice-1"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	var got [][]byte
	for chunk := range audio {
		got = append(got, chunk)
	}
	if len(got) != 2 {
		t.Fatalf("audio chunks = %d, want 2", len(got))
	}
	for i, chunk := range got {
		if !bytes.Equal(chunk, pcm) {
			t.Errorf("chunk %d = %x, want %x", i, chunk, pcm)
		}
	}

	script.mu.Lock()
	defer script.mu.Unlock()

	// The dial URL carries the voice and model IDs.
	if !strings.Contains(script.path, "/voice-1/") || !strings.Contains(script.path, "model_id="+defaultModel) {
		t.Errorf("dial path = %q", script.path)
	}

	// The BOI handshake authenticates and configures the stream. Its text
	// must be a single space; an empty string would mean flush.
	if script.boi.XiAPIKey != "secret-key" {
		t.Errorf("BOI api key = %q", script.boi.XiAPIKey)
	}
	if script.boi.Text != " " {
		t.Errorf("BOI text = %q, want a single space", script.boi.Text)
	}
	if script.boi.OutputFormat != defaultOutputFmt {
		t.Errorf("BOI output format = %q", script.boi.OutputFormat)
	}
	if script.boi.VoiceSettings == nil || script.boi.VoiceSettings.Stability != 0.5 {
		t.Errorf("BOI voice settings = %+v", script.boi.VoiceSettings)
	}

	// Voice settings ride only on the first fragment.
	if len(script.fragments) != 2 {
		t.Fatalf("fragments = %d, want 2", len(script.fragments))
	}
	if script.fragments[0].VoiceSettings == nil {
		t.Error("first fragment missing voice settings")
	}
	if script.fragments[1].VoiceSettings != nil {
		t.Error("second fragment repeats voice settings")
	}

	// Closing the text channel sends the empty-text flush.
	if !script.sawFlush {
		t.Error("flush message never sent")
	}
}

func TestSynthesizeStream_EmptyVoiceID(t *testing.T) {
	p, err := New("key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.SynthesizeStream(context.Background(), make(chan string), tts.Voice{}); err == nil {
		t.Error("expected error for empty voice ID")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("xi-api-key")
		_, _ = w.Write([]byte(`{
			"voices": [
				{"voice_id": "v1", "name": "Ada", "category": "premade", "labels": {"language": "en", "gender": "female"}},
				{"voice_id": "v2", "name": "Hans", "labels": {"language": "de"}}
			]
		}`))
	}))
	defer ts.Close()

	p, err := New("secret-key", WithEndpoints(wsEndpointFmt, ts.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if gotKey != "secret-key" {
		t.Errorf("xi-api-key = %q", gotKey)
	}
	if len(voices) != 2 {
		t.Fatalf("voices = %d, want 2", len(voices))
	}
	if voices[0].ID != "v1" || voices[0].Name != "Ada" || voices[0].Language != "en" {
		t.Errorf("voice[0] = %+v", voices[0])
	}
	if voices[0].Metadata["category"] != "premade" || voices[0].Metadata["gender"] != "female" {
		t.Errorf("voice[0] metadata = %v", voices[0].Metadata)
	}
	if voices[1].Language != "de" {
		t.Errorf("voice[1] language = %q", voices[1].Language)
	}
}

func TestListVoices_ErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer ts.Close()

	p, err := New("bad-key", WithEndpoints(wsEndpointFmt, ts.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error for 401 response")
	}
}

func TestVoicesFromResponse_Empty(t *testing.T) {
	voices := voicesFromResponse(voicesResponse{})
	if len(voices) != 0 {
		t.Errorf("voices = %v, want empty", voices)
	}
}
