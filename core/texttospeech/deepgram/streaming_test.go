package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/texttospeech"
)

// fakeSpeakServer answers like Deepgram's speak endpoint: every flush turns
// the text spoken since the last one into "audio" followed by Flushed.
type fakeSpeakServer struct {
	*httptest.Server

	mu       sync.Mutex
	received []message
	query    string
	auth     string
}

func newFakeSpeakServer(t *testing.T) *fakeSpeakServer {
	t.Helper()

	fake := &fakeSpeakServer{}
	upgrader := websocket.Upgrader{}
	fake.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fake.mu.Lock()
		fake.query = r.URL.RawQuery
		fake.auth = r.Header.Get("Authorization")
		fake.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var pending strings.Builder
		for {
			var msg message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			fake.mu.Lock()
			fake.received = append(fake.received, msg)
			fake.mu.Unlock()

			switch msg.Type {
			case "Speak":
				pending.WriteString(msg.Text)
			case "Flush":
				_ = conn.WriteMessage(websocket.BinaryMessage, []byte(pending.String()))
				pending.Reset()
				_ = conn.WriteJSON(map[string]any{"type": "Flushed", "sequence_id": 0})
			case "Clear":
				pending.Reset()
				_ = conn.WriteJSON(map[string]any{"type": "Cleared"})
			case "Close":
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(fake.Close)
	return fake
}

func (f *fakeSpeakServer) url() string {
	return "ws" + strings.TrimPrefix(f.URL, "http") + "/v1/speak"
}

func (f *fakeSpeakServer) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.received))
	for _, msg := range f.received {
		types = append(types, msg.Type)
	}
	return types
}

type speechRecorder struct {
	mu    sync.Mutex
	audio []string
	marks []string
	ended int
	errs  []error
}

func (r *speechRecorder) options() []texttospeech.Option {
	return []texttospeech.Option{
		texttospeech.WithSpeechAudioCallback(func(chunk []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.audio = append(r.audio, string(chunk))
		}),
		texttospeech.WithSpeechMarkCallback(func(text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.marks = append(r.marks, text)
		}),
		texttospeech.WithSpeechEndedCallback(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended++
		}),
		texttospeech.WithErrorCallback(func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		}),
	}
}

func (r *speechRecorder) hasEnded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended > 0
}

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func newTestClient(t *testing.T, server *fakeSpeakServer) *TextToSpeechClient {
	t.Helper()
	client, err := NewTextToSpeechClient(WithAPIKey("test-key"), WithBaseURL(server.url()))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	return client
}

func TestSpeechGeneratorSpeaksSegmentsInOrder(t *testing.T) {
	server := newFakeSpeakServer(t)
	client := newTestClient(t, server)
	recorder := &speechRecorder{}

	generator, err := client.NewSpeechGenerator(context.Background(), recorder.options()...)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}

	for _, step := range []func() error{
		func() error { return generator.SendText("Hello there.") },
		generator.Mark,
		func() error { return generator.SendText(" Your device") },
		func() error { return generator.SendText(" is covered.") },
		generator.EndOfText,
	} {
		if err := step(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	waitForCondition(t, 2*time.Second, "speech end", recorder.hasEnded)

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if got := strings.Join(recorder.audio, "|"); got != "Hello there.| Your device is covered." {
		t.Fatalf("unexpected audio %q", got)
	}
	if len(recorder.marks) != 2 || recorder.marks[0] != "Hello there." {
		t.Fatalf("unexpected marks %q", recorder.marks)
	}
	if recorder.ended != 1 || len(recorder.errs) != 0 {
		t.Fatalf("expected a clean single end, got %d ends and %v", recorder.ended, recorder.errs)
	}

	if err := generator.SendText("more"); err == nil {
		t.Fatalf("expected text after the end to be rejected")
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if server.auth != "Token test-key" {
		t.Fatalf("unexpected authorization header %q", server.auth)
	}
	if !strings.Contains(server.query, "encoding=linear16") || !strings.Contains(server.query, "sample_rate=16000") {
		t.Fatalf("unexpected query %q", server.query)
	}
}

func TestSpeechGeneratorEndsRightAwayWithoutText(t *testing.T) {
	server := newFakeSpeakServer(t)
	recorder := &speechRecorder{}

	generator, err := newTestClient(t, server).NewSpeechGenerator(context.Background(), recorder.options()...)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	if err := generator.EndOfText(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !recorder.hasEnded() {
		t.Fatalf("expected the generator to end without text")
	}
}

func TestSpeechGeneratorCancelClearsAndCloses(t *testing.T) {
	server := newFakeSpeakServer(t)
	recorder := &speechRecorder{}

	generator, err := newTestClient(t, server).NewSpeechGenerator(context.Background(), recorder.options()...)
	if err != nil {
		t.Fatalf("failed to create generator: %v", err)
	}
	if err := generator.SendText("This will never be heard"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := generator.Cancel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForCondition(t, 2*time.Second, "close message", func() bool {
		types := server.types()
		return len(types) > 0 && types[len(types)-1] == "Close"
	})
	if types := server.types(); strings.Join(types, ",") != "Speak,Clear,Close" {
		t.Fatalf("unexpected messages %v", types)
	}
	if err := generator.SendText("again"); err == nil {
		t.Fatalf("expected text after cancel to be rejected")
	}
	if recorder.hasEnded() {
		t.Fatalf("expected cancelled generator not to report an end")
	}
}

func TestClientRejectsUnsupportedEncoding(t *testing.T) {
	server := newFakeSpeakServer(t)
	client := newTestClient(t, server)

	_, err := client.NewSpeechGenerator(context.Background(),
		texttospeech.WithEncodingInfo(audio.EncodingInfo{SampleRate: 44100, Format: audio.EncodingLinear16}))
	if err == nil {
		t.Fatalf("expected unsupported sample rate to be rejected")
	}
}

func TestNewTextToSpeechClientValidatesVoice(t *testing.T) {
	if _, err := NewTextToSpeechClient(WithAPIKey("key"), WithVoice("robot")); err == nil {
		t.Fatalf("expected unknown voice to be rejected")
	}
	if _, err := NewTextToSpeechClient(WithAPIKey("")); err == nil {
		t.Fatalf("expected missing api key to be rejected")
	}
}
