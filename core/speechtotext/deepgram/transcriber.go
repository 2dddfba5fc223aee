// Package deepgram transcribes the user's audio with Deepgram's live
// transcription websocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const (
	StageName = "speech_to_text"

	defaultListenURL = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en-US"
)

// Transcriber is a pipeline stage that sends inbound audio to Deepgram and
// turns what comes back into VoiceActivity, TranscriptDelta and UserTurnEnd
// frames. Only finalized segments become transcript deltas; the last segment
// of an utterance is marked final.
type Transcriber struct {
	apiKey      string
	baseURL     string
	model       string
	language    string
	encoding    audio.EncodingInfo
	endpointing time.Duration

	out    pipeline.Emitter
	cancel context.CancelFunc
	done   chan struct{}

	connMu    sync.Mutex
	conn      *websocket.Conn
	lastAudio time.Time
	closing   bool

	// owned by the reading goroutine
	segments int
	speaking bool
}

type Option func(*Transcriber)

// WithAPIKey sets the API key. It defaults to DEEPGRAM_API_KEY.
func WithAPIKey(apiKey string) Option {
	return func(t *Transcriber) { t.apiKey = apiKey }
}

// WithBaseURL points the transcriber at a different listen endpoint.
func WithBaseURL(baseURL string) Option {
	return func(t *Transcriber) { t.baseURL = baseURL }
}

func WithModel(model string) Option {
	return func(t *Transcriber) { t.model = model }
}

func WithLanguage(language string) Option {
	return func(t *Transcriber) { t.language = language }
}

func WithEncodingInfo(encoding audio.EncodingInfo) Option {
	return func(t *Transcriber) {
		if !encoding.IsZero() {
			t.encoding = encoding
		}
	}
}

// WithEndpointing sets how much silence finalizes a segment.
func WithEndpointing(silence time.Duration) Option {
	return func(t *Transcriber) { t.endpointing = silence }
}

func NewTranscriber(opts ...Option) (*Transcriber, error) {
	t := &Transcriber{
		apiKey:      os.Getenv("DEEPGRAM_API_KEY"),
		baseURL:     defaultListenURL,
		model:       defaultModel,
		language:    defaultLanguage,
		encoding:    audio.GetDefaultEncodingInfo(),
		endpointing: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(t)
	}

	if t.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key not found")
	}
	if err := checkEncoding(t.encoding); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}
	return t, nil
}

func (t *Transcriber) Name() string { return StageName }

func (t *Transcriber) listenURL() (string, error) {
	listenURL, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid listen url: %w", err)
	}

	query := listenURL.Query()
	query.Set("encoding", t.encoding.Format.Name())
	query.Set("sample_rate", strconv.Itoa(t.encoding.SampleRate))
	query.Set("channels", "1")
	query.Set("model", t.model)
	query.Set("language", t.language)
	query.Set("smart_format", "true")
	query.Set("interim_results", "true")
	query.Set("utterance_end_ms", "1000")
	query.Set("endpointing", strconv.Itoa(int(t.endpointing.Milliseconds())))
	query.Set("vad_events", "true")
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

func (t *Transcriber) Start(ctx context.Context, out pipeline.Emitter) error {
	listenURL, err := t.listenURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenURL,
		http.Header{"Authorization": {"Token " + t.apiKey}})
	if err != nil {
		return fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	t.out = out
	t.connMu.Lock()
	t.conn = conn
	t.lastAudio = time.Now()
	t.connMu.Unlock()

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.readMessages(ctx, conn)
	go t.keepAlive(ctx)
	return nil
}

func (t *Transcriber) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	if chunk, ok := frame.(frames.AudioChunk); ok && dir == frames.Downstream && chunk.TurnID == "" {
		if err := t.SendAudio(chunk.Audio); err != nil {
			logger.WarnContext(ctx, "failed to send audio to deepgram", "error", err)
		}
		return nil
	}

	out.Emit(frame, dir)
	return nil
}

func (t *Transcriber) SendAudio(chunk []byte) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil || t.closing {
		return fmt.Errorf("transcription stream closed")
	}

	t.lastAudio = time.Now()
	if err := t.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("failed to write to deepgram: %w", err)
	}
	return nil
}

// Stop asks Deepgram to finalize what it has heard and waits for it to close
// the stream.
func (t *Transcriber) Stop(ctx context.Context) error {
	t.connMu.Lock()
	conn := t.conn
	alreadyClosing := t.closing
	t.closing = true
	var err error
	if conn != nil && !alreadyClosing {
		err = conn.WriteJSON(struct {
			Type string `json:"type"`
		}{Type: string(api.TypeCloseStreamResponse)})
	}
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}
	if err == nil {
		select {
		case <-t.done:
		case <-ctx.Done():
		}
	}
	t.cancel()
	if closeErr := conn.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, net.ErrClosed) {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to close transcription stream: %w", err)
	}
	return nil
}

func (t *Transcriber) readMessages(ctx context.Context, conn *websocket.Conn) {
	defer close(t.done)

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			t.connMu.Lock()
			closing := t.closing
			t.connMu.Unlock()

			if !closing && ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.out.ReportError(fmt.Errorf("%w: deepgram transcription stream failed: %w", pipeline.ErrTransportFailure, err))
			}
			return
		}
		if msgType == websocket.TextMessage {
			t.handleMessage(ctx, msg)
		}
	}
}

func (t *Transcriber) handleMessage(ctx context.Context, msg []byte) {
	var parsed struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsed); err != nil {
		logger.DebugContext(ctx, "failed to parse deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsed.Type) {
	case api.TypeMessageResponse:
		var result api.MessageResponse
		if err := json.Unmarshal(msg, &result); err != nil {
			logger.DebugContext(ctx, "failed to parse deepgram results", "error", err)
			return
		}
		if !result.IsFinal {
			return
		}

		var transcript string
		if len(result.Channel.Alternatives) > 0 {
			transcript = strings.TrimSpace(result.Channel.Alternatives[0].Transcript)
		}
		if transcript == "" {
			if result.SpeechFinal {
				t.endUtterance(true)
			}
			return
		}

		if t.segments > 0 {
			transcript = " " + transcript
		}
		t.segments++
		t.out.Emit(frames.TranscriptDelta{Text: transcript, IsFinal: result.SpeechFinal}, frames.Downstream)
		if result.SpeechFinal {
			t.endUtterance(false)
		}

	case api.TypeUtteranceEndResponse:
		t.endUtterance(true)

	case api.TypeSpeechStartedResponse:
		t.speaking = true
		t.out.Emit(frames.VoiceActivity{Started: true}, frames.Downstream)
	}
}

// endUtterance closes the current utterance. An explicit end is needed when
// the last segment was not already marked final.
func (t *Transcriber) endUtterance(explicit bool) {
	if explicit && t.segments > 0 {
		t.out.Emit(frames.UserTurnEnd{}, frames.Downstream)
	}
	t.segments = 0

	if t.speaking {
		t.speaking = false
		t.out.Emit(frames.VoiceActivity{Started: false}, frames.Downstream)
	}
}
