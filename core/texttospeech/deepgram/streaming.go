package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-pipeline/core/texttospeech"
)

const closeTimeout = 5 * time.Second

var (
	ErrGeneratorClosed    = errors.New("speech generator closed")
	ErrGeneratorCancelled = errors.New("speech generator cancelled")
	ErrTextComplete       = errors.New("speech generator text already complete")
)

// speechGenerator streams the text of a single response over its own
// websocket. Text is split into segments at marks. Only the first segment is
// on the wire; the next one is sent once Deepgram confirms the previous flush,
// since text sent right after a flush is sometimes dropped.
type speechGenerator struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	options texttospeech.Options
	done    chan struct{}

	mu           sync.Mutex
	segments     []string
	flushSent    bool
	textComplete bool
	cancelled    bool
	closed       bool
}

type message struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = message{Type: "Flush"}
	clearMsg = message{Type: "Clear"}
	closeMsg = message{Type: "Close"}
)

func speakMsg(text string) message { return message{Type: "Speak", Text: text} }

func (c *TextToSpeechClient) NewSpeechGenerator(ctx context.Context, opts ...texttospeech.Option) (texttospeech.SpeechGenerator, error) {
	options := texttospeech.DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	speakURL, err := c.speakURL(options.EncodingInfo)
	if err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, speakURL, http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	generator := &speechGenerator{ws: ws, options: options, done: make(chan struct{})}
	go generator.readMessages(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = generator.Close()
		case <-generator.done:
		}
	}()

	return generator, nil
}

func (g *speechGenerator) SendText(text string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkWritableLocked(); err != nil {
		return err
	}

	if len(g.segments) == 0 {
		g.segments = []string{""}
		g.flushSent = false
	}
	if len(g.segments) == 1 {
		if err := g.send(speakMsg(text)); err != nil {
			return fmt.Errorf("failed to send text: %w", err)
		}
	}
	g.segments[len(g.segments)-1] += text
	return nil
}

func (g *speechGenerator) Mark() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkWritableLocked(); err != nil {
		return err
	}

	if len(g.segments) == 0 || g.segments[len(g.segments)-1] == "" {
		return nil
	}
	if len(g.segments) == 1 {
		if err := g.send(flushMsg); err != nil {
			return fmt.Errorf("failed to flush text: %w", err)
		}
		g.flushSent = true
	}
	g.segments = append(g.segments, "")
	return nil
}

func (g *speechGenerator) EndOfText() error {
	g.mu.Lock()
	switch {
	case g.closed:
		g.mu.Unlock()
		return ErrGeneratorClosed
	case g.cancelled:
		g.mu.Unlock()
		return ErrGeneratorCancelled
	case g.textComplete:
		g.mu.Unlock()
		return nil
	}
	g.textComplete = true

	if n := len(g.segments); n > 0 && g.segments[n-1] == "" {
		g.segments = g.segments[:n-1]
	}
	if len(g.segments) == 0 {
		g.mu.Unlock()
		g.finish()
		return nil
	}

	var err error
	if len(g.segments) == 1 && !g.flushSent {
		if err = g.send(flushMsg); err == nil {
			g.flushSent = true
		}
	}
	g.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to flush text: %w", err)
	}
	return nil
}

func (g *speechGenerator) Cancel() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGeneratorClosed
	}
	if g.cancelled {
		g.mu.Unlock()
		return nil
	}
	g.cancelled = true
	g.segments = nil
	err := g.send(clearMsg)
	g.mu.Unlock()

	if err != nil {
		logger.Debug("failed to clear deepgram buffer", "error", err)
	}
	return g.Close()
}

func (g *speechGenerator) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	err := g.send(closeMsg)
	g.mu.Unlock()

	if err != nil {
		return g.ws.Close()
	}
	// deepgram closes the socket after the close message; make sure it goes
	// away even if it does not
	time.AfterFunc(closeTimeout, func() { _ = g.ws.Close() })
	return nil
}

func (g *speechGenerator) checkWritableLocked() error {
	switch {
	case g.closed:
		return ErrGeneratorClosed
	case g.cancelled:
		return ErrGeneratorCancelled
	case g.textComplete:
		return ErrTextComplete
	}
	return nil
}

func (g *speechGenerator) send(msg message) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.ws.WriteJSON(msg)
}

func (g *speechGenerator) readMessages(ctx context.Context) {
	defer close(g.done)
	defer g.ws.Close()

	for {
		msgType, msg, err := g.ws.ReadMessage()
		if err != nil {
			g.mu.Lock()
			expected := g.closed || g.cancelled
			g.mu.Unlock()
			if !expected && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.WarnContext(ctx, "deepgram speech socket failed", "error", err)
				g.options.ErrorCallback(fmt.Errorf("failed to read from deepgram: %w", err))
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(msg) > 0 && !g.isCancelled() {
				g.options.SpeechAudioCallback(msg)
			}
		case websocket.TextMessage:
			var parsed struct {
				Type        string `json:"type"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(msg, &parsed); err != nil {
				logger.DebugContext(ctx, "failed to parse deepgram message", "error", err)
				continue
			}

			switch parsed.Type {
			case "Flushed":
				g.onFlushed()
			case "Warning", "Error":
				logger.WarnContext(ctx, "deepgram reported a problem", "type", parsed.Type, "description", parsed.Description)
			}
		}
	}
}

// onFlushed advances to the next segment once the current one was spoken.
func (g *speechGenerator) onFlushed() {
	g.mu.Lock()
	if len(g.segments) == 0 || g.cancelled {
		g.mu.Unlock()
		return
	}

	spoken := g.segments[0]
	g.segments = g.segments[1:]
	g.flushSent = false

	finished := len(g.segments) == 0 && g.textComplete
	var err error
	if len(g.segments) > 0 {
		if g.segments[0] != "" {
			err = g.send(speakMsg(g.segments[0]))
		}
		if err == nil && (len(g.segments) > 1 || g.textComplete) {
			if err = g.send(flushMsg); err == nil {
				g.flushSent = true
			}
		}
	}
	g.mu.Unlock()

	g.options.SpeechMarkCallback(spoken)
	if err != nil {
		g.options.ErrorCallback(fmt.Errorf("failed to continue speech: %w", err))
		return
	}
	if finished {
		g.finish()
	}
}

func (g *speechGenerator) finish() {
	g.options.SpeechEndedCallback()
	if err := g.Close(); err != nil {
		logger.Debug("failed to close deepgram speech socket", "error", err)
	}
}

func (g *speechGenerator) isCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}
