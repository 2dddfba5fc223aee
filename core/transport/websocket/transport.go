// Package websocket connects a conversation session to a client over a
// websocket. The client streams the user's audio (or typed text) in and plays
// the assistant's audio, echoing marks back once the audio before them was
// played.
package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const InputStageName = "transport_input"

// Transport is both ends of a session's connection: the input stage that
// turns client messages into frames and the audio output the assistant's
// speech is played through.
type Transport struct {
	conn     *websocket.Conn
	encoding audio.EncodingInfo
	onStop   func()

	writeMu sync.Mutex

	marksMu sync.Mutex
	marks   map[string]func(string)

	closed atomic.Bool
	done   chan struct{}
}

type Option func(*Transport)

// WithEncodingInfo sets the encoding of the audio in both directions.
func WithEncodingInfo(encoding audio.EncodingInfo) Option {
	return func(t *Transport) {
		if !encoding.IsZero() {
			t.encoding = encoding
		}
	}
}

// WithStopCallback is called when the client ends the session.
func WithStopCallback(callback func()) Option {
	return func(t *Transport) { t.onStop = callback }
}

func NewTransport(conn *websocket.Conn, opts ...Option) *Transport {
	t := &Transport{
		conn:     conn,
		encoding: audio.GetDefaultEncodingInfo(),
		onStop:   func() {},
		marks:    map[string]func(string){},
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Name() string { return InputStageName }

// OnStop replaces the stop callback of this connection. Call it before Start.
func (t *Transport) OnStop(callback func()) {
	if callback != nil {
		t.onStop = callback
	}
}

func (t *Transport) Start(ctx context.Context, out pipeline.Emitter) error {
	go t.readMessages(ctx, out)
	return nil
}

func (t *Transport) ProcessFrame(_ context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	pipeline.Passthrough(frame, dir, out)
	return nil
}

func (t *Transport) Stop(context.Context) error {
	return t.Close()
}

// Done is closed once the connection stopped being read.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) readMessages(ctx context.Context, out pipeline.Emitter) {
	defer close(t.done)

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.closed.Load() || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.onStop()
				return
			}
			out.ReportError(fmt.Errorf("%w: failed to read from client: %w", pipeline.ErrTransportFailure, err))
			return
		}

		if msgType == websocket.BinaryMessage {
			out.Emit(t.audioChunk(data), frames.Downstream)
			continue
		}

		msg, err := decodeMessage(data)
		if err != nil {
			logger.WarnContext(ctx, "ignoring client message", "error", err)
			continue
		}

		switch msg.Event {
		case EventStart:
			out.Emit(frames.ParticipantJoined{ParticipantID: msg.ParticipantID}, frames.Downstream)
		case EventMedia:
			chunk, err := msg.audio()
			if err != nil {
				logger.WarnContext(ctx, "ignoring client audio", "error", err)
				continue
			}
			out.Emit(t.audioChunk(chunk), frames.Downstream)
		case EventText:
			out.Emit(frames.TranscriptDelta{Text: msg.Text, IsFinal: true}, frames.Downstream)
		case EventMark:
			t.played(msg.Mark.Name)
		case EventStop:
			logger.InfoContext(ctx, "client ended the session")
			t.onStop()
		}
	}
}

func (t *Transport) audioChunk(chunk []byte) frames.AudioChunk {
	return frames.AudioChunk{Audio: chunk, SampleRate: t.encoding.SampleRate, Channels: t.encoding.Channels}
}

func (t *Transport) EncodingInfo() audio.EncodingInfo { return t.encoding }

func (t *Transport) SendAudio(chunk []byte) error {
	if err := t.send(mediaMessage(chunk)); err != nil {
		return fmt.Errorf("failed to send audio: %w", err)
	}
	return nil
}

// ClearBuffer tells the client to drop the audio it has not played yet. Marks
// placed in the dropped audio are never reported.
func (t *Transport) ClearBuffer() {
	t.marksMu.Lock()
	t.marks = map[string]func(string){}
	t.marksMu.Unlock()

	if err := t.send(Message{Event: EventClear}); err != nil {
		logger.Warn("failed to clear client audio", "error", err)
	}
}

// Mark asks the client to report back once it played everything sent
// before the mark.
func (t *Transport) Mark(name string, callback func(string)) error {
	t.marksMu.Lock()
	t.marks[name] = callback
	t.marksMu.Unlock()

	if err := t.send(markMessage(name)); err != nil {
		t.marksMu.Lock()
		delete(t.marks, name)
		t.marksMu.Unlock()
		return fmt.Errorf("failed to send mark: %w", err)
	}
	return nil
}

func (t *Transport) played(name string) {
	t.marksMu.Lock()
	callback, ok := t.marks[name]
	delete(t.marks, name)
	t.marksMu.Unlock()

	if ok {
		callback(name)
	}
}

func (t *Transport) send(msg Message) error {
	if t.closed.Load() {
		return fmt.Errorf("connection closed")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(msg)
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.writeMu.Lock()
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	t.writeMu.Unlock()
	return t.conn.Close()
}
