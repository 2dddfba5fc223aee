package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/texttospeech"
)

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

func stopReason(reason string) *string { return &reason }

// frameRecorder is a pipeline sink remembering every frame it got.
type frameRecorder struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (r *frameRecorder) record(frame frames.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) all() []frames.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frames.Frame(nil), r.frames...)
}

func (r *frameRecorder) endsOfTurn() []frames.EndOfTurn {
	var ends []frames.EndOfTurn
	for _, frame := range r.all() {
		if end, ok := frame.(frames.EndOfTurn); ok {
			ends = append(ends, end)
		}
	}
	return ends
}

func (r *frameRecorder) text(turnID string) string {
	var text string
	for _, frame := range r.all() {
		if delta, ok := frame.(frames.LLMTokenDelta); ok && (turnID == "" || delta.TurnID == turnID) {
			text += delta.Text
		}
	}
	return text
}

func (r *frameRecorder) hasEnded() bool { return len(r.endsOfTurn()) > 0 }

// scriptedModel answers every prompt with the chunks respond returns for it.
type scriptedModel struct {
	respond func(call int, messages []llms.Message) ([]llms.StreamChunk, error)
	delay   time.Duration

	mu    sync.Mutex
	calls [][]llms.Message
}

func (m *scriptedModel) PromptWithStream(_ context.Context, messages []llms.Message, _ []llms.ToolDefinition) llms.Stream {
	m.mu.Lock()
	call := len(m.calls)
	m.calls = append(m.calls, append([]llms.Message(nil), messages...))
	m.mu.Unlock()

	chunks, err := m.respond(call, messages)
	return scriptedStream{chunks: chunks, err: err, delay: m.delay}
}

func (m *scriptedModel) prompts() [][]llms.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]llms.Message(nil), m.calls...)
}

type scriptedStream struct {
	chunks []llms.StreamChunk
	err    error
	delay  time.Duration
}

func (s scriptedStream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		for _, chunk := range s.chunks {
			if s.delay > 0 {
				select {
				case <-ctx.Done():
					yield(nil, ctx.Err())
					return
				case <-time.After(s.delay):
				}
			}
			if !yield(chunk, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

// endlessModel keeps talking until the turn is cancelled.
type endlessModel struct {
	interval time.Duration
}

func (m endlessModel) PromptWithStream(context.Context, []llms.Message, []llms.ToolDefinition) llms.Stream {
	return m
}

func (m endlessModel) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		for {
			select {
			case <-ctx.Done():
				yield(nil, ctx.Err())
				return
			case <-time.After(m.interval):
			}
			if !yield(llms.ContentChunk{Text: "more "}, nil) {
				return
			}
		}
	}
}

func textReply(text string) func(int, []llms.Message) ([]llms.StreamChunk, error) {
	return func(int, []llms.Message) ([]llms.StreamChunk, error) {
		return []llms.StreamChunk{llms.ContentChunk{Text: text, Reason: stopReason(llms.FinishReasonStop)}}, nil
	}
}

// fakeTextToSpeech "speaks" text by turning it into bytes right away.
type fakeTextToSpeech struct {
	mu         sync.Mutex
	generators []*fakeSpeechGenerator
}

func (f *fakeTextToSpeech) NewSpeechGenerator(_ context.Context, opts ...texttospeech.Option) (texttospeech.SpeechGenerator, error) {
	options := texttospeech.DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	generator := &fakeSpeechGenerator{options: options}
	f.mu.Lock()
	f.generators = append(f.generators, generator)
	f.mu.Unlock()
	return generator, nil
}

func (f *fakeTextToSpeech) cancelled() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, generator := range f.generators {
		if generator.wasCancelled() {
			count++
		}
	}
	return count
}

type fakeSpeechGenerator struct {
	options texttospeech.Options

	mu        sync.Mutex
	ended     bool
	cancelled bool
}

func (g *fakeSpeechGenerator) SendText(text string) error {
	g.mu.Lock()
	done := g.ended || g.cancelled
	g.mu.Unlock()
	if done {
		return errors.New("generator closed")
	}
	g.options.SpeechAudioCallback([]byte(text))
	return nil
}

func (g *fakeSpeechGenerator) Mark() error { return nil }

func (g *fakeSpeechGenerator) EndOfText() error {
	g.mu.Lock()
	if g.cancelled {
		g.mu.Unlock()
		return errors.New("generator cancelled")
	}
	g.ended = true
	g.mu.Unlock()
	g.options.SpeechEndedCallback()
	return nil
}

func (g *fakeSpeechGenerator) Cancel() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = true
	return nil
}

func (g *fakeSpeechGenerator) Close() error { return nil }

func (g *fakeSpeechGenerator) wasCancelled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled
}

// fakeOutput collects audio and plays marks only when told to.
type fakeOutput struct {
	mu      sync.Mutex
	audio   [][]byte
	clears  int
	marks   []func(string)
	names   []string
	autoAck bool
}

func (o *fakeOutput) EncodingInfo() audio.EncodingInfo { return audio.GetDefaultEncodingInfo() }

func (o *fakeOutput) SendAudio(chunk []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.audio = append(o.audio, chunk)
	return nil
}

func (o *fakeOutput) ClearBuffer() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clears++
}

func (o *fakeOutput) Mark(name string, callback func(string)) error {
	o.mu.Lock()
	if o.autoAck {
		o.mu.Unlock()
		go callback(name)
		return nil
	}
	defer o.mu.Unlock()
	o.marks = append(o.marks, callback)
	o.names = append(o.names, name)
	return nil
}

// playOut reports every pending mark as played.
func (o *fakeOutput) playOut() {
	o.mu.Lock()
	marks, names := o.marks, o.names
	o.marks, o.names = nil, nil
	o.mu.Unlock()

	for i, callback := range marks {
		callback(names[i])
	}
}

func (o *fakeOutput) pendingMarks() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.marks)
}

func (o *fakeOutput) clearCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clears
}

func (o *fakeOutput) audioCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.audio)
}
