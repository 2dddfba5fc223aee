package orchestration

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
	"github.com/koscakluka/ema-pipeline/core/texttospeech"
)

const SpeechStageName = "speech"

// SpeechStage turns the text of each turn into audio. Every turn gets its own
// speech generator; the turn's EndOfTurn is held back until the generator
// produced all of its audio so it reaches the output after the last chunk.
//
// Without a text-to-speech client the stage only drops text of cancelled
// turns.
type SpeechStage struct {
	tts      TextToSpeech
	encoding audio.EncodingInfo
	tracker  *turnTracker

	ctx context.Context
	out pipeline.Emitter

	mu     sync.Mutex
	active *speechTurn
}

type speechTurn struct {
	id        string
	generator texttospeech.SpeechGenerator

	mu        sync.Mutex
	started   bool
	cancelled bool
	held      *frames.EndOfTurn
	released  bool
}

func newSpeechStage(tts TextToSpeech, encoding audio.EncodingInfo, tracker *turnTracker) *SpeechStage {
	return &SpeechStage{tts: tts, encoding: encoding, tracker: tracker}
}

func (s *SpeechStage) Name() string { return SpeechStageName }

func (s *SpeechStage) Start(ctx context.Context, out pipeline.Emitter) error {
	s.ctx = ctx
	s.out = out
	return nil
}

func (s *SpeechStage) Stop(context.Context) error {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	if active != nil {
		active.cancel()
	}
	return nil
}

func (s *SpeechStage) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	switch f := frame.(type) {
	case frames.LLMTokenDelta:
		if !s.tracker.live(f.TurnID) {
			return nil
		}
		out.Emit(frame, dir)
		if s.tts != nil && dir == frames.Downstream {
			s.speak(ctx, f)
		}
		return nil

	case frames.EndOfTurn:
		if dir == frames.Downstream && s.endTurn(f) {
			return nil
		}

	case frames.Interrupt:
		s.cancelTurn(f.TurnID)
	}

	out.Emit(frame, dir)
	return nil
}

func (s *SpeechStage) speak(ctx context.Context, delta frames.LLMTokenDelta) {
	turn, err := s.turn(ctx, delta.TurnID)
	if err != nil {
		s.out.ReportError(err)
		return
	}
	if turn == nil {
		return
	}

	if err := turn.generator.SendText(delta.Text); err != nil {
		s.out.ReportError(fmt.Errorf("failed to send text to speech generator: %w", err))
		return
	}
	if strings.ContainsAny(delta.Text, ".?!") {
		if err := turn.generator.Mark(); err != nil {
			logger.DebugContext(ctx, "failed to mark speech", "turn_id", turn.id, "error", err)
		}
	}
}

// turn returns the generator of a turn, creating it for the first text of
// the turn. A newer turn replaces the generator of an older one.
func (s *SpeechStage) turn(ctx context.Context, turnID string) (*speechTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active.id == turnID {
		if s.active.isCancelled() {
			return nil, nil
		}
		return s.active, nil
	}
	if s.active != nil {
		s.active.cancel()
	}

	turn := &speechTurn{id: turnID}
	generator, err := s.tts.NewSpeechGenerator(s.runContext(ctx),
		texttospeech.WithEncodingInfo(s.encoding),
		texttospeech.WithSpeechAudioCallback(func(chunk []byte) { s.onAudio(turn, chunk) }),
		texttospeech.WithSpeechEndedCallback(func() { s.release(turn) }),
		texttospeech.WithErrorCallback(func(err error) {
			s.out.ReportError(fmt.Errorf("speech generation of turn %s failed: %w", turnID, err))
			s.release(turn)
		}),
	)
	if err != nil {
		s.active = nil
		return nil, fmt.Errorf("failed to create speech generator: %w", err)
	}
	turn.generator = generator
	s.active = turn
	return turn, nil
}

func (s *SpeechStage) runContext(ctx context.Context) context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return ctx
}

func (s *SpeechStage) onAudio(turn *speechTurn, chunk []byte) {
	turn.mu.Lock()
	defer turn.mu.Unlock()
	if turn.cancelled || !s.tracker.live(turn.id) {
		return
	}

	if !turn.started {
		turn.started = true
		s.out.Emit(frames.SpeechStart{TurnID: turn.id}, frames.Downstream)
	}
	s.out.Emit(frames.AudioChunk{
		TurnID:     turn.id,
		Audio:      chunk,
		SampleRate: s.encoding.SampleRate,
		Channels:   1,
	}, frames.Downstream)
}

// endTurn reports whether the EndOfTurn was taken over by the turn's
// generator and will be emitted once its speech is generated.
func (s *SpeechStage) endTurn(end frames.EndOfTurn) bool {
	s.mu.Lock()
	turn := s.active
	if turn == nil || turn.id != end.TurnID {
		s.mu.Unlock()
		return false
	}
	if end.Cancelled {
		s.active = nil
		s.mu.Unlock()
		turn.cancel()
		return false
	}
	s.mu.Unlock()

	turn.mu.Lock()
	if turn.cancelled {
		turn.mu.Unlock()
		return false
	}
	turn.held = &end
	turn.mu.Unlock()

	if err := turn.generator.EndOfText(); err != nil {
		s.out.ReportError(fmt.Errorf("failed to end speech text: %w", err))
		s.release(turn)
	}
	return true
}

func (s *SpeechStage) release(turn *speechTurn) {
	turn.mu.Lock()
	held := turn.held
	if held == nil || turn.released || turn.cancelled {
		turn.mu.Unlock()
		return
	}
	turn.released = true
	turn.mu.Unlock()

	s.out.Emit(*held, frames.Downstream)

	s.mu.Lock()
	if s.active == turn {
		s.active = nil
	}
	s.mu.Unlock()
}

func (s *SpeechStage) cancelTurn(turnID string) {
	s.mu.Lock()
	turn := s.active
	if turn == nil || (turnID != "" && turn.id != turnID) {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.mu.Unlock()

	turn.cancel()
}

func (t *speechTurn) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

func (t *speechTurn) cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	t.mu.Unlock()

	if t.generator == nil {
		return
	}
	if err := t.generator.Cancel(); err != nil {
		logger.Debug("failed to cancel speech generator", "turn_id", t.id, "error", err)
	}
}
