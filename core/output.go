package orchestration

import (
	"context"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const OutputStageName = "audio_output"

// OutputStage plays the audio of the turns. A finished turn's EndOfTurn is
// held until the output reports it played the turn's last chunk; only then is
// the turn delivered and the EndOfTurn passed on. Outputs that can not report
// playback deliver turns as soon as all their audio was handed over.
type OutputStage struct {
	output  AudioOutput
	marking MarkingAudioOutput
	tracker *turnTracker

	out pipeline.Emitter

	mu      sync.Mutex
	playing string
	held    map[string]frames.EndOfTurn
}

func newOutputStage(output AudioOutput, tracker *turnTracker) *OutputStage {
	stage := &OutputStage{
		output:  output,
		tracker: tracker,
		held:    map[string]frames.EndOfTurn{},
	}
	if marking, ok := output.(MarkingAudioOutput); ok {
		stage.marking = marking
	}
	return stage
}

func (s *OutputStage) Name() string { return OutputStageName }

func (s *OutputStage) Start(_ context.Context, out pipeline.Emitter) error {
	s.out = out
	return nil
}

func (s *OutputStage) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	switch f := frame.(type) {
	case frames.AudioChunk:
		if dir != frames.Downstream {
			break
		}
		if s.output == nil || !s.tracker.live(f.TurnID) {
			return nil
		}
		s.mu.Lock()
		s.playing = f.TurnID
		s.mu.Unlock()
		if err := s.output.SendAudio(f.Audio); err != nil {
			out.ReportError(fmt.Errorf("failed to send audio to output: %w", err))
		}
		return nil

	case frames.EndOfTurn:
		if dir != frames.Downstream {
			break
		}
		if f.Cancelled {
			s.discard(f.TurnID, false)
			break
		}
		s.hold(ctx, f)
		return nil

	case frames.Interrupt:
		s.discard(f.TurnID, true)
	}

	out.Emit(frame, dir)
	return nil
}

func (s *OutputStage) hold(ctx context.Context, end frames.EndOfTurn) {
	s.mu.Lock()
	hadAudio := s.playing == end.TurnID
	s.held[end.TurnID] = end
	s.mu.Unlock()

	if s.marking == nil || !hadAudio {
		s.release(end.TurnID)
		return
	}

	mark := "turn-" + end.TurnID
	if err := s.marking.Mark(mark, func(string) { s.release(end.TurnID) }); err != nil {
		logger.WarnContext(ctx, "failed to mark end of turn, releasing right away", "turn_id", end.TurnID, "error", err)
		s.release(end.TurnID)
	}
}

// release delivers a held turn and passes its EndOfTurn on. Turns cancelled
// in the meantime are dropped; their cancelled EndOfTurn follows separately.
func (s *OutputStage) release(turnID string) {
	s.mu.Lock()
	end, ok := s.held[turnID]
	delete(s.held, turnID)
	s.mu.Unlock()
	if !ok {
		return
	}

	if !s.tracker.deliver(turnID) {
		logger.Debug("turn cancelled before it was played out", "turn_id", turnID)
		return
	}
	s.out.Emit(frames.SpeechEnd{TurnID: turnID}, frames.Downstream)
	s.out.Emit(end, frames.Downstream)
}

// discard forgets the turn's held EndOfTurn and clears the output if it is
// playing the turn. Interruptions clear the output whatever it plays.
func (s *OutputStage) discard(turnID string, interrupted bool) {
	s.mu.Lock()
	delete(s.held, turnID)
	flush := interrupted || (s.playing != "" && s.playing == turnID)
	if flush {
		s.playing = ""
	}
	s.mu.Unlock()

	if flush && s.output != nil {
		s.output.ClearBuffer()
	}
}
