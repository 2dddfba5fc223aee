// Package frames defines the units of data and control that flow between
// pipeline stages.
//
// Frames are values. Once a frame has been emitted it is never mutated; a
// stage that wants to change something emits a new frame instead.
package frames

import "time"

type Kind string

const (
	KindAudioChunk        Kind = "audio.chunk"
	KindVoiceActivity     Kind = "voice_activity"
	KindTranscriptDelta   Kind = "transcript.delta"
	KindUserTurnEnd       Kind = "user_turn.end"
	KindParticipantJoined Kind = "participant.joined"
	KindContextUpdate     Kind = "context.update"
	KindLLMTokenDelta     Kind = "llm.token_delta"
	KindToolCallRequest   Kind = "tool_call.request"
	KindToolCallResult    Kind = "tool_call.result"
	KindSpeechStart       Kind = "speech.start"
	KindSpeechEnd         Kind = "speech.end"
	KindInterrupt         Kind = "interrupt"
	KindEndOfTurn         Kind = "turn.end"
)

// Direction is the way a frame travels through the configured stage list.
type Direction int

const (
	// Downstream follows the order stages were configured in.
	Downstream Direction = iota
	// Upstream travels back towards the first stage, used for control frames.
	Upstream
)

func (d Direction) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	}
	return "unknown"
}

type Frame interface {
	Kind() Kind
	Header() Base

	stamp(Base) Frame
}

// Base is the header every frame carries. It is filled in by the pipeline the
// first time a frame is emitted.
type Base struct {
	// Origin is the name of the stage (or entry point) that emitted the frame.
	Origin string
	// Seq increases monotonically for every frame a single origin emits.
	Seq       uint64
	Timestamp time.Time
}

func (b Base) Header() Base { return b }

// IsStamped reports whether the frame already went through an emitter.
func (b Base) IsStamped() bool { return b.Origin != "" }

// Stamp returns a copy of the frame with its header set. Frames that are
// already stamped are returned unchanged so forwarding keeps the original
// origin and sequence number.
func Stamp(f Frame, origin string, seq uint64) Frame {
	if f == nil || f.Header().IsStamped() {
		return f
	}

	return f.stamp(Base{Origin: origin, Seq: seq, Timestamp: time.Now()})
}
