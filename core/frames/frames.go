package frames

import (
	"encoding/json"

	"github.com/koscakluka/ema-pipeline/core/llms"
)

type AudioChunk struct {
	Base
	// TurnID is set for synthesized speech, empty for inbound audio.
	TurnID     string
	Audio      []byte
	SampleRate int
	Channels   int
}

func (AudioChunk) Kind() Kind           { return KindAudioChunk }
func (f AudioChunk) stamp(b Base) Frame { f.Base = b; return f }

type VoiceActivity struct {
	Base
	Started bool
}

func (VoiceActivity) Kind() Kind           { return KindVoiceActivity }
func (f VoiceActivity) stamp(b Base) Frame { f.Base = b; return f }

type TranscriptDelta struct {
	Base
	Text    string
	IsFinal bool
}

func (TranscriptDelta) Kind() Kind           { return KindTranscriptDelta }
func (f TranscriptDelta) stamp(b Base) Frame { f.Base = b; return f }

// UserTurnEnd marks an explicit boundary of the user's utterance even when no
// final transcript delta was produced.
type UserTurnEnd struct {
	Base
}

func (UserTurnEnd) Kind() Kind           { return KindUserTurnEnd }
func (f UserTurnEnd) stamp(b Base) Frame { f.Base = b; return f }

type ParticipantJoined struct {
	Base
	ParticipantID string
}

func (ParticipantJoined) Kind() Kind           { return KindParticipantJoined }
func (f ParticipantJoined) stamp(b Base) Frame { f.Base = b; return f }

// ContextUpdate carries either a message to append to the dialogue context or,
// when Snapshot is set, a finished context from which a new turn starts.
type ContextUpdate struct {
	Base
	TurnID     string
	Role       llms.Role
	Content    string
	ToolCallID string
	ToolCalls  []llms.ToolCall
	Snapshot   []llms.Message
}

func (ContextUpdate) Kind() Kind           { return KindContextUpdate }
func (f ContextUpdate) stamp(b Base) Frame { f.Base = b; return f }

func (f ContextUpdate) Message() llms.Message {
	return llms.Message{Role: f.Role, Content: f.Content, ToolCallID: f.ToolCallID, ToolCalls: f.ToolCalls}
}

type LLMTokenDelta struct {
	Base
	TurnID string
	Text   string
}

func (LLMTokenDelta) Kind() Kind           { return KindLLMTokenDelta }
func (f LLMTokenDelta) stamp(b Base) Frame { f.Base = b; return f }

type ToolCallRequest struct {
	Base
	// ID is unique for the session and is the only key results are matched by.
	ID string
	// CallID is the identifier the model assigned to the call.
	CallID    string
	TurnID    string
	Name      string
	Arguments json.RawMessage
}

func (ToolCallRequest) Kind() Kind           { return KindToolCallRequest }
func (f ToolCallRequest) stamp(b Base) Frame { f.Base = b; return f }

type ToolCallResult struct {
	Base
	ID      string
	CallID  string
	TurnID  string
	Name    string
	Payload json.RawMessage
	Err     error
}

func (ToolCallResult) Kind() Kind           { return KindToolCallResult }
func (f ToolCallResult) stamp(b Base) Frame { f.Base = b; return f }

type SpeechStart struct {
	Base
	TurnID string
}

func (SpeechStart) Kind() Kind           { return KindSpeechStart }
func (f SpeechStart) stamp(b Base) Frame { f.Base = b; return f }

type SpeechEnd struct {
	Base
	TurnID string
}

func (SpeechEnd) Kind() Kind           { return KindSpeechEnd }
func (f SpeechEnd) stamp(b Base) Frame { f.Base = b; return f }

type Interrupt struct {
	Base
	TurnID string
}

func (Interrupt) Kind() Kind           { return KindInterrupt }
func (f Interrupt) stamp(b Base) Frame { f.Base = b; return f }

type EndOfTurn struct {
	Base
	TurnID    string
	Cancelled bool
	// Err is set when the turn failed. The apology spoken in its place was
	// already emitted as text for the same turn.
	Err error
}

func (EndOfTurn) Kind() Kind           { return KindEndOfTurn }
func (f EndOfTurn) stamp(b Base) Frame { f.Base = b; return f }

// TurnIDOf returns the turn a frame belongs to, or an empty string for frames
// that are not tied to a turn.
func TurnIDOf(f Frame) string {
	switch f := f.(type) {
	case AudioChunk:
		return f.TurnID
	case ContextUpdate:
		return f.TurnID
	case LLMTokenDelta:
		return f.TurnID
	case ToolCallRequest:
		return f.TurnID
	case ToolCallResult:
		return f.TurnID
	case SpeechStart:
		return f.TurnID
	case SpeechEnd:
		return f.TurnID
	case Interrupt:
		return f.TurnID
	case EndOfTurn:
		return f.TurnID
	}
	return ""
}
