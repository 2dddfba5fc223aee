package orchestration

import (
	"context"
	"time"

	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/conversations"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
	"github.com/koscakluka/ema-pipeline/core/texttospeech"
	"github.com/koscakluka/ema-pipeline/core/tools"
)

type OrchestratorOption func(*Orchestrator)

func WithStreamingLLM(model llms.StreamingModel) OrchestratorOption {
	return func(o *Orchestrator) { o.model = model }
}

// WithTools sets the tools the model may call. The registry is validated and
// frozen when the orchestrator is created.
func WithTools(registry *tools.Registry) OrchestratorOption {
	return func(o *Orchestrator) { o.tools = registry }
}

func WithSystemPrompt(prompt string) OrchestratorOption {
	return func(o *Orchestrator) { o.systemPrompt = prompt }
}

type TextToSpeech interface {
	NewSpeechGenerator(ctx context.Context, opts ...texttospeech.Option) (texttospeech.SpeechGenerator, error)
}

func WithTextToSpeech(client TextToSpeech) OrchestratorOption {
	return func(o *Orchestrator) { o.textToSpeech = client }
}

type AudioOutput interface {
	EncodingInfo() audio.EncodingInfo
	SendAudio(audio []byte) error
	ClearBuffer()
}

// MarkingAudioOutput can tell when the audio sent before a mark was played.
type MarkingAudioOutput interface {
	AudioOutput
	Mark(name string, callback func(name string)) error
}

func WithAudioOutput(output AudioOutput) OrchestratorOption {
	return func(o *Orchestrator) { o.audioOutput = output }
}

// WithInputStages puts stages in front of the conversation stages, typically
// the transport input followed by speech-to-text.
func WithInputStages(stages ...pipeline.Stage) OrchestratorOption {
	return func(o *Orchestrator) { o.inputStages = append(o.inputStages, stages...) }
}

func WithToolTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.driverConfig.toolTimeout = timeout
		}
	}
}

func WithMaxToolRounds(rounds int) OrchestratorOption {
	return func(o *Orchestrator) {
		if rounds > 0 {
			o.driverConfig.maxToolRounds = rounds
		}
	}
}

// WithApology sets what is said when a turn fails.
func WithApology(apology string) OrchestratorOption {
	return func(o *Orchestrator) { o.driverConfig.apology = apology }
}

// WithAllowInterruptions controls whether the user speaking cancels the
// response being spoken. Interruptions are allowed by default.
func WithAllowInterruptions(allow bool) OrchestratorOption {
	return func(o *Orchestrator) { o.allowInterruptions = allow }
}

func WithMetrics(enabled bool) OrchestratorOption {
	return func(o *Orchestrator) { o.driverConfig.metricsEnabled = enabled }
}

// WithInitialTTFBOnly reports the time to first token of the first turn only.
func WithInitialTTFBOnly() OrchestratorOption {
	return func(o *Orchestrator) { o.driverConfig.initialTTFBOnly = true }
}

type TranscriptStore interface {
	SaveTranscript(ctx context.Context, transcript conversations.Transcript) error
}

// WithTranscriptStore archives the dialogue once the session ends.
func WithTranscriptStore(store TranscriptStore) OrchestratorOption {
	return func(o *Orchestrator) { o.transcripts = store }
}

func WithSessionID(id string) OrchestratorOption {
	return func(o *Orchestrator) {
		if id != "" {
			o.sessionID = id
		}
	}
}

// WithTailSink receives every frame that leaves the end of the pipeline.
func WithTailSink(sink pipeline.Sink) OrchestratorOption {
	return func(o *Orchestrator) { o.tailSink = sink }
}

// WithErrorCallback is called with every error reported by the pipeline.
func WithErrorCallback(callback func(error)) OrchestratorOption {
	return func(o *Orchestrator) { o.onError = callback }
}

func WithStopTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.stopTimeout = timeout
		}
	}
}
