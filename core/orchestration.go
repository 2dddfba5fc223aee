package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-pipeline/core/audio"
	"github.com/koscakluka/ema-pipeline/core/conversations"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
	"github.com/koscakluka/ema-pipeline/core/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultStopTimeout = 5 * time.Second

// Orchestrator runs one conversation session: it builds the pipeline out of
// the configured collaborators, owns its lifecycle and archives the dialogue
// once the session is over.
type Orchestrator struct {
	model              llms.StreamingModel
	tools              *tools.Registry
	systemPrompt       string
	textToSpeech       TextToSpeech
	audioOutput        AudioOutput
	inputStages        []pipeline.Stage
	driverConfig       turnDriverConfig
	allowInterruptions bool
	transcripts        TranscriptStore
	sessionID          string
	tailSink           pipeline.Sink
	onError            func(error)
	stopTimeout        time.Duration

	dialogue   *conversations.DialogueContext
	tracker    *turnTracker
	controller *InterruptionController
	pipeline   *pipeline.Pipeline
	err        error

	orchestrated sync.Once
	span         trace.Span
	spanMu       sync.Mutex

	ended    chan struct{}
	endOnce  sync.Once
	fatal    chan error
	fatalErr sync.Once
}

func NewOrchestrator(opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		driverConfig:       defaultTurnDriverConfig(),
		allowInterruptions: true,
		sessionID:          uuid.NewString(),
		stopTimeout:        defaultStopTimeout,
		tracker:            newTurnTracker(),
		ended:              make(chan struct{}),
		fatal:              make(chan error, 1),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.dialogue = conversations.NewDialogueContext(o.systemPrompt)
	o.controller = newInterruptionController(o.tracker, o.allowInterruptions)
	o.pipeline, o.err = o.buildPipeline()
	if o.pipeline != nil {
		o.controller.push = o.pipeline.PushFrame
	}

	return o
}

func (o *Orchestrator) buildPipeline() (*pipeline.Pipeline, error) {
	registry := o.tools
	if registry == nil {
		registry, _ = tools.NewRegistry()
	}
	if err := registry.Validate(nil); err != nil {
		return nil, fmt.Errorf("invalid tools: %w", err)
	}
	o.driverConfig.tools = registry.Definitions()

	encoding := audio.GetDefaultEncodingInfo()
	if o.audioOutput != nil {
		encoding = o.audioOutput.EncodingInfo()
	}

	driver := newTurnDriver(o.model, o.tracker, o.driverConfig)
	driver.dialogue = o.dialogue

	stages := append([]pipeline.Stage{}, o.inputStages...)
	stages = append(stages,
		conversations.NewUserAggregator(o.dialogue),
		driver,
		tools.NewStage(registry, tools.WithHandlerTimeout(o.driverConfig.toolTimeout)),
		newSpeechStage(o.textToSpeech, encoding, o.tracker),
		newOutputStage(o.audioOutput, o.tracker),
		conversations.NewAssistantAggregator(o.dialogue),
	)

	return pipeline.New(stages,
		pipeline.WithErrorSink(o.handleError),
		pipeline.WithObserver(o.controller.Observe),
		pipeline.WithTailSink(o.tailSink),
		pipeline.WithHeadSink(func(frame frames.Frame) {
			logger.Debug("frame left the pipeline upstream", "kind", frame.Kind())
		}),
	)
}

// Orchestrate runs the session until ctx is done, EndSession is called or
// the transport fails. The pipeline is stopped and the transcript archived
// before it returns.
//
// An orchestrator runs once; later calls return ErrAlreadyOrchestrated.
func (o *Orchestrator) Orchestrate(ctx context.Context) error {
	err := ErrAlreadyOrchestrated
	o.orchestrated.Do(func() { err = o.orchestrate(ctx) })
	return err
}

func (o *Orchestrator) orchestrate(ctx context.Context) error {
	if o.err != nil {
		return o.err
	}
	if o.model == nil {
		return ErrNoModel
	}

	ctx, span := tracer.Start(ctx, "orchestrate", trace.WithAttributes(
		attribute.String("session.id", o.sessionID),
	))
	defer span.End()
	o.spanMu.Lock()
	o.span = span
	o.spanMu.Unlock()

	startedAt := time.Now()
	if err := o.pipeline.Start(ctx); err != nil {
		err = fmt.Errorf("failed to start pipeline: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.InfoContext(ctx, "session started", "session_id", o.sessionID)

	var sessionErr error
	select {
	case <-ctx.Done():
	case <-o.ended:
	case sessionErr = <-o.fatal:
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()

	errs := []error{sessionErr}
	if err := o.pipeline.Stop(stopCtx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop pipeline: %w", err))
	}
	if o.transcripts != nil {
		transcript := o.dialogue.Transcript(o.sessionID, startedAt, time.Now())
		if err := o.transcripts.SaveTranscript(stopCtx, transcript); err != nil {
			errs = append(errs, fmt.Errorf("failed to archive transcript: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	logger.InfoContext(ctx, "session ended", "session_id", o.sessionID, "error", err)
	return err
}

func (o *Orchestrator) handleError(err error) {
	o.spanMu.Lock()
	span := o.span
	o.spanMu.Unlock()
	if span != nil {
		span.RecordError(err)
	}

	if errors.Is(err, pipeline.ErrTransportFailure) {
		logger.Error("transport failed, ending session", "session_id", o.sessionID, "error", err)
		o.fatalErr.Do(func() { o.fatal <- err })
	} else {
		logger.Warn("pipeline error", "session_id", o.sessionID, "error", err)
	}

	if o.onError != nil {
		o.onError(err)
	}
}

func (o *Orchestrator) SessionID() string { return o.sessionID }

// PushFrame injects a frame into the pipeline. Frames pushed before
// Orchestrate are processed once it runs.
func (o *Orchestrator) PushFrame(frame frames.Frame, dir frames.Direction) error {
	if o.err != nil {
		return o.err
	}
	return o.pipeline.PushFrame(frame, dir)
}

// SendPrompt hands the orchestrator a complete user utterance, bypassing
// speech-to-text.
func (o *Orchestrator) SendPrompt(prompt string) error {
	return o.PushFrame(frames.TranscriptDelta{Text: prompt, IsFinal: true}, frames.Downstream)
}

// ParticipantJoined primes the first turn of the session from the system
// prompt.
func (o *Orchestrator) ParticipantJoined(participantID string) error {
	return o.PushFrame(frames.ParticipantJoined{ParticipantID: participantID}, frames.Downstream)
}

// CancelTurn cancels the active turns whether or not interruptions are
// allowed.
func (o *Orchestrator) CancelTurn() {
	o.controller.interrupt("cancel_turn")
}

func (o *Orchestrator) EndSession() {
	o.endOnce.Do(func() { close(o.ended) })
}

// Conversation returns a copy of the dialogue so far.
func (o *Orchestrator) Conversation() []llms.Message {
	return o.dialogue.Snapshot()
}

// ActiveTurn returns the most recent turn that is still generating or
// speaking, or nil.
func (o *Orchestrator) ActiveTurn() *Turn {
	return o.tracker.Current()
}
