package orchestration

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
	"github.com/koscakluka/ema-pipeline/core/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const TurnDriverName = "turn_driver"

const (
	DefaultToolTimeout   = 10 * time.Second
	DefaultMaxToolRounds = 8
	DefaultApology       = "I'm sorry, something went wrong on my side. Could you say that again?"
)

type turnDriverConfig struct {
	tools           []llms.ToolDefinition
	toolTimeout     time.Duration
	maxToolRounds   int
	apology         string
	metricsEnabled  bool
	initialTTFBOnly bool
}

func defaultTurnDriverConfig() turnDriverConfig {
	return turnDriverConfig{
		toolTimeout:    DefaultToolTimeout,
		maxToolRounds:  DefaultMaxToolRounds,
		apology:        DefaultApology,
		metricsEnabled: true,
	}
}

// turnLog is the dialogue a turn reads its context from once the turns
// before it are closed.
type turnLog interface {
	OpenTurn(turnID string) []<-chan struct{}
	Snapshot() []llms.Message
}

// TurnDriver starts a turn for every context snapshot it receives and streams
// the model's response for it. Text is forwarded as it arrives except while
// the turn waits for tool results; results are matched to their requests by
// id and folded into the context before the model is asked again.
type TurnDriver struct {
	model   llms.StreamingModel
	tracker *turnTracker
	config  turnDriverConfig
	metrics turnInstruments

	// dialogue, when set, replaces the snapshot a turn was started with by
	// the context as it stands once earlier answers are committed
	dialogue turnLog

	ctx    context.Context
	cancel context.CancelFunc
	out    pipeline.Emitter

	// mu orders starting turns against Stop, so no turn is added to the
	// wait group once Stop waits on it
	mu           sync.Mutex
	stopped      bool
	turns        sync.WaitGroup
	ttfbReported sync.Once
}

func newTurnDriver(model llms.StreamingModel, tracker *turnTracker, config turnDriverConfig) *TurnDriver {
	return &TurnDriver{
		model:   model,
		tracker: tracker,
		config:  config,
		metrics: newTurnInstruments(),
	}
}

func (d *TurnDriver) Name() string { return TurnDriverName }

func (d *TurnDriver) Start(ctx context.Context, out pipeline.Emitter) error {
	if d.model == nil {
		return ErrNoModel
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.out = out
	return nil
}

// Stop abandons running turns and waits for their goroutines until ctx
// expires.
func (d *TurnDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.turns.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("stopped while turns were still running")
	}
	return nil
}

func (d *TurnDriver) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	switch f := frame.(type) {
	case frames.ContextUpdate:
		out.Emit(frame, dir)
		if dir == frames.Downstream && f.Snapshot != nil {
			d.startTurn(f.Snapshot)
		}
		return nil

	case frames.ToolCallResult:
		if dir != frames.Upstream {
			break
		}
		turn := d.tracker.Lookup(f.TurnID)
		if turn == nil || !turn.resolve(f) {
			logger.DebugContext(ctx, "discarding tool result nobody waits for",
				"turn_id", f.TurnID, "request_id", f.ID, "tool", f.Name)
		}
		return nil
	}

	out.Emit(frame, dir)
	return nil
}

func (d *TurnDriver) startTurn(snapshot []llms.Message) *Turn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		logger.Debug("not starting a turn after stop")
		return nil
	}

	turn := newTurn(d.ctx)
	previous := d.tracker.begin(turn)
	var earlier []<-chan struct{}
	if d.dialogue != nil {
		earlier = d.dialogue.OpenTurn(turn.ID)
	}

	// only one turn generates at a time; a turn that is already speaking is
	// left to finish and the new one waits for it
	for _, p := range previous {
		if p.State() == TurnGenerating && p.Cancel() {
			logger.Debug("turn superseded", "turn_id", p.ID, "by", turn.ID)
		}
	}

	go func() {
		<-turn.Context().Done()
		if turn.Cancelled() {
			turn.emitCancelled(d.out)
		}
	}()

	d.turns.Add(1)
	go func() {
		defer d.turns.Done()
		d.runTurn(turn, slices.Clone(snapshot), previous, earlier)
	}()

	return turn
}

func (d *TurnDriver) runTurn(turn *Turn, messages []llms.Message, previous []*Turn, earlier []<-chan struct{}) {
	ctx, span := tracer.Start(turn.Context(), "turn", trace.WithAttributes(
		attribute.String("turn.id", turn.ID),
	))
	defer span.End()

	for _, p := range previous {
		select {
		case <-p.Settled():
		case <-ctx.Done():
			return
		}
	}
	for _, closed := range earlier {
		select {
		case <-closed:
		case <-ctx.Done():
			return
		}
	}
	if d.dialogue != nil {
		messages = d.dialogue.Snapshot()
	}
	span.SetAttributes(attribute.Int("turn.context_messages", len(messages)))

	err := d.generate(ctx, turn, messages)
	switch {
	case turn.Cancelled():
		span.AddEvent("turn cancelled")
		return
	case err != nil && d.ctx.Err() != nil:
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "turn failed", "turn_id", turn.ID, "error", err)

		turn.emit(d.out, frames.LLMTokenDelta{TurnID: turn.ID, Text: d.config.apology})
		turn.endGeneration(d.out, frames.EndOfTurn{TurnID: turn.ID, Err: err})
	default:
		turn.endGeneration(d.out, frames.EndOfTurn{TurnID: turn.ID})
	}
}

type awaitedToolCall struct {
	request frames.ToolCallRequest
	result  <-chan frames.ToolCallResult
}

type round struct {
	content string
	// held is text that arrived after a tool call and is only forwarded once
	// all results are in
	held  []string
	calls []awaitedToolCall
}

func (d *TurnDriver) generate(ctx context.Context, turn *Turn, messages []llms.Message) error {
	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i >= d.config.maxToolRounds {
			return fmt.Errorf("%w: gave up after %d rounds", ErrMaxToolRounds, i)
		}

		r, err := d.streamRound(ctx, turn, messages, i)
		if err != nil {
			return err
		}
		if len(r.calls) == 0 {
			return nil
		}
		d.metrics.toolRounds.Add(ctx, 1)

		results, err := d.awaitResults(ctx, turn, r.calls)
		if err != nil {
			return err
		}

		// the tool call message and its results are committed together or
		// not at all; a dangling tool call would poison every later prompt
		batch := make([]frames.Frame, 0, len(r.held)+len(results)+1)
		for _, text := range r.held {
			batch = append(batch, frames.LLMTokenDelta{TurnID: turn.ID, Text: text})
		}

		call := frames.ContextUpdate{
			TurnID:    turn.ID,
			Role:      llms.RoleAssistant,
			Content:   r.content,
			ToolCalls: make([]llms.ToolCall, 0, len(r.calls)),
		}
		for _, c := range r.calls {
			call.ToolCalls = append(call.ToolCalls, llms.ToolCall{
				ID:        c.request.CallID,
				Name:      c.request.Name,
				Arguments: string(c.request.Arguments),
			})
		}
		messages = append(messages, call.Message())
		batch = append(batch, call)

		for _, result := range results {
			update := frames.ContextUpdate{
				TurnID:     turn.ID,
				Role:       llms.RoleTool,
				Content:    string(result.Payload),
				ToolCallID: result.CallID,
			}
			messages = append(messages, update.Message())
			batch = append(batch, update)
		}
		if !turn.emitAll(d.out, batch...) {
			return context.Canceled
		}
	}
}

func (d *TurnDriver) streamRound(ctx context.Context, turn *Turn, messages []llms.Message, index int) (round, error) {
	ctx, span := tracer.Start(ctx, "model round", trace.WithAttributes(attribute.Int("turn.round", index)))
	defer span.End()

	var r round
	var content strings.Builder

	stream := d.model.PromptWithStream(ctx, messages, d.config.tools)
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			if ctx.Err() != nil {
				return r, ctx.Err()
			}
			err = fmt.Errorf("%w: %w", ErrModelBackend, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return r, err
		}
		if turn.Cancelled() {
			return r, context.Canceled
		}

		switch c := chunk.(type) {
		case llms.StreamContentChunk:
			text := c.Content()
			if text == "" {
				break
			}
			d.recordFirstToken(ctx, turn)
			content.WriteString(text)
			if len(r.calls) > 0 {
				r.held = append(r.held, text)
				break
			}
			turn.emit(d.out, frames.LLMTokenDelta{TurnID: turn.ID, Text: text})

		case llms.StreamToolCallChunk:
			d.recordFirstToken(ctx, turn)
			call := c.ToolCall()
			request := frames.ToolCallRequest{
				ID:        uuid.NewString(),
				CallID:    call.ID,
				TurnID:    turn.ID,
				Name:      call.Name,
				Arguments: json.RawMessage(call.Arguments),
			}
			result, err := turn.track(request)
			if err != nil {
				return r, err
			}
			r.calls = append(r.calls, awaitedToolCall{request: request, result: result})
			span.AddEvent("tool call requested", trace.WithAttributes(
				attribute.String("tool.name", request.Name),
				attribute.String("tool.request_id", request.ID),
			))
			turn.emit(d.out, request)

		case llms.StreamUsageChunk:
			d.recordUsage(ctx, c.Usage())
		}
	}

	r.content = content.String()
	return r, nil
}

// awaitResults waits for the results of all calls of a round, in the order
// the calls were made. Results are matched by request id, whatever order
// they arrive in.
func (d *TurnDriver) awaitResults(ctx context.Context, turn *Turn, calls []awaitedToolCall) ([]frames.ToolCallResult, error) {
	ids := make([]string, 0, len(calls))
	for _, call := range calls {
		ids = append(ids, call.request.ID)
	}
	defer turn.forget(ids...)

	timeout := time.NewTimer(d.config.toolTimeout)
	defer timeout.Stop()

	results := make([]frames.ToolCallResult, 0, len(calls))
	for _, call := range calls {
		select {
		case result := <-call.result:
			results = append(results, result)
		case <-timeout.C:
			return nil, fmt.Errorf("%w: %s did not answer within %s",
				tools.ErrToolTimeout, call.request.Name, d.config.toolTimeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

func (d *TurnDriver) recordFirstToken(ctx context.Context, turn *Turn) {
	if !d.config.metricsEnabled {
		return
	}
	turn.firstToken.Do(func() {
		record := func() {
			d.metrics.timeToFirstToken.Record(ctx, time.Since(turn.StartedAt).Seconds())
		}
		if d.config.initialTTFBOnly {
			d.ttfbReported.Do(record)
			return
		}
		record()
	})
}

func (d *TurnDriver) recordUsage(ctx context.Context, usage llms.Usage) {
	if !d.config.metricsEnabled {
		return
	}
	d.metrics.tokenUsage.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(attribute.String("token.type", "input")))
	d.metrics.tokenUsage.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(attribute.String("token.type", "output")))
}
