package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const AssistantAggregatorName = "assistant_aggregator"

// AssistantAggregator buffers the text of each turn and appends it as an
// assistant message when the turn ends. Tool call and tool result messages
// are appended as soon as they arrive. Text of a cancelled turn is dropped:
// the user did not hear all of it and the stream carries no record of how
// much they did. Messages committed before the cancellation stay.
//
// Every frame is passed on after it was accounted for.
type AssistantAggregator struct {
	context *DialogueContext
	pending map[string]*strings.Builder
}

func NewAssistantAggregator(dialogue *DialogueContext) *AssistantAggregator {
	return &AssistantAggregator{
		context: dialogue,
		pending: map[string]*strings.Builder{},
	}
}

func (a *AssistantAggregator) Name() string { return AssistantAggregatorName }

func (a *AssistantAggregator) ProcessFrame(_ context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	defer out.Emit(frame, dir)

	if dir != frames.Downstream {
		return nil
	}

	switch f := frame.(type) {
	case frames.LLMTokenDelta:
		a.buffer(f.TurnID).WriteString(f.Text)

	case frames.ContextUpdate:
		if f.Snapshot != nil || (f.Role != llms.RoleAssistant && f.Role != llms.RoleTool) {
			return nil
		}
		if f.Role == llms.RoleAssistant {
			// the text generated so far is part of the tool call message
			delete(a.pending, f.TurnID)
		}
		if err := a.context.append(f.Message()); err != nil {
			return fmt.Errorf("failed to commit %s message: %w", f.Role, err)
		}

	case frames.EndOfTurn:
		pending, ok := a.pending[f.TurnID]
		delete(a.pending, f.TurnID)

		var answer *llms.Message
		switch {
		case !ok || pending.Len() == 0:
		case f.Cancelled:
			logger.Debug("dropping uncommitted text of cancelled turn", "turn_id", f.TurnID, "text", pending.String())
		default:
			answer = &llms.Message{Role: llms.RoleAssistant, Content: pending.String()}
		}
		if err := a.context.closeTurn(f.TurnID, answer); err != nil {
			return fmt.Errorf("failed to commit assistant message: %w", err)
		}
	}

	return nil
}

func (a *AssistantAggregator) buffer(turnID string) *strings.Builder {
	pending, ok := a.pending[turnID]
	if !ok {
		pending = &strings.Builder{}
		a.pending[turnID] = pending
	}
	return pending
}
