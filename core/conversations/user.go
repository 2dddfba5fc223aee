package conversations

import (
	"context"
	"fmt"
	"strings"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const UserAggregatorName = "user_aggregator"

// UserAggregator collects transcript deltas of the user's utterance and
// commits them as one user message once the utterance is final. Every commit
// is followed by a ContextUpdate carrying a snapshot a new turn starts from.
// While an earlier answer is still owed the message lands after it.
type UserAggregator struct {
	context *DialogueContext
	pending strings.Builder
}

func NewUserAggregator(dialogue *DialogueContext) *UserAggregator {
	return &UserAggregator{context: dialogue}
}

func (a *UserAggregator) Name() string { return UserAggregatorName }

func (a *UserAggregator) ProcessFrame(_ context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	switch f := frame.(type) {
	case frames.TranscriptDelta:
		a.pending.WriteString(f.Text)
		if f.IsFinal {
			return a.commit(out)
		}
		return nil

	case frames.UserTurnEnd:
		return a.commit(out)

	case frames.ParticipantJoined:
		out.Emit(frames.ContextUpdate{
			Role:     llms.RoleSystem,
			Snapshot: a.context.Snapshot(),
		}, frames.Downstream)
		return nil

	case frames.Interrupt:
		if a.pending.Len() > 0 {
			logger.Debug("discarding partial transcript after interruption", "text", a.pending.String())
		}
		a.pending.Reset()
	}

	out.Emit(frame, dir)
	return nil
}

func (a *UserAggregator) commit(out pipeline.Emitter) error {
	content := a.pending.String()
	a.pending.Reset()
	if strings.TrimSpace(content) == "" {
		return nil
	}

	snapshot, err := a.context.commitUser(llms.Message{Role: llms.RoleUser, Content: content})
	if err != nil {
		return fmt.Errorf("failed to commit user message: %w", err)
	}

	out.Emit(frames.ContextUpdate{
		Role:     llms.RoleUser,
		Content:  content,
		Snapshot: snapshot,
	}, frames.Downstream)
	return nil
}
