package conversations

import (
	"time"

	"github.com/koscakluka/ema-pipeline/core/llms"
)

// Transcript is the dialogue of a finished session.
type Transcript struct {
	SessionID string
	StartedAt time.Time
	EndedAt   time.Time
	Messages  []llms.Message
}

// Transcript captures the current dialogue of the session.
func (c *DialogueContext) Transcript(sessionID string, startedAt, endedAt time.Time) Transcript {
	return Transcript{
		SessionID: sessionID,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Messages:  c.Snapshot(),
	}
}
