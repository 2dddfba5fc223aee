package orchestration

import (
	"context"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// InterruptionController cancels the active turns when the user starts
// speaking over them. It is not a stage: it watches the frames of the
// pipeline and pushes an Interrupt for every turn it cancelled from the tail
// upstream, so output stages discard what they still hold first.
type InterruptionController struct {
	tracker *turnTracker
	push    func(frames.Frame, frames.Direction) error
	enabled bool
	metrics turnInstruments
}

func newInterruptionController(tracker *turnTracker, enabled bool) *InterruptionController {
	return &InterruptionController{
		tracker: tracker,
		enabled: enabled,
		metrics: newTurnInstruments(),
	}
}

// Observe is a pipeline observer.
func (c *InterruptionController) Observe(frame frames.Frame, _ frames.Direction) {
	activity, ok := frame.(frames.VoiceActivity)
	if !ok || !activity.Started || !c.enabled {
		return
	}
	c.interrupt("barge_in")
}

// interrupt cancels every turn that has not been delivered yet. Turns that
// are already cancelled are left alone, so repeated calls are no-ops.
func (c *InterruptionController) interrupt(reason string) []string {
	var cancelled []string
	for _, turn := range c.tracker.Active() {
		if !turn.Cancel() {
			continue
		}
		cancelled = append(cancelled, turn.ID)
		c.metrics.interruptions.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", reason)))
		logger.Info("turn interrupted", "turn_id", turn.ID, "reason", reason)

		if c.push == nil {
			continue
		}
		if err := c.push(frames.Interrupt{TurnID: turn.ID}, frames.Upstream); err != nil {
			logger.Warn("failed to push interrupt", "turn_id", turn.ID, "error", err)
		}
	}
	return cancelled
}
