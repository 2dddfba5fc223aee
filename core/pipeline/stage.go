package pipeline

import (
	"context"

	"github.com/koscakluka/ema-pipeline/core/frames"
)

// Stage is a single processing unit. ProcessFrame is called from the stage's
// own loop, one frame at a time, in the order frames were enqueued.
//
// ProcessFrame must not block for longer than it takes to hand work off.
// Anything slow (model calls, network I/O) belongs on a separate goroutine
// that emits its results through out later.
type Stage interface {
	Name() string
	ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error
}

// Starter is implemented by stages that need to set something up (or start
// producing frames on their own) before the first frame arrives.
type Starter interface {
	Start(ctx context.Context, out Emitter) error
}

// Stopper is implemented by stages holding resources that have to be
// released once the pipeline is stopped.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Emitter passes frames on from a stage. It is safe to use from any goroutine.
type Emitter interface {
	Emit(frame frames.Frame, dir frames.Direction)
	// ReportError hands a non-fatal error to the pipeline's error sink without
	// degrading the stage.
	ReportError(err error)
}

// Passthrough forwards a frame in the direction it was travelling.
func Passthrough(frame frames.Frame, dir frames.Direction, out Emitter) {
	out.Emit(frame, dir)
}
