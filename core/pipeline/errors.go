package pipeline

import (
	"errors"
	"fmt"

	"github.com/koscakluka/ema-pipeline/core/frames"
)

var (
	ErrPipelineStopped = errors.New("pipeline stopped")
	ErrPipelineStarted = errors.New("pipeline already started")
	ErrNoStages        = errors.New("pipeline needs at least one stage")

	// ErrStageFailure marks errors raised by a stage while processing a frame.
	// The stage is degraded afterwards, the rest of the pipeline keeps running.
	ErrStageFailure = errors.New("stage failure")
	// ErrTransportFailure marks errors after which the session can not
	// continue. Whoever owns the pipeline is expected to stop it.
	ErrTransportFailure = errors.New("transport failure")
)

type StageError struct {
	Stage string
	Frame frames.Frame
	Err   error
}

func (e *StageError) Error() string {
	if e.Frame == nil {
		return fmt.Sprintf("stage %q failed: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("stage %q failed processing %s frame: %v", e.Stage, e.Frame.Kind(), e.Err)
}

func (e *StageError) Unwrap() []error { return []error{ErrStageFailure, e.Err} }
