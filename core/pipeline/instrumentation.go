package pipeline

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/koscakluka/ema-pipeline/core/pipeline"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

type instruments struct {
	framesProcessed metric.Int64Counter
	framesDropped   metric.Int64Counter
	stageFailures   metric.Int64Counter
	queueDepth      metric.Int64UpDownCounter
}

func newInstruments() instruments {
	var err error
	var i instruments

	if i.framesProcessed, err = meter.Int64Counter("pipeline.frames.processed",
		metric.WithDescription("Frames processed by a stage")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "pipeline.frames.processed", "error", err)
		i.framesProcessed = noop.Int64Counter{}
	}
	if i.framesDropped, err = meter.Int64Counter("pipeline.frames.dropped",
		metric.WithDescription("Frames dropped because their stage was degraded")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "pipeline.frames.dropped", "error", err)
		i.framesDropped = noop.Int64Counter{}
	}
	if i.stageFailures, err = meter.Int64Counter("pipeline.stage.failures",
		metric.WithDescription("Errors raised by stages while processing frames")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "pipeline.stage.failures", "error", err)
		i.stageFailures = noop.Int64Counter{}
	}
	if i.queueDepth, err = meter.Int64UpDownCounter("pipeline.queue.depth",
		metric.WithDescription("Frames waiting in stage queues")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "pipeline.queue.depth", "error", err)
		i.queueDepth = noop.Int64UpDownCounter{}
	}

	return i
}
