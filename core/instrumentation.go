package orchestration

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const scopeName = "github.com/koscakluka/ema-pipeline/core"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

type turnInstruments struct {
	timeToFirstToken metric.Float64Histogram
	tokenUsage       metric.Int64Counter
	toolRounds       metric.Int64Counter
	interruptions    metric.Int64Counter
}

func newTurnInstruments() turnInstruments {
	var err error
	var i turnInstruments

	if i.timeToFirstToken, err = meter.Float64Histogram("turn.time_to_first_token",
		metric.WithDescription("Time from turn start to the first model token"),
		metric.WithUnit("s")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "turn.time_to_first_token", "error", err)
		i.timeToFirstToken = noop.Float64Histogram{}
	}
	if i.tokenUsage, err = meter.Int64Counter("turn.token_usage",
		metric.WithDescription("Tokens reported by the model backend")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "turn.token_usage", "error", err)
		i.tokenUsage = noop.Int64Counter{}
	}
	if i.toolRounds, err = meter.Int64Counter("turn.tool_rounds",
		metric.WithDescription("Model rounds that ended with tool calls")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "turn.tool_rounds", "error", err)
		i.toolRounds = noop.Int64Counter{}
	}
	if i.interruptions, err = meter.Int64Counter("turn.interruptions",
		metric.WithDescription("Turns cancelled because the user started speaking")); err != nil {
		logger.Warn("failed to create instrument", "instrument", "turn.interruptions", "error", err)
		i.interruptions = noop.Int64Counter{}
	}

	return i
}
