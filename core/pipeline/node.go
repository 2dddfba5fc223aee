package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// node owns one stage: its inbound queue, its processing loop and the
// sequence counter for the frames it emits.
type node struct {
	pipeline *Pipeline
	index    int
	stage    Stage
	queue    *frameQueue
	attrs    attribute.Set

	emitMu sync.Mutex
	seq    uint64

	degraded atomic.Bool
	done     chan struct{}
}

func (n *node) Emit(frame frames.Frame, dir frames.Direction) {
	if frame == nil {
		return
	}

	n.emitMu.Lock()
	if !frame.Header().IsStamped() {
		n.seq++
		frame = frames.Stamp(frame, n.stage.Name(), n.seq)
	}
	n.pipeline.deliver(n.index, frame, dir)
	n.emitMu.Unlock()

	n.pipeline.observe(frame, dir)
}

func (n *node) ReportError(err error) {
	if err == nil {
		return
	}
	n.pipeline.reportError(context.Background(), fmt.Errorf("stage %q: %w", n.stage.Name(), err))
}

func (n *node) enqueue(frame frames.Frame, dir frames.Direction) {
	if !n.queue.push(queuedFrame{frame: frame, dir: dir}) {
		logger.Debug("frame dropped, stage already stopped",
			"stage", n.stage.Name(), "kind", frame.Kind())
		return
	}
	n.pipeline.metrics.queueDepth.Add(context.Background(), 1, metric.WithAttributeSet(n.attrs))
}

func (n *node) run(ctx context.Context) error {
	defer close(n.done)

	for {
		item, ok := n.queue.pop(ctx)
		if !ok {
			return nil
		}
		n.pipeline.metrics.queueDepth.Add(ctx, -1, metric.WithAttributeSet(n.attrs))

		if n.degraded.Load() {
			n.pipeline.metrics.framesDropped.Add(ctx, 1, metric.WithAttributeSet(n.attrs))
			continue
		}

		if err := n.process(ctx, item); err != nil {
			n.pipeline.metrics.stageFailures.Add(ctx, 1, metric.WithAttributeSet(n.attrs))
			logger.WarnContext(ctx, "stage degraded",
				"stage", n.stage.Name(), "kind", item.frame.Kind(), "error", err)
			n.pipeline.reportError(ctx, &StageError{Stage: n.stage.Name(), Frame: item.frame, Err: err})
			n.degraded.Store(true)
			continue
		}
		n.pipeline.metrics.framesProcessed.Add(ctx, 1, metric.WithAttributeSet(n.attrs))
	}
}

func (n *node) process(ctx context.Context, item queuedFrame) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("stage panicked: %v", recovered)
		}
	}()

	return n.stage.ProcessFrame(ctx, item.frame, item.dir, n)
}

// Degraded reports whether the named stage stopped accepting frames after a
// failure.
func (p *Pipeline) Degraded(stage string) bool {
	for _, n := range p.nodes {
		if n.stage.Name() == stage {
			return n.degraded.Load()
		}
	}
	return false
}
