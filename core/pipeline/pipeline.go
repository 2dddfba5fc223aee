// Package pipeline wires an ordered list of stages into a single
// bidirectional frame path and drives frame delivery between them.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

const entryOrigin = "pipeline"

type pipelineState int

const (
	stateIdle pipelineState = iota
	stateRunning
	stateStopped
)

// Sink receives frames that leave the pipeline at either end.
type Sink func(frame frames.Frame)

// Observer sees every frame emitted inside the pipeline or pushed into it,
// right after it was handed to its next stage. Observers run on the emitting
// goroutine and must return quickly.
type Observer func(frame frames.Frame, dir frames.Direction)

type Option func(*options)

type options struct {
	errorSink func(error)
	observers []Observer
	headSink  Sink
	tailSink  Sink
}

// WithErrorSink sets the function stage failures and reported errors are
// handed to. Without it errors are only logged.
func WithErrorSink(sink func(error)) Option {
	return func(o *options) { o.errorSink = sink }
}

func WithObserver(observer Observer) Option {
	return func(o *options) { o.observers = append(o.observers, observer) }
}

// WithHeadSink receives frames emitted upstream by the first stage.
func WithHeadSink(sink Sink) Option {
	return func(o *options) { o.headSink = sink }
}

// WithTailSink receives frames emitted downstream by the last stage.
func WithTailSink(sink Sink) Option {
	return func(o *options) { o.tailSink = sink }
}

type Pipeline struct {
	nodes   []*node
	options options
	metrics instruments

	mu    sync.Mutex
	state pipelineState

	entryMu  sync.Mutex
	entrySeq uint64

	cancelRun context.CancelFunc
	group     errgroup.Group

	stopOnce sync.Once
	stopErr  error
}

func New(stages []Stage, opts ...Option) (*Pipeline, error) {
	if len(stages) == 0 {
		return nil, ErrNoStages
	}

	p := &Pipeline{metrics: newInstruments()}
	for _, opt := range opts {
		opt(&p.options)
	}

	names := make(map[string]struct{}, len(stages))
	for i, stage := range stages {
		if stage == nil {
			return nil, fmt.Errorf("stage %d is nil", i)
		}
		if _, ok := names[stage.Name()]; ok {
			return nil, fmt.Errorf("duplicate stage name %q", stage.Name())
		}
		names[stage.Name()] = struct{}{}

		p.nodes = append(p.nodes, &node{
			pipeline: p,
			index:    i,
			stage:    stage,
			queue:    newFrameQueue(),
			done:     make(chan struct{}),
			attrs:    attribute.NewSet(attribute.String("stage", stage.Name())),
		})
	}

	return p, nil
}

// Start runs every stage loop. Frames pushed before Start stay queued and are
// processed once the loops run.
func (p *Pipeline) Start(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "start pipeline")
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateRunning:
		return ErrPipelineStarted
	case stateStopped:
		return ErrPipelineStopped
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	for _, n := range p.nodes {
		starter, ok := n.stage.(Starter)
		if !ok {
			continue
		}
		if err := starter.Start(runCtx, n); err != nil {
			cancel()
			err = fmt.Errorf("failed to start stage %q: %w", n.stage.Name(), err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	p.cancelRun = cancel
	for _, n := range p.nodes {
		p.group.Go(func() error { return n.run(runCtx) })
	}
	p.state = stateRunning

	go func() {
		select {
		case <-ctx.Done():
			_ = p.Stop(context.Background())
		case <-runCtx.Done():
		}
	}()

	return nil
}

// Stop drains the stages from the first to the last and releases them. It is
// safe to call concurrently with in-flight frames and more than once; frames
// emitted into an already drained stage are dropped.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() {
		ctx, span := tracer.Start(ctx, "stop pipeline")
		defer span.End()

		p.mu.Lock()
		wasRunning := p.state == stateRunning
		p.state = stateStopped
		p.mu.Unlock()

		if wasRunning {
			p.drain(ctx)
		} else {
			for _, n := range p.nodes {
				n.queue.close()
			}
		}

		var errs []error
		for _, n := range p.nodes {
			stopper, ok := n.stage.(Stopper)
			if !ok {
				continue
			}
			if err := stopper.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop stage %q: %w", n.stage.Name(), err))
			}
		}

		if p.cancelRun != nil {
			p.cancelRun()
		}
		if err := p.group.Wait(); err != nil {
			errs = append(errs, err)
		}

		p.stopErr = errors.Join(errs...)
		if p.stopErr != nil {
			span.RecordError(p.stopErr)
			span.SetStatus(codes.Error, p.stopErr.Error())
		}
	})

	return p.stopErr
}

func (p *Pipeline) drain(ctx context.Context) {
	for _, n := range p.nodes {
		n.queue.close()
		select {
		case <-n.done:
		case <-ctx.Done():
			logger.Warn("pipeline drain interrupted, discarding queued frames",
				"stage", n.stage.Name(), "queued", n.queue.len())
			p.cancelRun()
			return
		}
	}
}

// PushFrame injects a frame from outside. Downstream frames enter at the first
// stage, upstream frames at the last one.
func (p *Pipeline) PushFrame(frame frames.Frame, dir frames.Direction) error {
	if frame == nil {
		return fmt.Errorf("nil frame")
	}

	p.mu.Lock()
	stopped := p.state == stateStopped
	p.mu.Unlock()
	if stopped {
		return ErrPipelineStopped
	}

	from := -1
	if dir == frames.Upstream {
		from = len(p.nodes)
	}

	p.entryMu.Lock()
	if !frame.Header().IsStamped() {
		p.entrySeq++
		frame = frames.Stamp(frame, entryOrigin, p.entrySeq)
	}
	p.deliver(from, frame, dir)
	p.entryMu.Unlock()

	p.observe(frame, dir)
	return nil
}

func (p *Pipeline) observe(frame frames.Frame, dir frames.Direction) {
	for _, observe := range p.options.observers {
		observe(frame, dir)
	}
}

func (p *Pipeline) deliver(from int, frame frames.Frame, dir frames.Direction) {
	target := from + 1
	if dir == frames.Upstream {
		target = from - 1
	}

	switch {
	case target < 0:
		if p.options.headSink != nil {
			p.options.headSink(frame)
		}
	case target >= len(p.nodes):
		if p.options.tailSink != nil {
			p.options.tailSink(frame)
		}
	default:
		p.nodes[target].enqueue(frame, dir)
	}
}

func (p *Pipeline) reportError(ctx context.Context, err error) {
	if p.options.errorSink == nil {
		logger.ErrorContext(ctx, "pipeline error", "error", err)
		return
	}
	p.options.errorSink(err)
}
