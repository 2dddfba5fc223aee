package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-pipeline/core/frames"
)

type funcStage struct {
	name    string
	process func(ctx context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error

	stopped chan struct{}
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
	if s.process == nil {
		out.Emit(frame, dir)
		return nil
	}
	return s.process(ctx, frame, dir, out)
}

func (s *funcStage) Stop(context.Context) error {
	if s.stopped != nil {
		close(s.stopped)
	}
	return nil
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (r *frameRecorder) record(frame frames.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *frameRecorder) snapshot() []frames.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frames.Frame(nil), r.frames...)
}

func (r *frameRecorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("condition not met within %s", timeout)
}

func TestNewRejectsInvalidStageLists(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}

	_, err := New([]Stage{&funcStage{name: "a"}, &funcStage{name: "a"}})
	if err == nil {
		t.Fatalf("expected duplicate stage names to be rejected")
	}
}

func TestDownstreamFramesKeepFIFOOrder(t *testing.T) {
	tail := &frameRecorder{}
	p, err := New(
		[]Stage{&funcStage{name: "a"}, &funcStage{name: "b"}, &funcStage{name: "c"}},
		WithTailSink(tail.record),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	const count = 200
	for i := range count {
		if err := p.PushFrame(frames.TranscriptDelta{Text: string(rune('a' + i%26))}, frames.Downstream); err != nil {
			t.Fatalf("failed to push frame: %v", err)
		}
	}

	waitForCondition(t, 2*time.Second, func() bool { return tail.len() == count })

	for i, frame := range tail.snapshot() {
		if frame.Header().Seq != uint64(i+1) {
			t.Fatalf("expected frame %d to carry sequence %d, got %d", i, i+1, frame.Header().Seq)
		}
		if frame.Header().Origin != entryOrigin {
			t.Fatalf("expected forwarded frame to keep origin %q, got %q", entryOrigin, frame.Header().Origin)
		}
	}
}

func TestEmittedFramesAreSequencedPerStage(t *testing.T) {
	tail := &frameRecorder{}
	splitter := &funcStage{
		name: "splitter",
		process: func(_ context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
			delta := frame.(frames.TranscriptDelta)
			for _, r := range delta.Text {
				out.Emit(frames.LLMTokenDelta{Text: string(r)}, dir)
			}
			return nil
		},
	}

	p, err := New([]Stage{splitter}, WithTailSink(tail.record))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.TranscriptDelta{Text: "abc"}, frames.Downstream)
	_ = p.PushFrame(frames.TranscriptDelta{Text: "de"}, frames.Downstream)

	waitForCondition(t, 2*time.Second, func() bool { return tail.len() == 5 })

	for i, frame := range tail.snapshot() {
		header := frame.Header()
		if header.Origin != "splitter" || header.Seq != uint64(i+1) {
			t.Fatalf("expected splitter frame #%d, got origin %q seq %d", i+1, header.Origin, header.Seq)
		}
	}
}

func TestUpstreamFramesReachHeadSink(t *testing.T) {
	head := &frameRecorder{}
	tail := &frameRecorder{}
	visited := &frameRecorder{}
	observing := func(name string) *funcStage {
		return &funcStage{
			name: name,
			process: func(_ context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
				visited.record(frames.TranscriptDelta{Text: name})
				out.Emit(frame, dir)
				return nil
			},
		}
	}

	p, err := New(
		[]Stage{observing("first"), observing("second")},
		WithHeadSink(head.record),
		WithTailSink(tail.record),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.Interrupt{TurnID: "t1"}, frames.Upstream)

	waitForCondition(t, 2*time.Second, func() bool { return head.len() == 1 })
	if tail.len() != 0 {
		t.Fatalf("expected upstream frame to skip the tail sink")
	}

	order := visited.snapshot()
	if len(order) != 2 ||
		order[0].(frames.TranscriptDelta).Text != "second" ||
		order[1].(frames.TranscriptDelta).Text != "first" {
		t.Fatalf("expected upstream frame to visit stages in reverse order, got %v", order)
	}
}

func TestFailingStageIsDegradedAndReported(t *testing.T) {
	errBoom := errors.New("boom")
	tail := &frameRecorder{}
	head := &frameRecorder{}
	lastSeen := &frameRecorder{}

	var reportedMu sync.Mutex
	var reported []error

	failing := &funcStage{
		name: "failing",
		process: func(_ context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
			if delta, ok := frame.(frames.TranscriptDelta); ok && delta.Text == "fail" {
				return errBoom
			}
			out.Emit(frame, dir)
			return nil
		},
	}
	last := &funcStage{
		name: "last",
		process: func(_ context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
			lastSeen.record(frame)
			out.Emit(frame, dir)
			return nil
		},
	}

	p, err := New(
		[]Stage{&funcStage{name: "first"}, failing, last},
		WithTailSink(tail.record),
		WithHeadSink(head.record),
		WithErrorSink(func(err error) {
			reportedMu.Lock()
			defer reportedMu.Unlock()
			reported = append(reported, err)
		}),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.TranscriptDelta{Text: "ok"}, frames.Downstream)
	_ = p.PushFrame(frames.TranscriptDelta{Text: "fail"}, frames.Downstream)
	_ = p.PushFrame(frames.TranscriptDelta{Text: "after"}, frames.Downstream)

	waitForCondition(t, 2*time.Second, func() bool { return p.Degraded("failing") })

	reportedMu.Lock()
	if len(reported) != 1 {
		reportedMu.Unlock()
		t.Fatalf("expected exactly one reported error, got %d", len(reported))
	}
	var stageErr *StageError
	if !errors.As(reported[0], &stageErr) || stageErr.Stage != "failing" {
		reportedMu.Unlock()
		t.Fatalf("expected a StageError for the failing stage, got %v", reported[0])
	}
	if !errors.Is(reported[0], ErrStageFailure) || !errors.Is(reported[0], errBoom) {
		reportedMu.Unlock()
		t.Fatalf("expected error to match both ErrStageFailure and the cause, got %v", reported[0])
	}
	reportedMu.Unlock()

	// stages behind the degraded one keep working
	_ = p.PushFrame(frames.Interrupt{TurnID: "t1"}, frames.Upstream)
	waitForCondition(t, 2*time.Second, func() bool { return lastSeen.len() == 2 })

	time.Sleep(50 * time.Millisecond)
	if tail.len() != 1 {
		t.Fatalf("expected only the frame before the failure to pass, got %d", tail.len())
	}
	if head.len() != 0 {
		t.Fatalf("expected degraded stage to drop the upstream frame")
	}
}

func TestPanickingStageIsRecovered(t *testing.T) {
	errs := make(chan error, 1)
	p, err := New(
		[]Stage{&funcStage{
			name: "panicking",
			process: func(context.Context, frames.Frame, frames.Direction, Emitter) error {
				panic("unexpected frame")
			},
		}},
		WithErrorSink(func(err error) { errs <- err }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.UserTurnEnd{}, frames.Downstream)

	select {
	case err := <-errs:
		if !errors.Is(err, ErrStageFailure) {
			t.Fatalf("expected stage failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for the panic to be reported")
	}
}

func TestAsynchronousEmissionReachesNextStage(t *testing.T) {
	tail := &frameRecorder{}
	async := &funcStage{
		name: "async",
		process: func(_ context.Context, frame frames.Frame, dir frames.Direction, out Emitter) error {
			go func() {
				time.Sleep(20 * time.Millisecond)
				out.Emit(frames.LLMTokenDelta{Text: "late"}, dir)
			}()
			return nil
		},
	}

	p, err := New([]Stage{async, &funcStage{name: "next"}}, WithTailSink(tail.record))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.UserTurnEnd{}, frames.Downstream)
	waitForCondition(t, 2*time.Second, func() bool { return tail.len() == 1 })
}

func TestFramesPushedBeforeStartAreDrainedOnStop(t *testing.T) {
	tail := &frameRecorder{}
	stopped := make(chan struct{})
	p, err := New(
		[]Stage{&funcStage{name: "a"}, &funcStage{name: "b", stopped: stopped}},
		WithTailSink(tail.record),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for range 3 {
		if err := p.PushFrame(frames.UserTurnEnd{}, frames.Downstream); err != nil {
			t.Fatalf("failed to queue frame before start: %v", err)
		}
	}

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if tail.len() != 3 {
		t.Fatalf("expected queued frames to be drained, got %d", tail.len())
	}

	select {
	case <-stopped:
	default:
		t.Fatalf("expected stopper to be called")
	}

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("expected repeated stop to be a no-op, got %v", err)
	}
	if err := p.PushFrame(frames.UserTurnEnd{}, frames.Downstream); !errors.Is(err, ErrPipelineStopped) {
		t.Fatalf("expected ErrPipelineStopped after stop, got %v", err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, ErrPipelineStopped) {
		t.Fatalf("expected restart to fail with ErrPipelineStopped, got %v", err)
	}
}

func TestStopIsSafeWithInFlightFrames(t *testing.T) {
	p, err := New([]Stage{&funcStage{name: "a"}, &funcStage{name: "b"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range 1000 {
			if err := p.PushFrame(frames.VoiceActivity{Started: true}, frames.Downstream); err != nil {
				return
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	wg.Wait()
}

func TestObserverSeesEmittedFrames(t *testing.T) {
	observed := &frameRecorder{}
	p, err := New(
		[]Stage{&funcStage{name: "a"}},
		WithObserver(func(frame frames.Frame, _ frames.Direction) { observed.record(frame) }),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("failed to start pipeline: %v", err)
	}
	defer p.Stop(context.Background())

	_ = p.PushFrame(frames.VoiceActivity{Started: true}, frames.Downstream)

	// once when pushed, once when stage "a" forwards it
	waitForCondition(t, 2*time.Second, func() bool { return observed.len() == 2 })
}
