package tools

import (
	"context"
	"sync"
	"time"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

const StageName = "tool_dispatch"

// Stage dispatches ToolCallRequest frames travelling downstream and sends the
// results back upstream to whoever issued them. Handlers run concurrently and
// in no particular order, each within the stage's handler timeout.
type Stage struct {
	registry *Registry
	timeout  time.Duration

	mu       sync.Mutex
	stopped  bool
	inflight sync.WaitGroup
}

type StageOption func(*Stage)

// WithHandlerTimeout sets how long a handler may run before its context
// expires.
func WithHandlerTimeout(timeout time.Duration) StageOption {
	return func(s *Stage) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func NewStage(registry *Registry, opts ...StageOption) *Stage {
	s := &Stage{registry: registry, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Stage) Name() string { return StageName }

func (s *Stage) ProcessFrame(ctx context.Context, frame frames.Frame, dir frames.Direction, out pipeline.Emitter) error {
	request, ok := frame.(frames.ToolCallRequest)
	if !ok || dir != frames.Downstream {
		out.Emit(frame, dir)
		return nil
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		logger.DebugContext(ctx, "dropping tool call after stop", "tool", request.Name, "request_id", request.ID)
		return nil
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	results := s.registry.DispatchWithin(ctx, request, s.timeout)
	go func() {
		defer s.inflight.Done()
		for result := range results {
			out.Emit(result, frames.Upstream)
		}
	}()
	return nil
}

// Stop waits for running handlers until ctx expires. Requests arriving after
// Stop are dropped; results produced after it returned are dropped by the
// stopped pipeline.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("stopped while tool handlers were still running")
	}
	return nil
}
