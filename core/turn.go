package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/pipeline"
)

type TurnState int32

const (
	// TurnGenerating is a turn the model is still producing a response for.
	TurnGenerating TurnState = iota
	// TurnSpeaking is a turn whose response is complete but not yet heard in
	// full by the user.
	TurnSpeaking
	TurnDelivered
	TurnCancelled
)

func (s TurnState) String() string {
	switch s {
	case TurnGenerating:
		return "generating"
	case TurnSpeaking:
		return "speaking"
	case TurnDelivered:
		return "delivered"
	case TurnCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("TurnState(%d)", int32(s))
}

// Turn is one cycle from a final user context to a delivered or interrupted
// assistant response. Its context is the cancellation token of everything
// working on the turn.
type Turn struct {
	ID        string
	StartedAt time.Time

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	settled    chan struct{}
	settleOnce sync.Once

	// emitMu orders the frames of the turn against its cancellation: once the
	// cancelled EndOfTurn was emitted no other frame of the turn follows.
	emitMu sync.Mutex

	firstToken sync.Once

	pendingMu sync.Mutex
	pending   map[string]*pendingToolCall
}

type pendingToolCall struct {
	request  frames.ToolCallRequest
	issuedAt time.Time
	result   chan frames.ToolCallResult
	resolved bool
}

func newTurn(ctx context.Context) *Turn {
	turn := &Turn{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		settled:   make(chan struct{}),
		pending:   map[string]*pendingToolCall{},
	}
	turn.ctx, turn.cancel = context.WithCancel(ctx)
	return turn
}

func (t *Turn) Context() context.Context { return t.ctx }
func (t *Turn) State() TurnState         { return TurnState(t.state.Load()) }
func (t *Turn) Cancelled() bool          { return t.State() == TurnCancelled }

// Settled is closed once the turn was delivered or cancelled.
func (t *Turn) Settled() <-chan struct{} { return t.settled }

func (t *Turn) IsSettled() bool {
	select {
	case <-t.settled:
		return true
	default:
		return false
	}
}

// Cancel raises the cancellation token of a turn that is still generating or
// speaking. It reports whether this call cancelled the turn; cancelling a
// settled turn is a no-op.
func (t *Turn) Cancel() bool {
	for {
		state := t.State()
		if state != TurnGenerating && state != TurnSpeaking {
			return false
		}
		if t.state.CompareAndSwap(int32(state), int32(TurnCancelled)) {
			t.settle()
			return true
		}
	}
}

func (t *Turn) startSpeaking() bool {
	return t.state.CompareAndSwap(int32(TurnGenerating), int32(TurnSpeaking))
}

func (t *Turn) deliver() bool {
	if !t.state.CompareAndSwap(int32(TurnSpeaking), int32(TurnDelivered)) {
		return false
	}
	t.settle()
	return true
}

func (t *Turn) settle() {
	t.settleOnce.Do(func() {
		t.cancel()
		close(t.settled)
	})
}

// emit passes on a frame of the turn unless the turn was cancelled.
func (t *Turn) emit(out pipeline.Emitter, frame frames.Frame) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.Cancelled() {
		return false
	}
	out.Emit(frame, frames.Downstream)
	return true
}

// emitAll passes on the frames as one unit: all of them unless the turn was
// cancelled before the first one. A cancellation arriving in between is
// ordered after the last frame.
func (t *Turn) emitAll(out pipeline.Emitter, batch ...frames.Frame) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if t.Cancelled() {
		return false
	}
	for _, frame := range batch {
		out.Emit(frame, frames.Downstream)
	}
	return true
}

// endGeneration emits the end of the generated response and moves the turn
// on to speaking.
func (t *Turn) endGeneration(out pipeline.Emitter, end frames.EndOfTurn) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	if !t.startSpeaking() {
		return false
	}
	out.Emit(end, frames.Downstream)
	return true
}

func (t *Turn) emitCancelled(out pipeline.Emitter) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	out.Emit(frames.EndOfTurn{TurnID: t.ID, Cancelled: true}, frames.Downstream)
}

// track registers a tool call the turn is waiting for. The returned channel
// yields the matching result once.
func (t *Turn) track(request frames.ToolCallRequest) (<-chan frames.ToolCallResult, error) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	if _, ok := t.pending[request.ID]; ok {
		return nil, fmt.Errorf("tool call %q is already pending", request.ID)
	}
	call := &pendingToolCall{
		request:  request,
		issuedAt: time.Now(),
		result:   make(chan frames.ToolCallResult, 1),
	}
	t.pending[request.ID] = call
	return call.result, nil
}

// resolve hands a result to the pending call with the same id. Results
// nobody waits for are rejected.
func (t *Turn) resolve(result frames.ToolCallResult) bool {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	call, ok := t.pending[result.ID]
	if !ok || call.resolved {
		return false
	}
	call.resolved = true
	call.result <- result
	logger.Debug("tool call resolved",
		"turn_id", t.ID,
		"request_id", result.ID,
		"tool", call.request.Name,
		"duration", time.Since(call.issuedAt))
	return true
}

func (t *Turn) forget(ids ...string) {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for _, id := range ids {
		delete(t.pending, id)
	}
}

func (t *Turn) PendingToolCalls() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// turnTracker knows every turn of a session and which of them are still
// active.
type turnTracker struct {
	mu    sync.Mutex
	turns map[string]*Turn
	order []*Turn
}

func newTurnTracker() *turnTracker {
	return &turnTracker{turns: map[string]*Turn{}}
}

// begin records a new turn and returns the turns that were still active
// when it started.
func (t *turnTracker) begin(turn *Turn) []*Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	active := t.activeLocked()
	t.turns[turn.ID] = turn
	t.order = append(t.order, turn)
	return active
}

func (t *turnTracker) Lookup(id string) *Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.turns[id]
}

// Active returns the unsettled turns, oldest first.
func (t *turnTracker) Active() []*Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.activeLocked()
}

func (t *turnTracker) activeLocked() []*Turn {
	var active []*Turn
	for _, turn := range t.order {
		if !turn.IsSettled() {
			active = append(active, turn)
		}
	}
	// settled turns at the front are never active again
	for len(t.order) > 0 && t.order[0].IsSettled() {
		t.order = t.order[1:]
	}
	return active
}

// Current is the most recently started turn that is still active.
func (t *turnTracker) Current() *Turn {
	active := t.Active()
	if len(active) == 0 {
		return nil
	}
	return active[len(active)-1]
}

// live reports whether output of the turn may still be produced. Frames
// without a turn and turns this tracker never saw are always live.
func (t *turnTracker) live(id string) bool {
	if id == "" {
		return true
	}
	turn := t.Lookup(id)
	return turn == nil || !turn.Cancelled()
}

// deliver settles a speaking turn once its response was played out.
func (t *turnTracker) deliver(id string) bool {
	turn := t.Lookup(id)
	if turn == nil {
		return true
	}
	return turn.deliver()
}
