package pipeline

import (
	"context"
	"sync"

	"github.com/koscakluka/ema-pipeline/core/frames"
)

type queuedFrame struct {
	frame frames.Frame
	dir   frames.Direction
}

// frameQueue is an unbounded FIFO. Producers never block and frames are never
// dropped while the queue is open.
type frameQueue struct {
	mu           sync.Mutex
	items        []queuedFrame
	consumed     int
	closed       bool
	updateSignal chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{updateSignal: make(chan struct{}, 1)}
}

func (q *frameQueue) push(item queuedFrame) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.signalUpdate()
	return true
}

// pop blocks until a frame is available. It returns false once the queue is
// closed and empty, or when ctx is done.
func (q *frameQueue) pop(ctx context.Context) (queuedFrame, bool) {
	for {
		q.mu.Lock()
		if q.consumed < len(q.items) {
			item := q.items[q.consumed]
			q.items[q.consumed] = queuedFrame{}
			q.consumed++
			if q.consumed == len(q.items) {
				q.items = q.items[:0]
				q.consumed = 0
			}
			q.mu.Unlock()
			return item, true
		}

		if q.closed {
			q.mu.Unlock()
			return queuedFrame{}, false
		}
		q.mu.Unlock()

		select {
		case <-q.updateSignal:
		case <-ctx.Done():
			return queuedFrame{}, false
		}
	}
}

func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signalUpdate()
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.consumed
}

func (q *frameQueue) signalUpdate() {
	select {
	case q.updateSignal <- struct{}{}:
	default:
	}
}
