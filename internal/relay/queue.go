package relay

import (
	"context"
	"sync"

	"github.com/harut0/phoned/internal/model"
)

const defaultQueueCap = 16

// EventQueue is the ordered, unbounded hand-off between the task
// worker and the single consumer driving a run. Push never blocks;
// Pop blocks until an event arrives, the queue is closed and drained,
// or ctx is cancelled. Pushes after Close are dropped, which is what a
// detached worker does after a stop.
type EventQueue struct {
	mu     sync.Mutex
	events []model.TaskEvent
	closed bool
	ready  chan struct{}
}

func NewEventQueue() *EventQueue {
	return &EventQueue{
		events: make([]model.TaskEvent, 0, defaultQueueCap),
		ready:  make(chan struct{}, 1),
	}
}

func (q *EventQueue) Push(ev model.TaskEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.events = append(q.events, ev)
	q.mu.Unlock()
	q.signal()
}

// Close marks the producer side finished. Idempotent. Buffered events
// remain poppable.
func (q *EventQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *EventQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// TryPop dequeues without blocking.
func (q *EventQueue) TryPop() (model.TaskEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return model.TaskEvent{}, false
	}
	ev := q.events[0]
	q.events[0] = model.TaskEvent{}
	q.events = q.events[1:]
	return ev, true
}

// Pop blocks for the next event. The second return is false when the
// queue is closed and drained, or when ctx is done first.
func (q *EventQueue) Pop(ctx context.Context) (model.TaskEvent, bool) {
	for {
		if ev, ok := q.TryPop(); ok {
			return ev, true
		}
		q.mu.Lock()
		closed := q.closed
		empty := len(q.events) == 0
		q.mu.Unlock()
		if closed && empty {
			return model.TaskEvent{}, false
		}
		select {
		case <-ctx.Done():
			return model.TaskEvent{}, false
		case <-q.ready:
		}
	}
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
