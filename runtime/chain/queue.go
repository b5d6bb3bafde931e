package chain

import (
	"sync"

	"github.com/shaneholloman/latitude-llm/runtime/stream"
)

// queue is an unbounded FIFO of events with a single reader. Pushes never
// block so emission under the manager lock cannot stall on slow readers.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []stream.Event
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends ev. Pushes after close are dropped.
func (q *queue) push(ev stream.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
}

// close marks the end of the queue. Queued items remain readable. close is
// idempotent.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// pop blocks until an item is available or the queue is closed and drained.
func (q *queue) pop() (stream.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return ev, true
}
