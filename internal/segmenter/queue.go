package segmenter

import (
	"sync"
	"time"
)

// Result is the outcome of one segmentation request.
type Result struct {
	Sentences []string
	Err       error
}

type pendingRequest struct {
	id         string
	enqueuedAt time.Time
	done       chan Result
	// abandoned marks a tombstone: the caller has gone, but the worker still
	// owes this slot a response. Guarded by the owning queue's mutex.
	abandoned bool
}

func newPendingRequest(id string) *pendingRequest {
	return &pendingRequest{
		id:         id,
		enqueuedAt: time.Now(),
		done:       make(chan Result, 1),
	}
}

// resolve must only be called by whoever removed the request from the queue,
// which makes it single-use without extra bookkeeping.
func (p *pendingRequest) resolve(r Result) {
	p.done <- r
}

// pendingQueue correlates outbound requests with worker responses. Requests are
// kept in submission order; in positional framing the head is always the request
// the next worker response belongs to, tombstones included.
type pendingQueue struct {
	mu    sync.Mutex
	items []*pendingRequest
	max   int
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max}
}

// enqueue appends p. Tombstones count against the bound because the worker
// still has to work through them.
func (q *pendingQueue) enqueue(p *pendingRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.max > 0 && len(q.items) >= q.max {
		return ErrQueueFull
	}
	q.items = append(q.items, p)
	return nil
}

func (q *pendingQueue) popHead() (*pendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	p := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return p, true
}

func (q *pendingQueue) popID(id string) (*pendingRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.items {
		if p.id == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// abandon turns p into a tombstone that keeps its position, so the response
// the worker still sends for it is consumed without shifting later requests.
// It reports false when p was already dequeued or abandoned.
func (q *pendingQueue) abandon(p *pendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item == p {
			if p.abandoned {
				return false
			}
			p.abandoned = true
			return true
		}
	}
	return false
}

// position returns the index of p in the queue, or -1 once it has left it.
func (q *pendingQueue) position(p *pendingRequest) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == p {
			return i
		}
	}
	return -1
}

// resolveHead pops the oldest request and fulfils it. It reports false when
// nothing was waiting, in which case the result is dropped.
func (q *pendingQueue) resolveHead(r Result) bool {
	p, ok := q.popHead()
	if !ok {
		return false
	}
	if !p.abandoned {
		p.resolve(r)
	}
	return true
}

// remove drops p if it is still queued. A false return means another party
// already dequeued it and owns its resolution.
func (q *pendingQueue) remove(p *pendingRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// drain empties the queue and returns the requests whose callers are still
// waiting.
func (q *pendingQueue) drain() []*pendingRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*pendingRequest, 0, len(q.items))
	for _, p := range q.items {
		if !p.abandoned {
			out = append(out, p)
		}
	}
	q.items = nil
	return out
}

// len counts the requests whose callers are still waiting.
func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, p := range q.items {
		if !p.abandoned {
			n++
		}
	}
	return n
}
