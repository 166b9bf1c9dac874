package brain

import "sync"

// rescoreQueue is a FIFO of agent ids that coalesces duplicates: an id
// already waiting is not queued twice. An id pushed while a worker holds it
// is re-queued when that worker calls done, so the follow-up scoring sees the
// newer traffic. push never blocks.
type rescoreQueue struct {
	mu       sync.Mutex
	ids      []string
	pending  map[string]bool
	inflight map[string]bool
	dirty    map[string]bool
	signal   chan struct{}
}

func newRescoreQueue() *rescoreQueue {
	return &rescoreQueue{
		pending:  make(map[string]bool),
		inflight: make(map[string]bool),
		dirty:    make(map[string]bool),
		signal:   make(chan struct{}, 1),
	}
}

func (q *rescoreQueue) push(id string) {
	q.mu.Lock()
	switch {
	case q.inflight[id]:
		q.dirty[id] = true
	case !q.pending[id]:
		q.pending[id] = true
		q.ids = append(q.ids, id)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *rescoreQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop hands out the oldest waiting id and marks it in flight until done.
func (q *rescoreQueue) pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.pending, id)
	q.inflight[id] = true
	return id, true
}

func (q *rescoreQueue) done(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	requeue := q.dirty[id]
	if requeue {
		delete(q.dirty, id)
		q.pending[id] = true
		q.ids = append(q.ids, id)
	}
	q.mu.Unlock()
	if requeue {
		q.wake()
	}
}

func (q *rescoreQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
