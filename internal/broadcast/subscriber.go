package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inktrace/inktrace/internal/intel"
)

// subscriber is one connected client and its bounded delta queue.
type subscriber struct {
	id   string
	conn *websocket.Conn

	mu         sync.Mutex
	queue      []intel.Delta
	limit      int
	floor      uint64 // version of the last snapshot sent; older deltas are dropped
	resync     bool   // a snapshot must be sent before anything else
	overflowed bool   // deltas were lost since the last snapshot

	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newSubscriber(id string, conn *websocket.Conn, limit int) *subscriber {
	if limit < 1 {
		limit = 1
	}
	return &subscriber{
		id:     id,
		conn:   conn,
		limit:  limit,
		resync: true,
		signal: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// enqueue appends d and reports whether an older delta was dropped to make
// room. Deltas already covered by the last snapshot are ignored.
func (s *subscriber) enqueue(d intel.Delta) bool {
	s.mu.Lock()
	if d.Version != 0 && d.Version <= s.floor {
		s.mu.Unlock()
		return false
	}
	dropped := false
	if len(s.queue) >= s.limit {
		copy(s.queue, s.queue[1:])
		s.queue = s.queue[:len(s.queue)-1]
		dropped = true
		// A pending snapshot supersedes the lost delta.
		if !s.resync {
			s.overflowed = true
		}
	}
	s.queue = append(s.queue, d)
	s.mu.Unlock()

	s.notify()
	return dropped
}

// setFloor records the version of a snapshot about to be sent and drops
// queued deltas it covers.
func (s *subscriber) setFloor(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = v
	s.overflowed = false
	kept := s.queue[:0]
	for _, d := range s.queue {
		if d.Version == 0 || d.Version > v {
			kept = append(kept, d)
		}
	}
	s.queue = kept
}

func (s *subscriber) takeResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resync
	s.resync = false
	return r
}

func (s *subscriber) requestResync() {
	s.mu.Lock()
	s.resync = true
	s.mu.Unlock()
	s.notify()
}

// drain returns the queued frames, led by a resync marker when deltas were
// lost.
func (s *subscriber) drain() []intel.Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 && !s.overflowed {
		return nil
	}
	out := make([]intel.Delta, 0, len(s.queue)+1)
	if s.overflowed {
		out = append(out, intel.Delta{
			Type:      intel.DeltaResyncRequired,
			Version:   s.floor,
			Timestamp: time.Now(),
		})
		s.overflowed = false
	}
	out = append(out, s.queue...)
	s.queue = s.queue[:0]
	return out
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}
