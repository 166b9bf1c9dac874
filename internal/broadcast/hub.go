// Package broadcast pushes registry deltas to WebSocket subscribers. Each
// subscriber has a bounded queue; a slow subscriber loses its oldest deltas
// and is told to resync instead of slowing anyone else down. Every
// subscriber starts from a full snapshot, so reconnects never leave a gap.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
)

// SnapshotSource provides the full state a subscriber starts from.
// *brain.Brain satisfies it.
type SnapshotSource interface {
	Snapshot() intel.Snapshot
}

// Options tunes subscriber handling. Zero values fall back to defaults.
type Options struct {
	QueueSize       int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	AllowAllOrigins bool
	Metrics         *metrics.Metrics
}

func (o *Options) withDefaults() {
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 30 * time.Second
	}
}

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// Hub tracks subscribers and fans deltas out to them.
type Hub struct {
	source   SnapshotSource
	opts     Options
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHub creates a hub serving snapshots from source.
func NewHub(source SnapshotSource, opts Options, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	return &Hub{
		source:   source,
		opts:     opts,
		upgrader: newUpgrader(opts.AllowAllOrigins),
		logger:   logger.With("component", "broadcast.Hub"),
		subs:     make(map[string]*subscriber),
		done:     make(chan struct{}),
	}
}

// Publish queues d for every subscriber. It never blocks on a subscriber.
func (h *Hub) Publish(d intel.Delta) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.enqueue(d) {
			h.opts.Metrics.DeltaDropped()
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the request and starts streaming: one snapshot frame,
// then every delta newer than it.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	s := newSubscriber(uuid.NewString(), conn, h.opts.QueueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	h.subs[s.id] = s
	count := len(h.subs)
	h.wg.Add(2)
	h.mu.Unlock()

	h.opts.Metrics.SetSubscribers(count)
	h.logger.Debug("subscriber connected", "subscriber_id", s.id, "remote", conn.RemoteAddr())

	go func() {
		defer h.wg.Done()
		h.writeLoop(s)
	}()
	go func() {
		defer h.wg.Done()
		h.readLoop(s)
	}()
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	_, ok := h.subs[s.id]
	delete(h.subs, s.id)
	count := len(h.subs)
	h.mu.Unlock()

	s.close()
	if ok {
		h.opts.Metrics.SetSubscribers(count)
		h.logger.Debug("subscriber disconnected", "subscriber_id", s.id)
	}
}

// writeLoop is the only writer of data frames on s.conn.
func (h *Hub) writeLoop(s *subscriber) {
	defer h.remove(s)

	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		if s.takeResync() {
			if err := h.sendSnapshot(s); err != nil {
				h.logger.Debug("snapshot write failed", "subscriber_id", s.id, "error", err)
				return
			}
		}
		for _, f := range s.drain() {
			if err := h.write(s, f); err != nil {
				h.logger.Debug("delta write failed", "subscriber_id", s.id, "error", err)
				return
			}
		}

		select {
		case <-h.done:
			return
		case <-s.closed:
			return
		case <-s.signal:
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// sendSnapshot writes a fresh snapshot and discards queued deltas it
// already covers. The snapshot is taken before the floor is raised so that
// no delta newer than it can be lost.
func (h *Hub) sendSnapshot(s *subscriber) error {
	snap := h.source.Snapshot()
	s.setFloor(snap.Version)
	return h.write(s, intel.Delta{
		Type:      intel.DeltaSnapshot,
		Payload:   snap,
		Version:   snap.Version,
		Timestamp: snap.GeneratedAt,
	})
}

func (h *Hub) write(s *subscriber, f intel.Delta) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

// clientMessage is what subscribers may send: {"type":"resync"}.
type clientMessage struct {
	Type string `json:"type"`
}

func (h *Hub) readLoop(s *subscriber) {
	defer h.remove(s)

	readWait := 2 * h.opts.PingInterval
	_ = s.conn.SetReadDeadline(time.Now().Add(readWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(readWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			msg.Type = strings.TrimSpace(string(data))
		}
		if msg.Type == "resync" {
			s.requestResync()
		}
	}
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.done)
	subs := make([]*subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, s := range subs {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), deadline)
		s.close()
	}
	h.wg.Wait()
	h.opts.Metrics.SetSubscribers(0)
}
