package broadcast

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inktrace/inktrace/internal/brain"
	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/scoring"
)

type fakeSource struct {
	mu      sync.Mutex
	version uint64
}

func (f *fakeSource) Snapshot() intel.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return intel.Snapshot{Version: f.version, TentacleScores: []intel.TentacleScore{}}
}

func (f *fakeSource) next() intel.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	return intel.Delta{Type: intel.DeltaSecurityEvent, Version: f.version}
}

type frame struct {
	Type    intel.DeltaType `json:"type"`
	Version uint64          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

func serve(t *testing.T, h *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f frame
	if err := conn.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServeWS_SnapshotFirstThenNewerDeltas(t *testing.T) {
	src := &fakeSource{version: 5}
	h := NewHub(src, Options{}, nil)
	defer h.Close()
	conn := dial(t, serve(t, h))

	first := readFrame(t, conn)
	if first.Type != intel.DeltaSnapshot || first.Version != 5 {
		t.Fatalf("first frame = %s v%d, want snapshot v5", first.Type, first.Version)
	}

	h.Publish(intel.Delta{Type: intel.DeltaSecurityEvent, Version: 3})
	h.Publish(src.next())
	h.Publish(src.next())

	for _, want := range []uint64{6, 7} {
		f := readFrame(t, conn)
		if f.Type != intel.DeltaSecurityEvent || f.Version != want {
			t.Errorf("frame = %s v%d, want security_event v%d", f.Type, f.Version, want)
		}
	}
	if h.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", h.ClientCount())
	}
}

func TestServeWS_ResyncRequest(t *testing.T) {
	src := &fakeSource{version: 1}
	h := NewHub(src, Options{}, nil)
	defer h.Close()
	conn := dial(t, serve(t, h))
	readFrame(t, conn)

	src.next()
	src.next()
	if err := conn.WriteJSON(map[string]string{"type": "resync"}); err != nil {
		t.Fatal(err)
	}
	f := readFrame(t, conn)
	if f.Type != intel.DeltaSnapshot || f.Version != 3 {
		t.Errorf("frame = %s v%d, want snapshot v3", f.Type, f.Version)
	}
}

func TestServeWS_DisconnectRemovesSubscriber(t *testing.T) {
	h := NewHub(&fakeSource{}, Options{}, nil)
	defer h.Close()
	srv := serve(t, h)
	conn := dial(t, srv)
	readFrame(t, conn)
	waitFor(t, func() bool { return h.ClientCount() == 1 }, "subscriber registration")

	_ = conn.Close()
	waitFor(t, func() bool { return h.ClientCount() == 0 }, "subscriber removal")

	// Publishing with nobody connected is a no-op.
	h.Publish(intel.Delta{Type: intel.DeltaSecurityEvent, Version: 1})
}

func TestClose_DisconnectsSubscribers(t *testing.T) {
	h := NewHub(&fakeSource{}, Options{}, nil)
	srv := serve(t, h)
	conn := dial(t, srv)
	readFrame(t, conn)

	h.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}

	late := dial(t, srv)
	_ = late.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late subscriber err = %v, want going-away close", err)
	}
	h.Close()
}

func TestSubscriber_OverflowDropsOldestAndMarksResync(t *testing.T) {
	s := newSubscriber("s1", nil, 2)
	s.takeResync()
	s.setFloor(0)

	dropped := 0
	for v := uint64(1); v <= 4; v++ {
		if s.enqueue(intel.Delta{Type: intel.DeltaAgentUpdated, Version: v}) {
			dropped++
		}
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}

	frames := s.drain()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want marker + 2", len(frames))
	}
	if frames[0].Type != intel.DeltaResyncRequired {
		t.Errorf("first frame = %s, want resync_required", frames[0].Type)
	}
	if frames[1].Version != 3 || frames[2].Version != 4 {
		t.Errorf("kept versions = %d,%d, want 3,4", frames[1].Version, frames[2].Version)
	}
	if s.drain() != nil {
		t.Error("queue should be empty after drain")
	}
}

func TestSubscriber_NoMarkerWhileSnapshotPending(t *testing.T) {
	s := newSubscriber("s1", nil, 1)
	s.enqueue(intel.Delta{Version: 1})
	s.enqueue(intel.Delta{Version: 2})
	if !s.takeResync() {
		t.Fatal("new subscriber should start with a pending snapshot")
	}
	s.setFloor(1)
	frames := s.drain()
	if len(frames) != 1 || frames[0].Version != 2 {
		t.Errorf("frames = %+v, want only v2", frames)
	}
}

func TestSubscriber_FloorDropsCoveredDeltas(t *testing.T) {
	s := newSubscriber("s1", nil, 8)
	for v := uint64(1); v <= 5; v++ {
		s.enqueue(intel.Delta{Version: v})
	}
	s.setFloor(3)
	s.enqueue(intel.Delta{Version: 2})

	var got []uint64
	for _, f := range s.drain() {
		got = append(got, f.Version)
	}
	if fmt.Sprint(got) != "[4 5]" {
		t.Errorf("versions = %v, want [4 5]", got)
	}
}

func newBrain(t *testing.T) *brain.Brain {
	t.Helper()
	eng, err := scoring.NewEngine(config.DefaultScoringConfig(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return brain.New(eng, brain.Options{}, nil)
}

func upsert(t *testing.T, b *brain.Brain, i int) {
	t.Helper()
	m := intel.Manifest{ID: fmt.Sprintf("agent-%d", i), Name: fmt.Sprintf("Worker %d", i), Valid: true}
	if i%2 == 1 {
		m.Name = "DataMiner"
		m.Capabilities = intel.Capabilities{"credential_harvest"}
	}
	if _, err := b.UpsertAgent(m, fmt.Sprintf("localhost:%d", 9000+i)); err != nil {
		t.Fatal(err)
	}
}

// A subscriber that drops mid-stream and reconnects must see a snapshot
// matching the registry, then an unbroken run of newer deltas.
func TestReconnectReceivesSnapshotThenDeltas(t *testing.T) {
	b := newBrain(t)
	h := NewHub(b, Options{}, nil)
	defer h.Close()
	unsubscribe := b.Subscribe(h.Publish)
	defer unsubscribe()
	srv := serve(t, h)

	first := dial(t, srv)
	readFrame(t, first)
	upsert(t, b, 0)
	upsert(t, b, 1)
	readFrame(t, first)
	_ = first.Close()

	upsert(t, b, 2)
	upsert(t, b, 3)

	second := dial(t, srv)
	f := readFrame(t, second)
	if f.Type != intel.DeltaSnapshot {
		t.Fatalf("first frame after reconnect = %s, want snapshot", f.Type)
	}
	var snap intel.Snapshot
	if err := json.Unmarshal(f.Payload, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	want := b.Snapshot()
	if len(snap.Agents) != 4 {
		t.Errorf("snapshot agents = %d, want 4", len(snap.Agents))
	}
	if len(snap.TentacleScores) != 8 {
		t.Fatalf("snapshot tentacles = %d, want 8", len(snap.TentacleScores))
	}
	for i := range snap.TentacleScores {
		if snap.TentacleScores[i].Score != want.TentacleScores[i].Score {
			t.Errorf("%s = %d, registry has %d", snap.TentacleScores[i].ID, snap.TentacleScores[i].Score, want.TentacleScores[i].Score)
		}
	}

	upsert(t, b, 4)
	upsert(t, b, 5)
	target := b.Snapshot().Version

	last := snap.Version
	for last < target {
		d := readFrame(t, second)
		if d.Version != last+1 {
			t.Fatalf("delta v%d after v%d: gap", d.Version, last)
		}
		last = d.Version
	}
}
