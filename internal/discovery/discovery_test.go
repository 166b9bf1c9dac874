package discovery

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
)

type fakeRegistrar struct {
	mu      sync.Mutex
	upserts []intel.Manifest
	addrs   []string
	health  map[string]error
	err     error
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{health: make(map[string]error)}
}

func (f *fakeRegistrar) UpsertAgent(m intel.Manifest, addr string) (intel.AgentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return intel.AgentRecord{}, f.err
	}
	f.upserts = append(f.upserts, m)
	f.addrs = append(f.addrs, addr)
	return intel.AgentRecord{ID: intel.DeriveAgentID(m, addr), Name: m.Name}, nil
}

func (f *fakeRegistrar) ReportHealth(subsystem string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[subsystem] = err
}

func (f *fakeRegistrar) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.upserts)
}

func testConfig(endpoints ...string) config.DiscoveryConfig {
	cfg := config.DefaultConfig().Discovery
	cfg.Endpoints = endpoints
	cfg.Timeout = 500 * time.Millisecond
	return cfg
}

func manifestServer(t *testing.T, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/.well-known/agent.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestSweep_RegistersAgent(t *testing.T) {
	srv := manifestServer(t, `{"id":"a2","name":"ReportBot","capabilities":["summarize_text"]}`, nil)
	reg := newFakeRegistrar()
	e := New(testConfig(addrOf(srv)), reg, nil, nil)

	e.Sweep(context.Background())

	if reg.upsertCount() != 1 {
		t.Fatalf("upserts = %d, want 1", reg.upsertCount())
	}
	if reg.upserts[0].Name != "ReportBot" || !reg.upserts[0].Valid {
		t.Errorf("manifest = %+v", reg.upserts[0])
	}
	if reg.addrs[0] != addrOf(srv) {
		t.Errorf("addr = %q, want %q", reg.addrs[0], addrOf(srv))
	}

	eps := e.Endpoints()
	if len(eps) != 1 {
		t.Fatalf("endpoints = %d, want 1", len(eps))
	}
	if eps[0].State != StateRegistered || eps[0].AgentID != "a2" {
		t.Errorf("endpoint = %+v, want registered a2", eps[0])
	}
	if reg.health[healthSubsystem] != nil {
		t.Errorf("health = %v, want nil", reg.health[healthSubsystem])
	}
}

func TestSweep_InvalidManifestStillProposed(t *testing.T) {
	srv := manifestServer(t, `<html>not a manifest</html>`, nil)
	reg := newFakeRegistrar()
	e := New(testConfig(addrOf(srv)), reg, nil, nil)

	e.Sweep(context.Background())

	if reg.upsertCount() != 1 {
		t.Fatalf("upserts = %d, want 1", reg.upsertCount())
	}
	if reg.upserts[0].Valid {
		t.Error("unparseable manifest should be proposed with Valid=false")
	}
}

func TestSweep_FailuresBackOffThenUnreachable(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := newFakeRegistrar()
	cfg := testConfig(addrOf(srv))
	cfg.FailureThreshold = 2
	e := New(cfg, reg, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.Sweep(context.Background())
	ep := e.Endpoints()[0]
	if ep.State != StateUnknown || ep.ConsecutiveFailures != 1 {
		t.Fatalf("after one failure: %+v, want unknown with 1 failure", ep)
	}
	if !ep.NextAttempt.After(now) {
		t.Errorf("NextAttempt = %v, want after %v", ep.NextAttempt, now)
	}
	if !strings.Contains(ep.LastError, "503") {
		t.Errorf("LastError = %q, want status 503", ep.LastError)
	}

	// Not due yet: no probe.
	e.Sweep(context.Background())
	if hits.Load() != 1 {
		t.Fatalf("hits = %d, want 1 while backing off", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	e.Sweep(context.Background())
	ep = e.Endpoints()[0]
	if ep.State != StateUnreachable {
		t.Fatalf("state = %s, want unreachable after threshold", ep.State)
	}
	if reg.health[healthSubsystem] == nil {
		t.Error("discovery health should be reported when every endpoint is unreachable")
	}
	if reg.upsertCount() != 0 {
		t.Error("failed probes must not upsert")
	}
}

func TestSweep_RecoveryResetsFailures(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"name":"ReportBot"}`))
	}))
	defer srv.Close()

	reg := newFakeRegistrar()
	cfg := testConfig(addrOf(srv))
	cfg.FailureThreshold = 1
	e := New(cfg, reg, nil, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	e.Sweep(context.Background())
	if e.Endpoints()[0].State != StateUnreachable {
		t.Fatalf("state = %s, want unreachable", e.Endpoints()[0].State)
	}

	down.Store(false)
	now = now.Add(time.Hour)
	e.Sweep(context.Background())
	ep := e.Endpoints()[0]
	if ep.State != StateRegistered || ep.ConsecutiveFailures != 0 || ep.LastError != "" {
		t.Errorf("after recovery: %+v", ep)
	}
	if reg.health[healthSubsystem] != nil {
		t.Errorf("health = %v, want cleared", reg.health[healthSubsystem])
	}
}

func TestSweep_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	reg := newFakeRegistrar()
	cfg := testConfig(addrOf(srv))
	cfg.Timeout = 100 * time.Millisecond
	e := New(cfg, reg, nil, nil)

	start := time.Now()
	e.Sweep(context.Background())
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("sweep took %v, want bounded by the probe timeout", elapsed)
	}
	if e.Endpoints()[0].ConsecutiveFailures != 1 {
		t.Errorf("timeout should count as a failure: %+v", e.Endpoints()[0])
	}
}

func TestSweep_RegistrarRejectionCountsAsFailure(t *testing.T) {
	srv := manifestServer(t, `{"id":"a2","name":"ReportBot"}`, nil)
	reg := newFakeRegistrar()
	reg.err = errors.New("identity conflict")
	e := New(testConfig(addrOf(srv)), reg, nil, nil)

	e.Sweep(context.Background())

	ep := e.Endpoints()[0]
	if ep.ConsecutiveFailures != 1 || !strings.Contains(ep.LastError, "identity conflict") {
		t.Errorf("endpoint = %+v", ep)
	}
}

func TestLearn(t *testing.T) {
	e := New(testConfig("localhost:8001"), newFakeRegistrar(), nil, nil)

	tests := []struct {
		addr string
		want bool
	}{
		{"localhost:8001", false},
		{"http://localhost:8001/a2a", false},
		{"localhost:8006", true},
		{"http://10.0.0.5:9000/rpc", true},
		{"10.0.0.5:9000", false},
		{"", false},
		{"not-an-address", false},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			if got := e.Learn(tt.addr); got != tt.want {
				t.Errorf("Learn(%q) = %v, want %v", tt.addr, got, tt.want)
			}
		})
	}

	eps := e.Endpoints()
	if len(eps) != 3 {
		t.Fatalf("endpoints = %d, want 3", len(eps))
	}
	if eps[0].Learned || !eps[1].Learned {
		t.Errorf("learned flags = %v %v, want false true", eps[0].Learned, eps[1].Learned)
	}
}

func TestLearn_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.LearnFromTraffic = false
	e := New(cfg, newFakeRegistrar(), nil, nil)
	if e.Learn("localhost:8006") {
		t.Error("Learn should be a no-op when learning is disabled")
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := map[string]string{
		"localhost:8001":            "localhost:8001",
		" localhost:8001 ":          "localhost:8001",
		"http://example.com":        "example.com:80",
		"https://example.com/x":     "example.com:443",
		"http://127.0.0.1:8002/a2a": "127.0.0.1:8002",
		":8003":                     "localhost:8003",
		"localhost:8001/path":       "localhost:8001",
		"example.com":               "",
	}
	for in, want := range tests {
		if got := NormalizeAddress(in); got != want {
			t.Errorf("NormalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFetchManifest_NotFound(t *testing.T) {
	srv := manifestServer(t, `{}`, nil)
	_, err := FetchManifest(context.Background(), srv.Client(), addrOf(srv), "/missing.json")
	if !IsStatus(err, http.StatusNotFound) {
		t.Errorf("err = %v, want status 404", err)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	var hits atomic.Int32
	srv := manifestServer(t, `{"name":"ReportBot"}`, &hits)
	cfg := testConfig(addrOf(srv))
	cfg.Interval = 10 * time.Millisecond
	e := New(cfg, newFakeRegistrar(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for hits.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if hits.Load() < 2 {
		t.Errorf("hits = %d, want repeated sweeps", hits.Load())
	}
}
