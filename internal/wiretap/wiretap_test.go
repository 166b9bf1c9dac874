package wiretap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
)

type staticDirectory map[string]string

func (d staticDirectory) AgentAddresses() map[string]string {
	out := make(map[string]string, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

type chanRecorder struct {
	ch chan intel.CommunicationRecord
}

func newChanRecorder() *chanRecorder {
	return &chanRecorder{ch: make(chan intel.CommunicationRecord, 64)}
}

func (r *chanRecorder) RecordCommunication(c intel.CommunicationRecord) {
	r.ch <- c
}

func (r *chanRecorder) next(t *testing.T) intel.CommunicationRecord {
	t.Helper()
	select {
	case c := <-r.ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no communication recorded")
		return intel.CommunicationRecord{}
	}
}

type learnRecorder struct {
	mu    sync.Mutex
	addrs []string
}

func (l *learnRecorder) Learn(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addrs = append(l.addrs, addr)
	return true
}

// upstreamAgent echoes the request body and records what it received.
type upstreamAgent struct {
	mu      sync.Mutex
	path    string
	body    string
	headers http.Header
}

func (u *upstreamAgent) server(t *testing.T, respond func(w http.ResponseWriter)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.path = r.URL.Path
		u.body = string(b)
		u.headers = r.Header.Clone()
		u.mu.Unlock()
		if respond != nil {
			respond(w)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"status":"completed"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func startWiretap(t *testing.T, dir Directory, opts ...Option) (*Wiretap, *chanRecorder) {
	t.Helper()
	return startWiretapWith(t, config.DefaultConfig().Wiretap, dir, opts...)
}

func startWiretapWith(t *testing.T, cfg config.WiretapConfig, dir Directory, opts ...Option) (*Wiretap, *chanRecorder) {
	t.Helper()
	rec := newChanRecorder()
	w := New(cfg, dir, rec, nil, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return w, rec
}

const sendTask = `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"id":"t1","metadata":{"capability":"Summarize Text"}}}`

func TestServeHTTP_ForwardsByHeader(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, nil)
	w, rec := startWiretap(t, staticDirectory{"a3": hostOf(srv)})

	req := httptest.NewRequest(http.MethodPost, "/a2a", strings.NewReader(sendTask))
	req.Header.Set(HeaderTarget, "a3")
	req.Header.Set(HeaderSource, "a2")
	req.Header.Set("Authorization", "Bearer abc")
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"completed"`) {
		t.Errorf("response not passed through: %s", rr.Body.String())
	}
	if rr.Header().Get(HeaderCommunicationID) == "" {
		t.Error("communication id header missing from response")
	}

	agent.mu.Lock()
	if agent.body != sendTask {
		t.Errorf("forwarded body = %q, want unchanged", agent.body)
	}
	if agent.path != "/a2a" {
		t.Errorf("forwarded path = %q, want /a2a", agent.path)
	}
	if agent.headers.Get("Authorization") != "Bearer abc" {
		t.Error("caller headers must be forwarded")
	}
	if agent.headers.Get(HeaderTarget) != "" || agent.headers.Get(HeaderSource) != "" {
		t.Error("relay headers must be stripped before forwarding")
	}
	agent.mu.Unlock()

	c := rec.next(t)
	if c.SourceID != "a2" || c.TargetID != "a3" {
		t.Errorf("endpoints = %s -> %s, want a2 -> a3", c.SourceID, c.TargetID)
	}
	if c.Method != "tasks/send" || c.Capability != "summarize_text" {
		t.Errorf("classification = %s/%s", c.Method, c.Capability)
	}
	if c.Status != intel.CommSuccess || c.SizeClass != intel.SizeSmall {
		t.Errorf("status/size = %s/%s", c.Status, c.SizeClass)
	}
	if c.ID != rr.Header().Get(HeaderCommunicationID) {
		t.Errorf("record id %s does not match response header", c.ID)
	}
}

func TestServeHTTP_RelayPath(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, nil)
	w, rec := startWiretap(t, staticDirectory{"a3": "http://" + hostOf(srv)})

	req := httptest.NewRequest(http.MethodPost, "/relay/a3/tasks/send", strings.NewReader(`{}`))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	agent.mu.Lock()
	if agent.path != "/tasks/send" {
		t.Errorf("forwarded path = %q, want /tasks/send", agent.path)
	}
	agent.mu.Unlock()

	c := rec.next(t)
	if c.Method != "tasks/send" {
		t.Errorf("Method = %q, want path-derived tasks/send", c.Method)
	}
	if c.SourceID != unknownSource {
		t.Errorf("SourceID = %q, want %q", c.SourceID, unknownSource)
	}
}

func TestServeHTTP_TargetErrors(t *testing.T) {
	w, _ := startWiretap(t, staticDirectory{})

	tests := []struct {
		name   string
		path   string
		target string
		want   int
	}{
		{"missing target", "/a2a", "", http.StatusBadRequest},
		{"empty relay target", "/relay//x", "", http.StatusBadRequest},
		{"unknown agent id", "/a2a", "ghost", http.StatusNotFound},
		{"unregistered address", "/a2a", "127.0.0.1:6379", http.StatusForbidden},
		{"unregistered relay path address", "/relay/169.254.169.254:80/latest", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(`{}`))
			if tt.target != "" {
				req.Header.Set(HeaderTarget, tt.target)
			}
			rr := httptest.NewRecorder()
			w.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}
}

func TestServeHTTP_UpstreamDownRecordsError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := hostOf(srv)
	srv.Close()

	w, rec := startWiretap(t, staticDirectory{"a3": addr})
	req := httptest.NewRequest(http.MethodPost, "/a2a", strings.NewReader(sendTask))
	req.Header.Set(HeaderTarget, "a3")
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
	if c := rec.next(t); c.Status != intel.CommError {
		t.Errorf("Status = %s, want error", c.Status)
	}
}

func TestServeHTTP_RPCErrorIsRecordedAsError(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found"}}`))
	})
	w, rec := startWiretap(t, staticDirectory{"a3": hostOf(srv)})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sendTask))
	req.Header.Set(HeaderTarget, "a3")
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want upstream's 200 passed through", rr.Code)
	}
	if c := rec.next(t); c.Status != intel.CommError {
		t.Errorf("Status = %s, want error for JSON-RPC error response", c.Status)
	}
}

func TestServeHTTP_LiteralAddressIsLearned(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, nil)
	learner := &learnRecorder{}
	cfg := config.DefaultConfig().Wiretap
	cfg.AllowLiteralTargets = true
	w, rec := startWiretapWith(t, cfg, staticDirectory{}, WithLearner(learner))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sendTask))
	req.Header.Set(HeaderTarget, hostOf(srv))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	c := rec.next(t)
	_, port, _ := strings.Cut(hostOf(srv), ":")
	if c.TargetID != "agent_"+port {
		t.Errorf("TargetID = %q, want agent_%s", c.TargetID, port)
	}

	learner.mu.Lock()
	defer learner.mu.Unlock()
	if len(learner.addrs) != 1 || learner.addrs[0] != hostOf(srv) {
		t.Errorf("learned = %v, want [%s]", learner.addrs, hostOf(srv))
	}
}

func TestServeHTTP_LargeBodyStreamsThrough(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, nil)
	w, rec := startWiretap(t, staticDirectory{"a3": hostOf(srv)})

	body := `{"jsonrpc":"2.0","id":1,"method":"tasks/send","params":{"blob":"` +
		strings.Repeat("x", 3*maxCapturedRequest) + `"}}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.ContentLength = -1
	req.Header.Set(HeaderTarget, "a3")
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rr.Code, rr.Body.String())
	}
	agent.mu.Lock()
	if agent.body != body {
		t.Errorf("forwarded %d bytes, want %d unchanged", len(agent.body), len(body))
	}
	agent.mu.Unlock()

	if c := rec.next(t); c.SizeClass != intel.SizeLarge {
		t.Errorf("SizeClass = %s, want large", c.SizeClass)
	}
}

func TestPeekRequestBody_BoundsPrefix(t *testing.T) {
	payload := strings.Repeat("y", maxCapturedRequest+500)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))

	b, err := peekRequestBody(req)
	if err != nil {
		t.Fatalf("peekRequestBody() error: %v", err)
	}
	if len(b.Prefix()) != maxCapturedRequest {
		t.Errorf("prefix = %d bytes, want %d", len(b.Prefix()), maxCapturedRequest)
	}
	got, err := io.ReadAll(req.Body)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != payload {
		t.Errorf("replayed %d bytes, want %d", len(got), len(payload))
	}
	if n := b.Size(-1); n != int64(len(payload)) {
		t.Errorf("Size(-1) = %d, want %d", n, len(payload))
	}

	empty := httptest.NewRequest(http.MethodGet, "/", nil)
	nb, err := peekRequestBody(empty)
	if err != nil || nb != nil {
		t.Errorf("peekRequestBody(no body) = %v, %v", nb, err)
	}
	if nb.Size(0) != 0 || nb.Prefix() != nil {
		t.Error("nil body should report zero size")
	}
}

func TestServeHTTP_FullQueueStillForwards(t *testing.T) {
	agent := &upstreamAgent{}
	srv := agent.server(t, nil)
	cfg := config.DefaultConfig().Wiretap
	cfg.QueueSize = 1
	// No Run loop: the queue fills after one record.
	w := New(cfg, staticDirectory{"a3": hostOf(srv)}, newChanRecorder(), nil)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(sendTask))
		req.Header.Set(HeaderTarget, "a3")
		rr := httptest.NewRecorder()
		w.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rr.Code)
		}
	}
	if w.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", w.Dropped())
	}
}

func TestRun_DrainsOnCancel(t *testing.T) {
	rec := newChanRecorder()
	w := New(config.DefaultConfig().Wiretap, staticDirectory{}, rec, nil)
	w.submit(intel.CommunicationRecord{ID: "c1"})
	w.submit(intel.CommunicationRecord{ID: "c2"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Run(ctx)

	if len(rec.ch) != 2 {
		t.Errorf("delivered = %d, want 2 queued records drained", len(rec.ch))
	}
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct{ a, b, want string }{
		{"", "/x", "/x"},
		{"/base", "/x", "/base/x"},
		{"/base/", "/x", "/base/x"},
		{"/base", "x", "/base/x"},
	}
	for _, tt := range tests {
		if got := singleJoiningSlash(tt.a, tt.b); got != tt.want {
			t.Errorf("singleJoiningSlash(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}
