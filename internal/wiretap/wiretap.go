// Package wiretap implements the interception relay that sits between agents.
// Every exchange is forwarded unmodified to its destination; timing, size,
// method and outcome are captured and submitted to the registry without
// holding up the response.
package wiretap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
)

// Header keys used by the relay.
const (
	HeaderTarget          = "X-Inktrace-Target"
	HeaderSource          = "X-Inktrace-Source"
	HeaderCommunicationID = "X-Inktrace-Communication-Id"
)

const (
	relayPrefix   = "/relay/"
	unknownSource = "external"
)

// Recorder accepts finished communication records. *brain.Brain satisfies it.
type Recorder interface {
	RecordCommunication(c intel.CommunicationRecord)
}

// Learner is told about relay destinations that are not registered yet.
// *discovery.Engine satisfies it.
type Learner interface {
	Learn(addr string) bool
}

// Wiretap is the relay. It implements http.Handler.
type Wiretap struct {
	cfg        config.WiretapConfig
	router     *Router
	classifier *Classifier
	recorder   Recorder
	learner    Learner
	metrics    *metrics.Metrics
	transport  http.RoundTripper

	records chan intel.CommunicationRecord
	dropped atomic.Int64

	server *http.Server
	logger *slog.Logger
}

// Option configures the Wiretap via functional options.
type Option func(*Wiretap)

// WithLearner forwards unregistered destinations to l.
func WithLearner(l Learner) Option {
	return func(w *Wiretap) { w.learner = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wiretap) { w.metrics = m }
}

// WithTransport replaces the upstream transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(w *Wiretap) { w.transport = rt }
}

// New creates a Wiretap. Records are delivered to recorder by Run.
func New(cfg config.WiretapConfig, dir Directory, recorder Recorder, logger *slog.Logger, opts ...Option) *Wiretap {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	w := &Wiretap{
		cfg:        cfg,
		router:     NewRouter(cfg.Upstreams, dir, cfg.AllowLiteralTargets, logger),
		classifier: NewClassifier(logger),
		recorder:   recorder,
		records:    make(chan intel.CommunicationRecord, cfg.QueueSize),
		logger:     logger.With("component", "wiretap.Wiretap"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.transport == nil {
		w.transport = &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			MaxIdleConnsPerHost:   16,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
		}
	}
	return w
}

// Run delivers submitted records until ctx is cancelled, then delivers what
// is still queued and returns.
func (w *Wiretap) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return
		case c := <-w.records:
			w.recorder.RecordCommunication(c)
		}
	}
}

func (w *Wiretap) drain() {
	for {
		select {
		case c := <-w.records:
			w.recorder.RecordCommunication(c)
		default:
			return
		}
	}
}

// Dropped reports how many records were discarded because the queue was full.
func (w *Wiretap) Dropped() int64 {
	return w.dropped.Load()
}

// Start listens on port and blocks until the server is shut down.
func (w *Wiretap) Start(port int) error {
	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           w,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // streamed task updates
		IdleTimeout:       120 * time.Second,
	}
	w.logger.Info("wiretap starting", "port", port)
	if err := w.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wiretap listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the relay listener.
func (w *Wiretap) Shutdown(ctx context.Context) error {
	if w.server == nil {
		return nil
	}
	w.logger.Info("wiretap shutting down")
	return w.server.Shutdown(ctx)
}

func (w *Wiretap) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()

	targetName, ok := targetFromRequest(r)
	if !ok {
		respondError(rw, http.StatusBadRequest, "missing_target",
			fmt.Sprintf("set the %s header or use %s{target}/...", HeaderTarget, relayPrefix))
		return
	}
	target, err := w.router.Resolve(targetName)
	if errors.Is(err, ErrLiteralTarget) {
		respondError(rw, http.StatusForbidden, "literal_target_disabled", err.Error())
		return
	}
	if err != nil {
		respondError(rw, http.StatusNotFound, "unknown_target", err.Error())
		return
	}

	source := strings.TrimSpace(r.Header.Get(HeaderSource))
	if source == "" {
		source = unknownSource
	}

	body, err := peekRequestBody(r)
	if err != nil {
		w.logger.Error("failed to capture request body", "target", target.AgentID, "error", err)
		respondError(rw, http.StatusBadRequest, "body_read_error", "Failed to read request body")
		return
	}
	class := w.classifier.Classify(r, body.Prefix())

	r.Header.Del(HeaderTarget)
	r.Header.Del(HeaderSource)

	commID := ulid.Make().String()
	upstreamFailed := false
	upstream := target.Upstream

	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = upstream.Scheme
			req.URL.Host = upstream.Host
			req.URL.Path = singleJoiningSlash(upstream.Path, req.URL.Path)
			req.URL.RawPath = ""
			req.Host = upstream.Host
			if _, ok := req.Header["User-Agent"]; !ok {
				req.Header.Set("User-Agent", "")
			}
		},
		Transport:     w.transport,
		FlushInterval: -1,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			upstreamFailed = true
			w.logger.Warn("relay forwarding failed",
				"communication_id", commID,
				"source", source,
				"target", target.AgentID,
				"upstream", upstream.String(),
				"error", err,
			)
			respondError(rw, http.StatusBadGateway, "upstream_error",
				fmt.Sprintf("Upstream request failed: %v", err))
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(HeaderCommunicationID, commID)
			return nil
		},
	}

	recorder := newResponseRecorder(rw)
	proxy.ServeHTTP(recorder, r)

	status := intel.CommSuccess
	if upstreamFailed || recorder.StatusCode() >= http.StatusBadRequest {
		status = intel.CommError
	} else if captured, complete := recorder.Captured(); complete && isRPCError(captured) {
		status = intel.CommError
	}

	w.submit(intel.CommunicationRecord{
		ID:         commID,
		SourceID:   source,
		TargetID:   target.AgentID,
		Method:     class.Method,
		Capability: class.Capability,
		Status:     status,
		SizeClass:  intel.SizeClassFor(body.Size(r.ContentLength)),
		LatencyMs:  time.Since(start).Milliseconds(),
		Timestamp:  start,
	})

	if !target.Known && w.learner != nil {
		w.learner.Learn(target.Address)
	}
}

// submit queues c without blocking. A full queue drops the record; the
// exchange itself has already completed.
func (w *Wiretap) submit(c intel.CommunicationRecord) {
	select {
	case w.records <- c:
	default:
		n := w.dropped.Add(1)
		w.metrics.RecordDropped()
		if n == 1 || n%100 == 0 {
			w.logger.Warn("communication queue full, record dropped",
				"communication_id", c.ID,
				"dropped_total", n,
			)
		}
	}
}

// targetFromRequest reads the destination from the target header, or from
// a /relay/{target}/ path prefix which it strips.
func targetFromRequest(r *http.Request) (string, bool) {
	if t := strings.TrimSpace(r.Header.Get(HeaderTarget)); t != "" {
		return t, true
	}
	if !strings.HasPrefix(r.URL.Path, relayPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(r.URL.Path, relayPrefix)
	target, path, _ := strings.Cut(rest, "/")
	if target == "" {
		return "", false
	}
	r.URL.Path = "/" + path
	r.URL.RawPath = ""
	return target, true
}

func respondError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	})
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
