// Package discovery polls candidate agent endpoints for their manifests and
// proposes what it finds to the registry. It never changes agent state
// itself: liveness evidence goes in through UpsertAgent, and stale agents
// are swept by the registry.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
)

// State is an endpoint's position in the probe state machine.
type State string

const (
	StateUnknown     State = "unknown"
	StateProbing     State = "probing"
	StateRegistered  State = "registered"
	StateUnreachable State = "unreachable"
)

const (
	maxManifestBytes    = 1 << 20
	maxLearnedEndpoints = 1024
	healthSubsystem     = "discovery"
)

// Registrar receives discovered manifests. *brain.Brain satisfies it.
type Registrar interface {
	UpsertAgent(m intel.Manifest, addr string) (intel.AgentRecord, error)
	ReportHealth(subsystem string, err error)
}

// Endpoint is the externally visible state of one candidate endpoint.
type Endpoint struct {
	Address             string    `json:"address"`
	State               State     `json:"state"`
	Learned             bool      `json:"learned"`
	AgentID             string    `json:"agent_id,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastAttempt         time.Time `json:"last_attempt,omitempty"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	NextAttempt         time.Time `json:"next_attempt,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

type endpoint struct {
	Endpoint
	settled State // state to return to after a probe below the failure threshold
	backoff *backoff.ExponentialBackOff
}

// Engine runs periodic probe sweeps over static and learned endpoints.
type Engine struct {
	cfg       config.DiscoveryConfig
	registrar Registrar
	client    *http.Client
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	endpoints map[string]*endpoint
	order     []string
	learned   int
}

// New creates an Engine seeded with cfg.Endpoints.
func New(cfg config.DiscoveryConfig, registrar Registrar, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.ManifestPath == "" {
		cfg.ManifestPath = "/.well-known/agent.json"
	}

	e := &Engine{
		cfg:       cfg,
		registrar: registrar,
		client:    &http.Client{Timeout: cfg.Timeout},
		metrics:   m,
		logger:    logger.With("component", "discovery.Engine"),
		now:       time.Now,
		endpoints: make(map[string]*endpoint),
	}
	for _, addr := range cfg.Endpoints {
		e.add(addr, false)
	}
	return e
}

// Learn adds an endpoint seen in traffic. It reports whether the endpoint
// was new.
func (e *Engine) Learn(addr string) bool {
	if !e.cfg.LearnFromTraffic {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.learned >= maxLearnedEndpoints {
		return false
	}
	added := e.addLocked(addr, true)
	if added {
		e.learned++
		e.logger.Info("learned endpoint from traffic", "endpoint", NormalizeAddress(addr))
	}
	return added
}

func (e *Engine) add(addr string, learned bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addLocked(addr, learned)
}

func (e *Engine) addLocked(addr string, learned bool) bool {
	addr = NormalizeAddress(addr)
	if addr == "" {
		return false
	}
	if _, ok := e.endpoints[addr]; ok {
		return false
	}
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     e.cfg.Backoff.Initial,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          e.cfg.Backoff.Multiplier,
		MaxInterval:         e.cfg.Backoff.Max,
	}
	if bo.InitialInterval <= 0 {
		bo.InitialInterval = time.Second
	}
	if bo.Multiplier < 1 {
		bo.Multiplier = backoff.DefaultMultiplier
	}
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = time.Minute
	}
	bo.Reset()

	e.endpoints[addr] = &endpoint{
		Endpoint: Endpoint{Address: addr, State: StateUnknown, Learned: learned},
		settled:  StateUnknown,
		backoff:  bo,
	}
	e.order = append(e.order, addr)
	return true
}

// Endpoints returns every endpoint in insertion order.
func (e *Engine) Endpoints() []Endpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Endpoint, 0, len(e.order))
	for _, addr := range e.order {
		out = append(out, e.endpoints[addr].Endpoint)
	}
	return out
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// In-flight probes are allowed to finish before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("discovery started", "interval", e.cfg.Interval, "endpoints", len(e.Endpoints()))
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		e.Sweep(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("discovery stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep probes every endpoint that is due, at most cfg.Concurrency at a time,
// and waits for them.
func (e *Engine) Sweep(ctx context.Context) {
	due := e.claimDue()
	if len(due) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.cfg.Concurrency)
		for _, addr := range due {
			g.Go(func() error {
				e.probe(gctx, addr)
				return nil
			})
		}
		_ = g.Wait()
	}
	e.reportHealth()
}

// claimDue moves every due endpoint to probing and returns their addresses.
func (e *Engine) claimDue() []string {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	var due []string
	for _, addr := range e.order {
		ep := e.endpoints[addr]
		if ep.State == StateProbing || now.Before(ep.NextAttempt) {
			continue
		}
		ep.State = StateProbing
		ep.LastAttempt = now
		due = append(due, addr)
	}
	return due
}

func (e *Engine) probe(ctx context.Context, addr string) {
	m, err := FetchManifest(ctx, e.client, addr, e.cfg.ManifestPath)
	var rec intel.AgentRecord
	if err == nil {
		rec, err = e.registrar.UpsertAgent(m, addr)
	}
	e.metrics.ProbeResult(err == nil)

	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	ep := e.endpoints[addr]

	if err == nil {
		ep.State = StateRegistered
		ep.settled = StateRegistered
		ep.AgentID = rec.ID
		ep.ConsecutiveFailures = 0
		ep.LastSuccess = now
		ep.NextAttempt = time.Time{}
		ep.LastError = ""
		ep.backoff.Reset()
		return
	}

	ep.ConsecutiveFailures++
	ep.LastError = err.Error()
	ep.NextAttempt = now.Add(ep.backoff.NextBackOff())
	if ep.ConsecutiveFailures >= e.cfg.FailureThreshold {
		if ep.settled != StateUnreachable {
			e.logger.Warn("endpoint unreachable", "endpoint", addr, "failures", ep.ConsecutiveFailures, "error", err)
		}
		ep.settled = StateUnreachable
	} else {
		e.logger.Debug("probe failed", "endpoint", addr, "failures", ep.ConsecutiveFailures, "error", err)
	}
	ep.State = ep.settled
}

func (e *Engine) reportHealth() {
	e.mu.Lock()
	total := len(e.endpoints)
	unreachable := 0
	for _, ep := range e.endpoints {
		if ep.State == StateUnreachable {
			unreachable++
		}
	}
	e.mu.Unlock()

	if total > 0 && unreachable == total {
		e.registrar.ReportHealth(healthSubsystem, fmt.Errorf("all %d endpoints unreachable", total))
		return
	}
	e.registrar.ReportHealth(healthSubsystem, nil)
}

// FetchManifest GETs the manifest at path on addr. A 200 response whose body
// is not a usable manifest is returned as an invalid Manifest, not an error.
func FetchManifest(ctx context.Context, client *http.Client, addr, path string) (intel.Manifest, error) {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return intel.Manifest{}, fmt.Errorf("build manifest request for %s: %w", addr, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return intel.Manifest{}, fmt.Errorf("fetch manifest from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxManifestBytes))
		return intel.Manifest{}, fmt.Errorf("fetch manifest from %s: %w", addr, &StatusError{Code: resp.StatusCode})
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return intel.Manifest{}, fmt.Errorf("read manifest from %s: %w", addr, err)
	}
	return intel.ParseManifest(body), nil
}

// StatusError is returned for a non-200 manifest response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// IsStatus reports whether err carries a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

// NormalizeAddress reduces a URL or host:port to host:port. Ports default
// from the scheme. It returns "" for input it cannot interpret.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil || u.Host == "" {
			return ""
		}
		host, port := u.Hostname(), u.Port()
		if port == "" {
			port = "80"
			if u.Scheme == "https" {
				port = "443"
			}
		}
		return net.JoinHostPort(host, port)
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
