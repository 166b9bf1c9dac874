package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inktrace/inktrace/internal/intel"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// Every method is safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	agents           *prometheus.GaugeVec
	events           *prometheus.CounterVec
	communications   *prometheus.CounterVec
	commLatency      prometheus.Histogram
	scoreDuration    prometheus.Histogram
	scoringFailures  prometheus.Counter
	probes           *prometheus.CounterVec
	recordsDropped   prometheus.Counter
	subscribers      prometheus.Gauge
	deltasDropped    prometheus.Counter
	archiveFailures  prometheus.Counter
	alertsDispatched *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		agents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "inktrace_agents", Help: "Registered agents by status."},
			[]string{"status"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inktrace_security_events_total", Help: "Security events appended to the log."},
			[]string{"type", "severity"},
		),
		communications: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inktrace_communications_total", Help: "Inter-agent exchanges recorded."},
			[]string{"status"},
		),
		commLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inktrace_communication_latency_seconds",
			Help:    "Observed request/response latency of intercepted exchanges.",
			Buckets: prometheus.DefBuckets,
		}),
		scoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inktrace_score_duration_seconds",
			Help:    "Time spent computing one threat analysis.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		scoringFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inktrace_scoring_failures_total",
			Help: "Scoring runs that failed and kept the prior analysis.",
		}),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inktrace_discovery_probes_total", Help: "Manifest probes by result."},
			[]string{"result"},
		),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inktrace_wiretap_records_dropped_total",
			Help: "Communication records dropped because the submit queue was full.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "inktrace_broadcast_subscribers",
			Help: "Connected push-channel subscribers.",
		}),
		deltasDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inktrace_broadcast_deltas_dropped_total",
			Help: "Deltas dropped from slow subscriber queues.",
		}),
		archiveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inktrace_archive_write_failures_total",
			Help: "Failed archive writes.",
		}),
		alertsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "inktrace_alerts_dispatched_total", Help: "Operator alerts sent by channel."},
			[]string{"channel", "result"},
		),
	}

	m.registry.MustRegister(
		m.agents, m.events, m.communications, m.commLatency, m.scoreDuration,
		m.scoringFailures, m.probes, m.recordsDropped, m.subscribers,
		m.deltasDropped, m.archiveFailures, m.alertsDispatched,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetAgents(counts map[intel.AgentStatus]int) {
	if m == nil {
		return
	}
	for _, s := range []intel.AgentStatus{intel.StatusDiscovered, intel.StatusActive, intel.StatusStale, intel.StatusQuarantined} {
		m.agents.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

func (m *Metrics) EventAppended(t intel.EventType, s intel.Severity) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(t), string(s)).Inc()
}

func (m *Metrics) CommunicationRecorded(c intel.CommunicationRecord) {
	if m == nil {
		return
	}
	m.communications.WithLabelValues(string(c.Status)).Inc()
	m.commLatency.Observe(float64(c.LatencyMs) / 1000)
}

func (m *Metrics) ObserveScore(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.scoreDuration.Observe(d.Seconds())
	if failed {
		m.scoringFailures.Inc()
	}
}

func (m *Metrics) ProbeResult(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.probes.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.recordsDropped.Inc()
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.subscribers.Set(float64(n))
}

func (m *Metrics) DeltaDropped() {
	if m == nil {
		return
	}
	m.deltasDropped.Inc()
}

func (m *Metrics) ArchiveFailed() {
	if m == nil {
		return
	}
	m.archiveFailures.Inc()
}

func (m *Metrics) AlertDispatched(channel string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.alertsDispatched.WithLabelValues(channel, result).Inc()
}
