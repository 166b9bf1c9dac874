package alert

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
)

// Alert represents a notification to be sent.
type Alert struct {
	Type        string    `json:"type"`     // security event type, e.g. malicious_agent_detected
	Severity    string    `json:"severity"` // info, high, critical
	Title       string    `json:"title"`
	Message     string    `json:"message"`
	AgentID     string    `json:"agent_id,omitempty"`
	AgentName   string    `json:"agent_name,omitempty"`
	ThreatScore int       `json:"threat_score,omitempty"`
	RiskLevel   string    `json:"risk_level"`
	EventID     string    `json:"event_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`

	// Tentacles holds the hottest security domains when the alert went out.
	Tentacles []intel.TentacleScore `json:"tentacles,omitempty"`
}

// Manager orchestrates alert delivery with deduplication.
type Manager struct {
	mu       sync.Mutex
	config   config.AlertsConfig
	minRank  int
	senders  []Sender
	dedup    map[string]time.Time // dedupKey → lastSent
	dedupTTL time.Duration
	domains  func() []intel.TentacleScore
	metrics  *metrics.Metrics
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// Sender is an interface for alert delivery channels.
type Sender interface {
	Send(alert Alert) error
	Name() string
}

// NewManager creates a new alert manager.
func NewManager(cfg config.AlertsConfig, m *metrics.Metrics, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	minRank := intel.SeverityRank(intel.Severity(strings.ToLower(cfg.MinSeverity)))
	if minRank == 0 {
		minRank = intel.SeverityRank(intel.SeverityCritical)
	}

	mgr := &Manager{
		config:   cfg,
		minRank:  minRank,
		senders:  make([]Sender, 0),
		dedup:    make(map[string]time.Time),
		dedupTTL: 5 * time.Minute,
		metrics:  m,
		logger:   logger.With("component", "alert.Manager"),
	}

	// Register configured senders
	if cfg.Slack.WebhookURL != "" {
		mgr.senders = append(mgr.senders, NewSlackSender(cfg.Slack))
	}
	if cfg.Webhook.URL != "" {
		mgr.senders = append(mgr.senders, NewWebhookSender(cfg.Webhook))
	}

	return mgr
}

// AddSender registers an extra delivery channel.
func (m *Manager) AddSender(s Sender) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = append(m.senders, s)
}

// SetTentacleSource installs fn to fill in the hottest tentacles of each
// outgoing alert. fn runs on the delivery goroutine, never inside HandleDelta,
// so it may read the brain.
func (m *Manager) SetTentacleSource(fn func() []intel.TentacleScore) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains = fn
}

// HandleDelta turns security events at or above the configured severity
// into alerts. It returns immediately; delivery is asynchronous.
func (m *Manager) HandleDelta(d intel.Delta) {
	if d.Type != intel.DeltaSecurityEvent {
		return
	}
	ev, ok := d.Payload.(intel.SecurityEvent)
	if !ok || intel.SeverityRank(ev.Severity) < m.minRank {
		return
	}
	m.Send(FromEvent(ev))
}

// FromEvent builds the alert for a security event.
func FromEvent(ev intel.SecurityEvent) Alert {
	title := strings.ReplaceAll(string(ev.Type), "_", " ")
	if ev.AgentName != "" {
		title += ": " + ev.AgentName
	}
	return Alert{
		Type:        string(ev.Type),
		Severity:    string(ev.Severity),
		Title:       title,
		Message:     ev.Description,
		AgentID:     ev.AgentID,
		AgentName:   ev.AgentName,
		ThreatScore: ev.ThreatScore,
		RiskLevel:   string(riskForAlert(string(ev.Severity), ev.ThreatScore)),
		EventID:     ev.ID,
		Timestamp:   ev.Timestamp,
	}
}

// Send dispatches an alert to all configured channels unless an alert with
// the same type and agent went out within the dedup window. It reports
// whether the alert was dispatched.
func (m *Manager) Send(alert Alert) bool {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}

	dedupKey := alert.Type + "|" + alert.AgentID
	m.mu.Lock()
	if lastSent, ok := m.dedup[dedupKey]; ok && time.Since(lastSent) < m.dedupTTL {
		m.mu.Unlock()
		m.logger.Debug("alert deduplicated", "type", alert.Type, "key", dedupKey)
		return false
	}
	m.dedup[dedupKey] = time.Now()
	senders := append([]Sender(nil), m.senders...)
	domains := m.domains
	m.mu.Unlock()

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		if domains != nil && len(alert.Tentacles) == 0 {
			alert.Tentacles = hottest(domains(), hotTentacles)
		}
		for _, sender := range senders {
			m.inflight.Add(1)
			go m.deliver(sender, alert)
		}
	}()
	return true
}

func (m *Manager) deliver(s Sender, alert Alert) {
	defer m.inflight.Done()
	err := s.Send(alert)
	m.metrics.AlertDispatched(s.Name(), err)
	if err != nil {
		m.logger.Error("failed to send alert",
			"sender", s.Name(),
			"type", alert.Type,
			"agent_id", alert.AgentID,
			"risk_level", alert.RiskLevel,
			"error", err,
		)
	}
}

// Wait blocks until every dispatched alert has been delivered or failed.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// PruneDedup removes old dedup entries. Call periodically.
func (m *Manager) PruneDedup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, ts := range m.dedup {
		if now.Sub(ts) > m.dedupTTL*2 {
			delete(m.dedup, key)
		}
	}
}

// HasSenders returns true if any alert channels are configured.
func (m *Manager) HasSenders() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.senders) > 0
}
