package config

import (
	"time"
)

// Config is the top-level Inktrace configuration.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Discovery   DiscoveryConfig `yaml:"discovery"`
	Registry    RegistryConfig  `yaml:"registry"`
	Scoring     ScoringConfig   `yaml:"scoring"`
	Tentacles   TentacleConfig  `yaml:"tentacles"`
	Wiretap     WiretapConfig   `yaml:"wiretap"`
	Broadcast   BroadcastConfig `yaml:"broadcast"`
	Alerts      AlertsConfig    `yaml:"alerts"`
	Archive     ArchiveConfig   `yaml:"archive"`
	PolicyTable string          `yaml:"policy_table"` // path to finding-id → reference YAML
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	CORS     bool   `yaml:"cors"`
}

// DiscoveryConfig controls the manifest polling loop.
type DiscoveryConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	ManifestPath     string        `yaml:"manifest_path"`
	Endpoints        []string      `yaml:"endpoints"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures before unreachable
	Concurrency      int           `yaml:"concurrency"`
	LearnFromTraffic bool          `yaml:"learn_from_traffic"`
	Backoff          BackoffConfig `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// RegistryConfig sizes the central registry and its sweeps.
type RegistryConfig struct {
	StaleTimeout            time.Duration `yaml:"stale_timeout"`
	SweepInterval           time.Duration `yaml:"sweep_interval"`
	EventLogSize            int           `yaml:"event_log_size"`
	CommunicationBufferSize int           `yaml:"communication_buffer_size"`
	SnapshotEvents          int           `yaml:"snapshot_events"`
	RescoreWorkers          int           `yaml:"rescore_workers"`
}

// ScoringConfig holds the heuristic weights. Every numeric value is tunable;
// the defaults reproduce the demo tuning the dashboard was built against.
type ScoringConfig struct {
	CriticalThreshold int `yaml:"critical_threshold"`
	WarningThreshold  int `yaml:"warning_threshold"`

	DangerousCapabilities   map[string]int `yaml:"dangerous_capabilities"` // capability → weight
	HardTriggerCapabilities []string       `yaml:"hard_trigger_capabilities"`

	SuspiciousNames   []string `yaml:"suspicious_names"`
	NameWeight        int      `yaml:"name_weight"`
	SuspiciousWords   []string `yaml:"suspicious_words"` // descriptions and skill text
	DescriptionWeight int      `yaml:"description_weight"`
	SkillWeight       int      `yaml:"skill_weight"`
	DangerousTags     []string `yaml:"dangerous_tags"`
	TagWeight         int      `yaml:"tag_weight"`

	AnonymousAccessWeight int `yaml:"anonymous_access_weight"`
	UnparseableWeight     int `yaml:"unparseable_weight"`

	Governance []GovernanceTagConfig `yaml:"governance"`

	Velocity VelocityConfig     `yaml:"velocity"`
	Mismatch MismatchConfig     `yaml:"mismatch"`
	Rules    []CustomRuleConfig `yaml:"rules"`
}

// GovernanceTagConfig maps a skill tag onto a compliance finding id that the
// policy table resolves to a reference.
type GovernanceTagConfig struct {
	Tag     string `yaml:"tag"`
	Finding string `yaml:"finding"`
	Weight  int    `yaml:"weight"`
}

// VelocityConfig flags agents whose message rate exceeds PerMinute.
type VelocityConfig struct {
	Enabled   bool          `yaml:"enabled"`
	PerMinute int           `yaml:"per_minute"`
	Window    time.Duration `yaml:"window"`
	Weight    int           `yaml:"weight"`
}

// MismatchConfig compares declared capabilities with the ones observed on the wire.
type MismatchConfig struct {
	Enabled          bool `yaml:"enabled"`
	MinObservations  int  `yaml:"min_observations"`
	UndeclaredWeight int  `yaml:"undeclared_weight"`
	UnusedWeight     int  `yaml:"unused_weight"`
}

// CustomRuleConfig is an operator-defined CEL rule appended after the
// built-in rules.
type CustomRuleConfig struct {
	ID          string   `yaml:"id"`
	Condition   string   `yaml:"condition"`
	Weight      int      `yaml:"weight"`
	Message     string   `yaml:"message"`
	Category    string   `yaml:"category"` // red_flag, risk_factor, alert
	HardTrigger bool     `yaml:"hard_trigger"`
	Tentacles   []string `yaml:"tentacles"`
}

// TentacleConfig weights each security domain when folding findings into
// the domain matrix. Missing ids default to 1.0.
type TentacleConfig struct {
	Weights map[string]float64 `yaml:"weights"`
	Floor   int                `yaml:"floor"`
}

// WiretapConfig controls the interception relay.
type WiretapConfig struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Timeout   time.Duration     `yaml:"timeout"`
	Upstreams map[string]string `yaml:"upstreams"` // agent id → host:port
	QueueSize int               `yaml:"queue_size"`
	// AllowLiteralTargets lets callers name an arbitrary host:port as the
	// relay target. Off, only registered agents and upstreams are reachable.
	AllowLiteralTargets bool `yaml:"allow_literal_targets"`
}

// BroadcastConfig bounds the per-subscriber push queues.
type BroadcastConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PingInterval time.Duration `yaml:"ping_interval"`
}

type AlertsConfig struct {
	MinSeverity string             `yaml:"min_severity"`
	Slack       SlackAlertConfig   `yaml:"slack"`
	Webhook     WebhookAlertConfig `yaml:"webhook"`
}

type SlackAlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type WebhookAlertConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// ArchiveConfig enables the SQLite hand-off sink.
type ArchiveConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// DefaultConfig returns a config with sensible defaults for zero-config startup.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     8003,
			LogLevel: "info",
		},
		Discovery: DiscoveryConfig{
			Enabled:          true,
			Interval:         3 * time.Second,
			Timeout:          5 * time.Second,
			ManifestPath:     "/.well-known/agent.json",
			Endpoints:        []string{"localhost:8001", "localhost:8002", "localhost:8006"},
			FailureThreshold: 3,
			Concurrency:      8,
			LearnFromTraffic: true,
			Backoff: BackoffConfig{
				Initial:    time.Second,
				Max:        time.Minute,
				Multiplier: 2,
			},
		},
		Registry: RegistryConfig{
			StaleTimeout:            30 * time.Second,
			SweepInterval:           5 * time.Second,
			EventLogSize:            500,
			CommunicationBufferSize: 1000,
			SnapshotEvents:          50,
			RescoreWorkers:          2,
		},
		Scoring: DefaultScoringConfig(),
		Tentacles: TentacleConfig{
			Floor: 0,
		},
		Wiretap: WiretapConfig{
			Enabled:   true,
			Port:      8090,
			Timeout:   30 * time.Second,
			QueueSize: 1024,
		},
		Broadcast: BroadcastConfig{
			QueueSize:    64,
			WriteTimeout: 5 * time.Second,
			PingInterval: 30 * time.Second,
		},
		Alerts: AlertsConfig{
			MinSeverity: "critical",
		},
		Archive: ArchiveConfig{
			Path:      "./inktrace.db",
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// DefaultScoringConfig returns the stock heuristic weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		CriticalThreshold: 70,
		WarningThreshold:  50,
		DangerousCapabilities: map[string]int{
			"credential_harvest":          40,
			"data_exfiltration":           30,
			"privilege_escalation":        25,
			"anonymous_access":            25,
			"administrative":              25,
			"data_portability":            25,
			"filesystem_raw":              25,
			"network_egress_unrestricted": 25,
		},
		HardTriggerCapabilities: []string{"credential_harvest", "data_exfiltration"},
		SuspiciousNames:         []string{"dataminer", "extractor", "harvester", "scraper", "exfiltrator"},
		NameWeight:              40,
		SuspiciousWords:         []string{"extract", "steal", "hack", "exploit", "bypass", "administrative"},
		DescriptionWeight:       15,
		SkillWeight:             20,
		DangerousTags:           []string{"hacking", "exploit", "administrative", "malware", "credential", "sudo", "admin", "bypass", "steal", "backdoor"},
		TagWeight:               15,
		AnonymousAccessWeight:   10,
		UnparseableWeight:       30,
		Governance: []GovernanceTagConfig{
			{Tag: "disclosure_optimized", Finding: "G6", Weight: 25},
			{Tag: "audit_streamlined", Finding: "G9", Weight: 25},
			{Tag: "governance_autonomous", Finding: "G1", Weight: 30},
			{Tag: "deployment_accelerated", Finding: "G2", Weight: 25},
		},
		Velocity: VelocityConfig{
			Enabled:   true,
			PerMinute: 100,
			Window:    time.Minute,
			Weight:    20,
		},
		Mismatch: MismatchConfig{
			Enabled:          true,
			MinObservations:  5,
			UndeclaredWeight: 15,
			UnusedWeight:     5,
		},
	}
}
