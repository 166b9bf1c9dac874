package intel

import (
	"encoding/json"
	"net"
	"sort"
	"strings"
	"time"
)

// AgentStatus is the liveness/quarantine state of an agent.
type AgentStatus string

const (
	StatusDiscovered  AgentStatus = "discovered"
	StatusActive      AgentStatus = "active"
	StatusStale       AgentStatus = "stale"
	StatusQuarantined AgentStatus = "quarantined"
)

// RiskLevel is the coarse label derived from a threat score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor maps a score onto the four-step risk scale.
func RiskLevelFor(score int) RiskLevel {
	switch {
	case score >= 75:
		return RiskCritical
	case score >= 50:
		return RiskHigh
	case score >= 25:
		return RiskMedium
	default:
		return RiskLow
	}
}

// Skill is one entry of a manifest's skills list.
type Skill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Authentication is the manifest's declared access requirement.
type Authentication struct {
	Schemes  []string `json:"schemes,omitempty"`
	Required *bool    `json:"required,omitempty"`
}

// AllowsAnonymous reports whether the agent accepts unauthenticated requests.
func (a Authentication) AllowsAnonymous() bool {
	if a.Required != nil && !*a.Required {
		return true
	}
	for _, s := range a.Schemes {
		if strings.EqualFold(s, "none") {
			return true
		}
	}
	return false
}

// Manifest is the self-declared agent card served at the well-known path.
// Valid is false when the fetched document did not have the expected shape;
// such manifests still register an agent and are scored as unparseable.
type Manifest struct {
	ID             string         `json:"id,omitempty"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	URL            string         `json:"url,omitempty"`
	Version        string         `json:"version,omitempty"`
	Role           string         `json:"role,omitempty"`
	Capabilities   Capabilities   `json:"capabilities,omitempty"`
	Skills         []Skill        `json:"skills,omitempty"`
	Authentication Authentication `json:"authentication,omitempty"`
	Valid          bool           `json:"-"`
}

// Capabilities accepts either a JSON list of names or an object of
// name → bool (true entries count). Map keys are sorted so the result is
// deterministic.
type Capabilities []string

func (c *Capabilities) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		*c = list
		return nil
	}
	var flags map[string]bool
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	out := make([]string, 0, len(flags))
	for name, on := range flags {
		if on {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	*c = out
	return nil
}

// ParseManifest decodes a manifest document. It never fails: a body that is
// not a JSON object with a name returns a manifest with Valid=false.
func ParseManifest(data []byte) Manifest {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}
	}
	m.Valid = strings.TrimSpace(m.Name) != ""
	return m
}

// NormalizeCapability lowercases a capability and maps separators to '_'
// so that "Credential-Harvest" and "credential_harvest" compare equal.
func NormalizeCapability(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == ' ' || r == '.':
			b.WriteByte('_')
		}
	}
	return b.String()
}

// NormalizeCapabilities normalizes and de-duplicates a capability list while
// preserving declared order.
func NormalizeCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	seen := make(map[string]bool, len(caps))
	for _, c := range caps {
		n := NormalizeCapability(c)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// DeriveAgentID returns the manifest id, or agent_<port> for the address the
// manifest was fetched from.
func DeriveAgentID(m Manifest, addr string) string {
	if id := strings.TrimSpace(m.ID); id != "" {
		return id
	}
	host := strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if _, port, err := net.SplitHostPort(host); err == nil && port != "" {
		return "agent_" + port
	}
	return "agent_" + host
}

// FindingKind classifies a scoring finding into the list it is reported in.
type FindingKind string

const (
	KindRiskFactor    FindingKind = "risk_factor"
	KindRedFlag       FindingKind = "red_flag"
	KindSecurityAlert FindingKind = "security_alert"
)

// Finding is one piece of scoring evidence.
type Finding struct {
	Rule      string      `json:"rule"`
	Kind      FindingKind `json:"kind"`
	Message   string      `json:"message"`
	Weight    int         `json:"weight"`
	Tentacles []string    `json:"tentacles,omitempty"`
	Reference string      `json:"reference,omitempty"`
}

// ThreatAnalysis is the scoring result for one agent. It is replaced as a
// whole on every re-score. SecurityAlerts holds every finding in rule order;
// RiskFactors and RedFlags repeat the messages of the findings of that kind.
type ThreatAnalysis struct {
	ThreatScore    int       `json:"threat_score"`
	IsMalicious    bool      `json:"is_malicious"`
	RiskLevel      RiskLevel `json:"risk_level"`
	HardTrigger    bool      `json:"hard_trigger,omitempty"`
	SecurityAlerts []Finding `json:"security_alerts"`
	RiskFactors    []string  `json:"risk_factors"`
	RedFlags       []string  `json:"red_flags"`
	Failed         bool      `json:"failed,omitempty"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Clone returns a deep copy.
func (t ThreatAnalysis) Clone() ThreatAnalysis {
	out := t
	out.SecurityAlerts = cloneFindings(t.SecurityAlerts)
	out.RiskFactors = cloneStrings(t.RiskFactors)
	out.RedFlags = cloneStrings(t.RedFlags)
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	return append(make([]string, 0, len(in)), in...)
}

func cloneFindings(in []Finding) []Finding {
	if in == nil {
		return nil
	}
	out := make([]Finding, len(in))
	for i, f := range in {
		f.Tentacles = cloneStrings(f.Tentacles)
		out[i] = f
	}
	return out
}

// AgentRecord is the registry entry for one agent.
type AgentRecord struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Address        string         `json:"address"`
	URL            string         `json:"url,omitempty"`
	Version        string         `json:"version,omitempty"`
	Role           string         `json:"role,omitempty"`
	Capabilities   []string       `json:"capabilities"`
	Skills         []Skill        `json:"skills,omitempty"`
	Authentication Authentication `json:"authentication,omitempty"`
	ManifestValid  bool           `json:"manifest_valid"`
	FirstSeen      time.Time      `json:"first_seen"`
	LastSeen       time.Time      `json:"last_seen"`
	Status         AgentStatus    `json:"status"`
	Threat         ThreatAnalysis `json:"threat_analysis"`
}

// Manifest rebuilds the manifest the record was merged from.
func (a AgentRecord) Manifest() Manifest {
	return Manifest{
		ID:             a.ID,
		Name:           a.Name,
		Description:    a.Description,
		URL:            a.URL,
		Version:        a.Version,
		Role:           a.Role,
		Capabilities:   Capabilities(cloneStrings(a.Capabilities)),
		Skills:         cloneSkills(a.Skills),
		Authentication: a.Authentication,
		Valid:          a.ManifestValid,
	}
}

// Clone returns a deep copy.
func (a AgentRecord) Clone() AgentRecord {
	out := a
	out.Capabilities = cloneStrings(a.Capabilities)
	out.Skills = cloneSkills(a.Skills)
	out.Authentication.Schemes = cloneStrings(a.Authentication.Schemes)
	out.Threat = a.Threat.Clone()
	return out
}

func cloneSkills(in []Skill) []Skill {
	if in == nil {
		return nil
	}
	out := make([]Skill, len(in))
	for i, s := range in {
		s.Tags = cloneStrings(s.Tags)
		out[i] = s
	}
	return out
}

// CommStatus is the outcome of an intercepted exchange.
type CommStatus string

const (
	CommSuccess CommStatus = "success"
	CommError   CommStatus = "error"
)

// SizeClass buckets payload sizes so records carry no raw payloads.
type SizeClass string

const (
	SizeSmall  SizeClass = "small"
	SizeMedium SizeClass = "medium"
	SizeLarge  SizeClass = "large"
)

// SizeClassFor buckets n bytes: < 1 KiB small, < 64 KiB medium, else large.
func SizeClassFor(n int64) SizeClass {
	switch {
	case n < 1<<10:
		return SizeSmall
	case n < 64<<10:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// CommunicationRecord is one observed request/response exchange. Records are
// immutable once appended.
type CommunicationRecord struct {
	ID         string     `json:"id"`
	SourceID   string     `json:"source_id"`
	TargetID   string     `json:"target_id"`
	Method     string     `json:"method"`
	Capability string     `json:"capability,omitempty"`
	Status     CommStatus `json:"status"`
	SizeClass  SizeClass  `json:"size_class"`
	LatencyMs  int64      `json:"latency_ms"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EventType enumerates security event kinds.
type EventType string

const (
	EventAgentDiscovered          EventType = "agent_discovered"
	EventAgentUpdated             EventType = "agent_updated"
	EventMaliciousAgentDetected   EventType = "malicious_agent_detected"
	EventCommunicationIntercepted EventType = "communication_intercepted"
	EventAgentStale               EventType = "agent_stale"
	EventAgentQuarantined         EventType = "agent_quarantined"
	EventQuarantineReset          EventType = "quarantine_reset"
	EventScoringError             EventType = "scoring_error"
	EventIdentityConflict         EventType = "identity_conflict"
	EventThreatsCleared           EventType = "threats_cleared"
)

// Severity of a security event.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityInfo     Severity = "info"
)

// SeverityRank orders severities for threshold comparisons.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

// SecurityEvent is an immutable entry in the event log.
type SecurityEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	Description string    `json:"description"`
	AgentID     string    `json:"agent_id,omitempty"`
	AgentName   string    `json:"agent_name,omitempty"`
	ThreatScore int       `json:"threat_score,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Trend of a tentacle score relative to its previous value.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// TentacleScore is one of the eight domain entries.
type TentacleScore struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
	Trend Trend  `json:"trend"`
}

// Tentacle identifies a fixed security domain.
type Tentacle struct {
	ID   string
	Name string
}

// Tentacles lists the eight domains in their fixed order.
var Tentacles = [8]Tentacle{
	{"T1", "Identity & Access"},
	{"T2", "Data Protection"},
	{"T3", "Behavioral Intelligence"},
	{"T4", "Operational Resilience"},
	{"T5", "Supply Chain Security"},
	{"T6", "Compliance & Governance"},
	{"T7", "Communication Integrity"},
	{"T8", "Threat Intelligence"},
}

// TentacleIndex returns the position of id in Tentacles, or -1.
func TentacleIndex(id string) int {
	for i, t := range Tentacles {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// CriticalAlert describes the highest-scoring quarantined agent.
type CriticalAlert struct {
	AgentID        string    `json:"agent_id"`
	AgentName      string    `json:"agent_name"`
	ThreatScore    int       `json:"threat_score"`
	RiskLevel      RiskLevel `json:"risk_level"`
	SecurityAlerts []Finding `json:"security_alerts"`
	Since          time.Time `json:"since"`
}

// Counters are the traffic aggregates in a snapshot.
type Counters struct {
	ActiveConnections   int     `json:"active_connections"`
	MessagesIntercepted int64   `json:"messages_intercepted"`
	AvgResponseTimeMs   float64 `json:"avg_response_time_ms"`
}

// Stats are population aggregates in a snapshot.
type Stats struct {
	TotalAgents     int     `json:"total_agents"`
	MaliciousAgents int     `json:"malicious_agents"`
	TotalEvents     int     `json:"total_events"`
	AvgThreatScore  float64 `json:"avg_threat_score"`
}

// Snapshot is a consistent, point-in-time copy of the aggregate state.
type Snapshot struct {
	Agents         map[string]AgentRecord `json:"agents"`
	SecurityEvents []SecurityEvent        `json:"security_events"`
	TentacleScores []TentacleScore        `json:"tentacle_scores"`
	CriticalAlert  *CriticalAlert         `json:"critical_alert"`
	Counters       Counters               `json:"counters"`
	ThreatLevel    RiskLevel              `json:"threat_level"`
	OverallScore   int                    `json:"overall_score"`
	Stats          Stats                  `json:"stats"`
	Degraded       bool                   `json:"degraded"`
	Health         map[string]string      `json:"health,omitempty"`
	Version        uint64                 `json:"version"`
	GeneratedAt    time.Time              `json:"generated_at"`
}

// DeltaType names a push-channel message kind.
type DeltaType string

const (
	DeltaAgentDiscovered  DeltaType = "agent_discovered"
	DeltaAgentUpdated     DeltaType = "agent_updated"
	DeltaSecurityEvent    DeltaType = "security_event"
	DeltaDashboardRefresh DeltaType = "dashboard_refresh"
	DeltaSnapshot         DeltaType = "snapshot"
	DeltaResyncRequired   DeltaType = "resync_required"
)

// AgentChange is the payload of agent_discovered and agent_updated deltas.
// It carries the aggregates the change affected so a subscriber never needs
// to recompute them.
type AgentChange struct {
	Agent          AgentRecord     `json:"agent"`
	TentacleScores []TentacleScore `json:"tentacle_scores"`
	CriticalAlert  *CriticalAlert  `json:"critical_alert"`
}

// Delta is one change notification. Version increases by one per state
// change so subscribers can discard deltas already covered by a snapshot.
type Delta struct {
	Type      DeltaType `json:"type"`
	Payload   any       `json:"payload"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}
