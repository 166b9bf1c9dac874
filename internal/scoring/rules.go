package scoring

import (
	"fmt"
	"strings"

	"github.com/inktrace/inktrace/internal/intel"
)

// Finding identifiers. Custom rules use their configured id and governance
// findings use their configured code (G1, G6, ...).
const (
	RuleUnparseableManifest   = "unparseable_manifest"
	RuleDangerousCapability   = "dangerous_capability"
	RuleHardTrigger           = "hard_trigger_capability"
	RuleSuspiciousName        = "suspicious_name"
	RuleVolumeAnomaly         = "volume_anomaly"
	RuleUndeclaredCapability  = "undeclared_capability"
	RuleUnusedCapability      = "unused_capability"
	RuleSuspiciousDescription = "suspicious_description"
	RuleSuspiciousSkill       = "suspicious_skill"
	RuleDangerousTag          = "dangerous_tag"
	RuleAnonymousAccess       = "anonymous_access"
)

var capabilityTentacles = map[string][]string{
	"credential_harvest":          {"T1", "T2"},
	"data_exfiltration":           {"T2", "T7"},
	"privilege_escalation":        {"T1"},
	"anonymous_access":            {"T1"},
	"administrative":              {"T1", "T6"},
	"data_portability":            {"T2"},
	"filesystem_raw":              {"T2", "T4"},
	"network_egress_unrestricted": {"T7"},
}

// evaluation accumulates findings in the order rules emit them.
type evaluation struct {
	findings []intel.Finding
	hard     bool
}

func (ev *evaluation) add(rule string, kind intel.FindingKind, weight int, tentacles []string, format string, args ...any) {
	ev.findings = append(ev.findings, intel.Finding{
		Rule:      rule,
		Kind:      kind,
		Message:   fmt.Sprintf(format, args...),
		Weight:    weight,
		Tentacles: append([]string(nil), tentacles...),
	})
}

type rule func(rs *ruleset, in *Input, ts *trafficSummary, ev *evaluation)

// pipeline is the fixed evaluation order. Custom CEL rules run after it.
var pipeline = []rule{
	ruleUnparseable,
	ruleDangerousCapabilities,
	ruleSuspiciousName,
	ruleVolume,
	ruleMismatch,
	ruleDescription,
	ruleSkills,
	ruleDangerousTags,
	ruleAnonymousAccess,
	ruleGovernance,
}

func ruleUnparseable(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	if in.Manifest.Valid {
		return
	}
	ev.add(RuleUnparseableManifest, intel.KindSecurityAlert, rs.cfg.UnparseableWeight, []string{"T5"},
		"Manifest failed schema validation")
}

func ruleDangerousCapabilities(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	for _, c := range in.Capabilities {
		weight, ok := rs.dangerous[c]
		if !ok {
			continue
		}
		tentacles, ok := capabilityTentacles[c]
		if !ok {
			tentacles = []string{"T1", "T2"}
		}
		if rs.hard[c] {
			ev.hard = true
			ev.add(RuleHardTrigger, intel.KindRiskFactor, weight, append(append([]string(nil), tentacles...), "T8"),
				"Hard-trigger capability: %s", c)
			continue
		}
		ev.add(RuleDangerousCapability, intel.KindRiskFactor, weight, tentacles,
			"Dangerous capability: %s", c)
	}
}

func ruleSuspiciousName(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	name := strings.ToLower(in.Manifest.Name)
	id := strings.ToLower(in.AgentID)
	for _, word := range rs.names {
		if strings.Contains(name, word) || strings.Contains(id, word) {
			ev.add(RuleSuspiciousName, intel.KindRedFlag, rs.cfg.NameWeight, []string{"T3", "T8"},
				"Suspicious agent name %q matches %q", displayName(in), word)
		}
	}
}

func ruleVolume(rs *ruleset, _ *Input, ts *trafficSummary, ev *evaluation) {
	v := rs.cfg.Velocity
	if !v.Enabled || v.PerMinute <= 0 {
		return
	}
	if ts.perMinute <= float64(v.PerMinute) {
		return
	}
	ev.add(RuleVolumeAnomaly, intel.KindRiskFactor, v.Weight, []string{"T3", "T4", "T7"},
		"Volume anomaly: %.0f messages/min exceeds %d/min", ts.perMinute, v.PerMinute)
}

func ruleMismatch(rs *ruleset, in *Input, ts *trafficSummary, ev *evaluation) {
	m := rs.cfg.Mismatch
	if !m.Enabled || ts.observedCount < m.MinObservations || ts.observedCount == 0 {
		return
	}
	declared := make(map[string]bool, len(in.Capabilities))
	for _, c := range in.Capabilities {
		declared[c] = true
	}
	observed := make(map[string]bool, len(ts.observed))
	for _, c := range ts.observed {
		observed[c] = true
		if !declared[c] {
			ev.add(RuleUndeclaredCapability, intel.KindSecurityAlert, m.UndeclaredWeight, []string{"T5", "T7"},
				"Exercised undeclared capability: %s", c)
		}
	}
	for _, c := range in.Capabilities {
		if !observed[c] {
			ev.add(RuleUnusedCapability, intel.KindRedFlag, m.UnusedWeight, []string{"T5"},
				"Declared capability never exercised: %s", c)
		}
	}
}

func ruleDescription(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	hits := matchWords(in.Manifest.Description, rs.words)
	if len(hits) == 0 {
		return
	}
	ev.add(RuleSuspiciousDescription, intel.KindRedFlag, rs.cfg.DescriptionWeight, []string{"T3"},
		"Suspicious description keywords: %s", strings.Join(hits, ", "))
}

func ruleSkills(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	for _, s := range in.Manifest.Skills {
		hits := matchWords(s.Name+" "+s.Description, rs.words)
		if len(hits) == 0 {
			continue
		}
		ev.add(RuleSuspiciousSkill, intel.KindRedFlag, rs.cfg.SkillWeight, []string{"T3", "T8"},
			"Suspicious skill %q: %s", skillLabel(s), strings.Join(hits, ", "))
	}
}

func ruleDangerousTags(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	for _, s := range in.Manifest.Skills {
		for _, tag := range s.Tags {
			if !rs.tags[strings.ToLower(tag)] {
				continue
			}
			ev.add(RuleDangerousTag, intel.KindRiskFactor, rs.cfg.TagWeight, []string{"T5", "T8"},
				"Dangerous skill tag %q on %q", tag, skillLabel(s))
		}
	}
}

func ruleAnonymousAccess(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	if !in.Manifest.Authentication.AllowsAnonymous() {
		return
	}
	ev.add(RuleAnonymousAccess, intel.KindRiskFactor, rs.cfg.AnonymousAccessWeight, []string{"T1"},
		"Agent accepts anonymous access")
}

func ruleGovernance(rs *ruleset, in *Input, _ *trafficSummary, ev *evaluation) {
	fired := make(map[string]bool)
	for _, s := range in.Manifest.Skills {
		for _, tag := range s.Tags {
			g, ok := rs.governance[intel.NormalizeCapability(tag)]
			if !ok || fired[g.Finding] {
				continue
			}
			fired[g.Finding] = true
			ev.add(g.Finding, intel.KindSecurityAlert, g.Weight, []string{"T6"},
				"Governance finding %s: skill %q tagged %s", g.Finding, skillLabel(s), tag)
		}
	}
}

func matchWords(text string, words []string) []string {
	lower := strings.ToLower(text)
	var hits []string
	for _, w := range words {
		if strings.Contains(lower, w) {
			hits = append(hits, w)
		}
	}
	return hits
}

func displayName(in *Input) string {
	if in.Manifest.Name != "" {
		return in.Manifest.Name
	}
	return in.AgentID
}

func skillLabel(s intel.Skill) string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
