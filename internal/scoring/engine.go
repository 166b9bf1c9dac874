package scoring

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/inktrace/inktrace/internal/config"
	"github.com/inktrace/inktrace/internal/intel"
)

// Input is everything a score depends on. Now is part of the input so that
// identical inputs always produce identical analyses.
type Input struct {
	AgentID        string
	Manifest       intel.Manifest
	Capabilities   []string // declared capabilities; normalized before use
	Communications []intel.CommunicationRecord
	Now            time.Time
}

// Engine evaluates the rule pipeline. It holds no per-agent state; the
// configuration can be swapped at runtime with Reconfigure.
type Engine struct {
	mu     sync.RWMutex
	rs     *ruleset
	cel    *CELEvaluator
	logger *slog.Logger
}

// ruleset is an immutable, pre-processed view of a ScoringConfig.
type ruleset struct {
	cfg        config.ScoringConfig
	dangerous  map[string]int
	hard       map[string]bool
	names      []string
	words      []string
	tags       map[string]bool
	governance map[string]config.GovernanceTagConfig
	custom     []customRule
	table      *PolicyTable
}

type customRule struct {
	cfg       config.CustomRuleConfig
	compiled  CompiledRule
	kind      intel.FindingKind
	tentacles []string
}

// NewEngine compiles cfg into a ready engine. table may be nil.
func NewEngine(cfg config.ScoringConfig, table *PolicyTable, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	celEval, err := NewCELEvaluator(logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cel:    celEval,
		logger: logger.With("component", "scoring.Engine"),
	}
	rs, err := e.compile(cfg, table)
	if err != nil {
		return nil, err
	}
	e.rs = rs
	return e, nil
}

// Reconfigure swaps in new weights, rules and policy table. On error the
// current configuration stays active.
func (e *Engine) Reconfigure(cfg config.ScoringConfig, table *PolicyTable) error {
	rs, err := e.compile(cfg, table)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.rs = rs
	e.mu.Unlock()
	e.logger.Info("scoring configuration applied",
		"critical_threshold", cfg.CriticalThreshold,
		"custom_rules", len(rs.custom),
		"policy_refs", table.Len(),
	)
	return nil
}

// CriticalThreshold is the score at or above which an agent is malicious.
func (e *Engine) CriticalThreshold() int {
	return e.current().cfg.CriticalThreshold
}

// WarningThreshold is the score at or above which an agent is flagged HIGH.
func (e *Engine) WarningThreshold() int {
	return e.current().cfg.WarningThreshold
}

func (e *Engine) current() *ruleset {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rs
}

func (e *Engine) compile(cfg config.ScoringConfig, table *PolicyTable) (*ruleset, error) {
	rs := &ruleset{
		cfg:        cfg,
		dangerous:  make(map[string]int, len(cfg.DangerousCapabilities)),
		hard:       make(map[string]bool, len(cfg.HardTriggerCapabilities)),
		tags:       make(map[string]bool, len(cfg.DangerousTags)),
		governance: make(map[string]config.GovernanceTagConfig, len(cfg.Governance)),
		table:      table,
	}
	for c, w := range cfg.DangerousCapabilities {
		rs.dangerous[intel.NormalizeCapability(c)] = w
	}
	for _, c := range cfg.HardTriggerCapabilities {
		n := intel.NormalizeCapability(c)
		rs.hard[n] = true
		// A hard trigger must match even when no weight was configured.
		if _, ok := rs.dangerous[n]; !ok {
			rs.dangerous[n] = 0
		}
	}
	for _, n := range cfg.SuspiciousNames {
		rs.names = append(rs.names, strings.ToLower(n))
	}
	for _, w := range cfg.SuspiciousWords {
		rs.words = append(rs.words, strings.ToLower(w))
	}
	for _, t := range cfg.DangerousTags {
		rs.tags[strings.ToLower(t)] = true
	}
	for _, g := range cfg.Governance {
		rs.governance[intel.NormalizeCapability(g.Tag)] = g
	}

	var errs []error
	for _, rc := range cfg.Rules {
		compiled, err := e.cel.CompileExpression(rc.Condition)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %q: %w", rc.ID, err))
			continue
		}
		kind := intel.KindSecurityAlert
		switch rc.Category {
		case "red_flag":
			kind = intel.KindRedFlag
		case "risk_factor":
			kind = intel.KindRiskFactor
		}
		tentacles := rc.Tentacles
		if len(tentacles) == 0 {
			tentacles = []string{"T8"}
		}
		for _, t := range tentacles {
			if intel.TentacleIndex(t) < 0 {
				errs = append(errs, fmt.Errorf("rule %q: unknown tentacle %q", rc.ID, t))
			}
		}
		rs.custom = append(rs.custom, customRule{cfg: rc, compiled: compiled, kind: kind, tentacles: tentacles})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid scoring rules: %w", err)
	}
	return rs, nil
}

// Score runs every rule in order and folds the findings into an analysis.
// It never panics: a failure inside a rule yields an analysis with Failed set.
func (e *Engine) Score(in Input) (out intel.ThreatAnalysis) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("scoring panicked", "agent_id", in.AgentID, "panic", r)
			out = intel.ThreatAnalysis{
				Failed:        true,
				FailureReason: fmt.Sprintf("scoring panicked: %v", r),
				ComputedAt:    in.Now,
			}
		}
	}()

	rs := e.current()
	in.Capabilities = intel.NormalizeCapabilities(in.Capabilities)
	ts := summarize(in.AgentID, in.Communications, rs.cfg.Velocity.Window, in.Now)

	ev := &evaluation{}
	for _, r := range pipeline {
		r(rs, &in, &ts, ev)
	}
	e.evalCustom(rs, &in, &ts, ev)

	return assemble(rs, ev, in.Now)
}

func (e *Engine) evalCustom(rs *ruleset, in *Input, ts *trafficSummary, ev *evaluation) {
	if len(rs.custom) == 0 {
		return
	}
	ctx := RuleContext{
		AgentID:        in.AgentID,
		Name:           in.Manifest.Name,
		Description:    in.Manifest.Description,
		Version:        in.Manifest.Version,
		Role:           in.Manifest.Role,
		Capabilities:   in.Capabilities,
		Anonymous:      in.Manifest.Authentication.AllowsAnonymous(),
		Valid:          in.Manifest.Valid,
		CommsTotal:     ts.total,
		CommsErrors:    ts.errors,
		CommsPerMinute: ts.perMinute,
	}
	for _, s := range in.Manifest.Skills {
		ctx.Tags = append(ctx.Tags, s.Tags...)
	}

	for _, cr := range rs.custom {
		matched, err := e.cel.Evaluate(cr.compiled, ctx)
		if err != nil {
			e.logger.Warn("custom rule evaluation failed", "rule", cr.cfg.ID, "agent_id", in.AgentID, "error", err)
			continue
		}
		if !matched {
			continue
		}
		msg := cr.cfg.Message
		if msg == "" {
			msg = "Custom rule " + cr.cfg.ID + " matched"
		}
		if cr.cfg.HardTrigger {
			ev.hard = true
		}
		ev.add(cr.cfg.ID, cr.kind, cr.cfg.Weight, cr.tentacles, "%s", msg)
	}
}

func assemble(rs *ruleset, ev *evaluation, now time.Time) intel.ThreatAnalysis {
	out := intel.ThreatAnalysis{
		SecurityAlerts: []intel.Finding{},
		RiskFactors:    []string{},
		RedFlags:       []string{},
		HardTrigger:    ev.hard,
		ComputedAt:     now,
	}
	score := 0
	for _, f := range ev.findings {
		if ref, ok := rs.table.Lookup(f.Rule); ok {
			f.Reference = ref
		}
		score += f.Weight
		out.SecurityAlerts = append(out.SecurityAlerts, f)
		switch f.Kind {
		case intel.KindRiskFactor:
			out.RiskFactors = append(out.RiskFactors, f.Message)
		case intel.KindRedFlag:
			out.RedFlags = append(out.RedFlags, f.Message)
		}
	}
	if score < 0 {
		score = 0
	}
	out.ThreatScore = score
	out.IsMalicious = score >= rs.cfg.CriticalThreshold || ev.hard
	out.RiskLevel = intel.RiskLevelFor(score)
	return out
}
