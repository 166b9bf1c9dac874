package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/inktrace/inktrace/internal/intel"
	"github.com/inktrace/inktrace/internal/metrics"
	"github.com/inktrace/inktrace/internal/scoring"
)

var (
	ErrUnknownAgent     = errors.New("unknown agent")
	ErrIdentityConflict = errors.New("agent id already registered at a different address")
)

// Scorer computes a threat analysis. *scoring.Engine satisfies it.
type Scorer interface {
	Score(in scoring.Input) intel.ThreatAnalysis
}

// Sink receives every appended event and communication. Implementations must
// not block; they are called outside the registry lock.
type Sink interface {
	RecordEvent(ev intel.SecurityEvent)
	RecordCommunication(c intel.CommunicationRecord)
}

// Options sizes the brain. Zero values fall back to defaults.
type Options struct {
	StaleTimeout    time.Duration
	EventLogSize    int
	CommBufferSize  int
	SnapshotEvents  int
	RescoreWorkers  int
	TentacleWeights map[string]float64
	TentacleFloor   int

	Sink    Sink
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func (o *Options) withDefaults() {
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 30 * time.Second
	}
	if o.EventLogSize <= 0 {
		o.EventLogSize = 500
	}
	if o.CommBufferSize <= 0 {
		o.CommBufferSize = 1000
	}
	if o.SnapshotEvents <= 0 {
		o.SnapshotEvents = 50
	}
	if o.RescoreWorkers <= 0 {
		o.RescoreWorkers = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Brain owns the agent registry, the security event log and the
// communication ring. All mutations go through its methods; a single mutex
// with short critical sections serializes writers. Scoring runs outside the
// lock and only the finished analysis is swapped in.
type Brain struct {
	opts   Options
	scorer Scorer
	logger *slog.Logger

	mu        sync.RWMutex
	agents    map[string]*entry
	events    *intel.Ring[intel.SecurityEvent]
	comms     *intel.Ring[intel.CommunicationRecord]
	tentacles []intel.TentacleScore
	version   uint64
	messages  int64
	latencyMs int64
	commSeq   uint64 // bumped on every recorded communication
	health    map[string]string

	// notifyMu is taken before mu is released so deltas reach subscribers
	// in version order.
	notifyMu sync.Mutex
	subMu    sync.RWMutex
	subs     map[int]func(intel.Delta)
	nextSub  int

	connSource func() int

	queue *rescoreQueue
	wg    sync.WaitGroup
}

type entry struct {
	rec           intel.AgentRecord
	manifestGen   uint64
	scoredSeq     uint64 // commSeq the current analysis was computed from
	quarantinedAt time.Time
}

// New creates a Brain. scorer is required.
func New(scorer Scorer, opts Options, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	opts.withDefaults()
	b := &Brain{
		opts:   opts,
		scorer: scorer,
		logger: logger.With("component", "brain.Brain"),
		agents: make(map[string]*entry),
		events: intel.NewRing[intel.SecurityEvent](opts.EventLogSize),
		comms:  intel.NewRing[intel.CommunicationRecord](opts.CommBufferSize),
		health: make(map[string]string),
		subs:   make(map[int]func(intel.Delta)),
		queue:  newRescoreQueue(),
	}
	b.tentacles = computeTentacles(nil, nil, opts.TentacleWeights, opts.TentacleFloor)
	return b
}

// Start launches the re-score workers and the staleness sweeper. They stop
// when ctx is cancelled; Wait blocks until in-flight re-scores have finished.
func (b *Brain) Start(ctx context.Context, sweepInterval time.Duration) {
	for i := 0; i < b.opts.RescoreWorkers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.rescoreWorker(ctx)
		}()
	}
	if sweepInterval > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.staleSweeper(ctx, sweepInterval)
		}()
	}
}

// Wait blocks until all goroutines started by Start have returned.
func (b *Brain) Wait() {
	b.wg.Wait()
}

func (b *Brain) staleSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ids := b.MarkStale(b.opts.StaleTimeout); len(ids) > 0 {
				b.logger.Info("agents marked stale", "count", len(ids), "agent_ids", ids)
			}
		}
	}
}

// Subscribe registers fn for every delta. fn is called synchronously in
// version order and must not block. The returned func unsubscribes.
func (b *Brain) Subscribe(fn func(intel.Delta)) (unsubscribe func()) {
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.subMu.Unlock()
	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// SetConnectionSource sets the function reporting active push connections.
func (b *Brain) SetConnectionSource(fn func() int) {
	b.mu.Lock()
	b.connSource = fn
	b.mu.Unlock()
}

// ─── Upsert ───

// UpsertAgent registers or refreshes the agent described by m, fetched from
// addr. It is idempotent: an identical manifest only refreshes last_seen.
// A manifest whose id is already registered at another live address is
// rejected with ErrIdentityConflict and the prior record is kept.
func (b *Brain) UpsertAgent(m intel.Manifest, addr string) (intel.AgentRecord, error) {
	id := intel.DeriveAgentID(m, addr)
	caps := intel.NormalizeCapabilities(m.Capabilities)

	for {
		b.mu.RLock()
		e := b.agents[id]
		var baseGen uint64
		needScore := true
		if e != nil {
			baseGen = e.manifestGen
			needScore = !sameManifest(e.rec, m, caps)
		}
		var comms []intel.CommunicationRecord
		seq := b.commSeq
		if needScore {
			comms = b.comms.Items()
		}
		b.mu.RUnlock()

		var ta intel.ThreatAnalysis
		if needScore {
			ta = b.score(id, m, caps, comms)
		}

		rec, retry, err := b.commitUpsert(id, m, caps, addr, baseGen, seq, needScore, ta)
		if !retry {
			return rec, err
		}
	}
}

func (b *Brain) commitUpsert(id string, m intel.Manifest, caps []string, addr string, baseGen, seq uint64, scored bool, ta intel.ThreatAnalysis) (rec intel.AgentRecord, retry bool, err error) {
	now := b.opts.Now()
	bt := &batch{}

	b.mu.Lock()
	e := b.agents[id]

	if e != nil && conflicts(e.rec, addr) {
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventIdentityConflict,
			Severity:    intel.SeverityHigh,
			Description: fmt.Sprintf("Agent id %s announced from %s but is registered at %s", id, addr, e.rec.Address),
			AgentID:     id,
			AgentName:   e.rec.Name,
		})
		rec = e.rec.Clone()
		b.flush(bt)
		b.logger.Warn("identity conflict, keeping prior record", "agent_id", id, "address", addr, "registered_address", rec.Address)
		return rec, false, fmt.Errorf("upsert %s from %s: %w", id, addr, ErrIdentityConflict)
	}

	if e == nil {
		if !scored {
			b.mu.Unlock()
			return intel.AgentRecord{}, true, nil
		}
		e = &entry{
			rec: intel.AgentRecord{
				ID:        id,
				Address:   addr,
				FirstSeen: now,
				LastSeen:  now,
				Status:    intel.StatusDiscovered,
			},
			manifestGen: 1,
		}
		mergeManifest(&e.rec, m, caps)
		b.agents[id] = e
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventAgentDiscovered,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("New agent discovered: %s at %s", displayName(e.rec), addr),
			AgentID:     id,
			AgentName:   e.rec.Name,
			ThreatScore: ta.ThreatScore,
		})
		if b.applyAnalysisLocked(bt, e, ta, true) {
			e.scoredSeq = seq
		}
		b.agentDeltaLocked(bt, intel.DeltaAgentDiscovered, e)
		rec = e.rec.Clone()
		b.flush(bt)
		b.logger.Info("agent registered", "agent_id", id, "address", addr, "threat_score", rec.Threat.ThreatScore)
		return rec, false, nil
	}

	changed := !sameManifest(e.rec, m, caps)
	if changed && (!scored || e.manifestGen != baseGen) {
		// Another writer changed the record since it was read; score again.
		b.mu.Unlock()
		return intel.AgentRecord{}, true, nil
	}

	visible := false
	if now.After(e.rec.LastSeen) {
		e.rec.LastSeen = now
	}
	if addr != "" && e.rec.Address != addr {
		e.rec.Address = addr
		visible = true
	}
	reactivated := false
	switch e.rec.Status {
	case intel.StatusStale:
		e.rec.Status = intel.StatusActive
		reactivated = true
		visible = true
	case intel.StatusDiscovered:
		e.rec.Status = intel.StatusActive
		visible = true
	}

	if changed {
		mergeManifest(&e.rec, m, caps)
		e.manifestGen++
		if b.applyAnalysisLocked(bt, e, ta, false) {
			e.scoredSeq = seq
		}
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventAgentUpdated,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("Agent manifest changed: %s", displayName(e.rec)),
			AgentID:     id,
			AgentName:   e.rec.Name,
			ThreatScore: e.rec.Threat.ThreatScore,
		})
		visible = true
	} else if reactivated {
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventAgentUpdated,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("Agent reachable again: %s", displayName(e.rec)),
			AgentID:     id,
			AgentName:   e.rec.Name,
			ThreatScore: e.rec.Threat.ThreatScore,
		})
	}

	if visible {
		b.agentDeltaLocked(bt, intel.DeltaAgentUpdated, e)
	}
	rec = e.rec.Clone()
	b.flush(bt)
	return rec, false, nil
}

func conflicts(existing intel.AgentRecord, addr string) bool {
	if addr == "" || existing.Address == "" || existing.Address == addr {
		return false
	}
	return existing.Status != intel.StatusStale
}

func sameManifest(rec intel.AgentRecord, m intel.Manifest, caps []string) bool {
	return rec.Name == m.Name &&
		rec.Description == m.Description &&
		rec.URL == m.URL &&
		rec.Version == m.Version &&
		rec.Role == m.Role &&
		rec.ManifestValid == m.Valid &&
		equalStrings(rec.Capabilities, caps) &&
		reflect.DeepEqual(normSkills(rec.Skills), normSkills(m.Skills)) &&
		equalStrings(rec.Authentication.Schemes, m.Authentication.Schemes) &&
		equalBoolPtr(rec.Authentication.Required, m.Authentication.Required)
}

func mergeManifest(rec *intel.AgentRecord, m intel.Manifest, caps []string) {
	rec.Name = m.Name
	rec.Description = m.Description
	rec.URL = m.URL
	rec.Version = m.Version
	rec.Role = m.Role
	rec.ManifestValid = m.Valid
	rec.Capabilities = append([]string{}, caps...)
	clone := intel.AgentRecord{Skills: m.Skills, Authentication: m.Authentication}.Clone()
	rec.Skills = clone.Skills
	rec.Authentication = clone.Authentication
}

func normSkills(s []intel.Skill) []intel.Skill {
	if len(s) == 0 {
		return nil
	}
	return s
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalBoolPtr(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// ─── Scoring ───

func (b *Brain) score(id string, m intel.Manifest, caps []string, comms []intel.CommunicationRecord) intel.ThreatAnalysis {
	start := time.Now()
	ta := b.scorer.Score(scoring.Input{
		AgentID:        id,
		Manifest:       m,
		Capabilities:   caps,
		Communications: comms,
		Now:            b.opts.Now(),
	})
	b.opts.Metrics.ObserveScore(time.Since(start), ta.Failed)
	return ta
}

// applyAnalysisLocked swaps in ta, or records a scoring_error and keeps the
// prior analysis when ta failed. Quarantine is entered when the agent turns
// malicious; it is left only by an operator reset.
func (b *Brain) applyAnalysisLocked(bt *batch, e *entry, ta intel.ThreatAnalysis, first bool) bool {
	if ta.Failed {
		if first {
			e.rec.Threat = intel.ThreatAnalysis{
				SecurityAlerts: []intel.Finding{},
				RiskFactors:    []string{},
				RedFlags:       []string{},
				RiskLevel:      intel.RiskLow,
				Failed:         true,
				FailureReason:  ta.FailureReason,
				ComputedAt:     ta.ComputedAt,
			}
		}
		b.health["scoring"] = ta.FailureReason
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventScoringError,
			Severity:    intel.SeverityHigh,
			Description: fmt.Sprintf("Scoring failed for %s: %s", displayName(e.rec), ta.FailureReason),
			AgentID:     e.rec.ID,
			AgentName:   e.rec.Name,
			ThreatScore: e.rec.Threat.ThreatScore,
		})
		return false
	}
	delete(b.health, "scoring")

	wasMalicious := !first && e.rec.Threat.IsMalicious && !e.rec.Threat.Failed
	e.rec.Threat = ta
	b.recomputeTentaclesLocked()

	if ta.IsMalicious && !wasMalicious && e.rec.Status != intel.StatusQuarantined {
		e.rec.Status = intel.StatusQuarantined
		e.quarantinedAt = b.opts.Now()
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventMaliciousAgentDetected,
			Severity:    intel.SeverityCritical,
			Description: fmt.Sprintf("Malicious agent detected: %s (threat score %d)", displayName(e.rec), ta.ThreatScore),
			AgentID:     e.rec.ID,
			AgentName:   e.rec.Name,
			ThreatScore: ta.ThreatScore,
		})
		b.logger.Warn("agent quarantined", "agent_id", e.rec.ID, "threat_score", ta.ThreatScore)
	}
	return true
}

// Rescore recomputes one agent's analysis from its current manifest and the
// retained communications. A result computed against a manifest that has
// since changed, or against older traffic than the analysis already in
// place, is discarded.
func (b *Brain) Rescore(id string) error {
	b.mu.RLock()
	e, ok := b.agents[id]
	if !ok {
		b.mu.RUnlock()
		return fmt.Errorf("rescore %s: %w", id, ErrUnknownAgent)
	}
	gen := e.manifestGen
	m := e.rec.Manifest()
	caps := append([]string(nil), e.rec.Capabilities...)
	prev := e.rec.Threat
	seq := b.commSeq
	comms := b.comms.Items()
	b.mu.RUnlock()

	ta := b.score(id, m, caps, comms)

	bt := &batch{}
	b.mu.Lock()
	e, ok = b.agents[id]
	if !ok || e.manifestGen != gen || seq < e.scoredSeq {
		b.mu.Unlock()
		return nil
	}
	if !ta.Failed && sameFindings(prev, ta) && sameFindings(e.rec.Threat, ta) {
		e.rec.Threat.ComputedAt = ta.ComputedAt
		e.scoredSeq = seq
		b.mu.Unlock()
		return nil
	}
	if b.applyAnalysisLocked(bt, e, ta, false) {
		e.scoredSeq = seq
		b.agentDeltaLocked(bt, intel.DeltaAgentUpdated, e)
	}
	b.flush(bt)
	return nil
}

func sameFindings(a, b intel.ThreatAnalysis) bool {
	return a.ThreatScore == b.ThreatScore &&
		a.IsMalicious == b.IsMalicious &&
		a.Failed == b.Failed &&
		reflect.DeepEqual(a.SecurityAlerts, b.SecurityAlerts)
}

func (b *Brain) rescoreWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.queue.signal:
		}
		for {
			id, ok := b.queue.pop()
			if !ok {
				break
			}
			err := b.Rescore(id)
			b.queue.done(id)
			if err != nil && !errors.Is(err, ErrUnknownAgent) {
				b.logger.Error("rescore failed", "agent_id", id, "error", err)
			}
		}
	}
}

// ─── Communications ───

// RecordCommunication appends c to the ring, refreshes both endpoints'
// last_seen and schedules an asynchronous re-score of both. It never waits
// for scoring. Timestamps ahead of the clock are pulled back to now so a
// skewed reporter cannot hold an agent out of the stale sweep.
func (b *Brain) RecordCommunication(c intel.CommunicationRecord) {
	now := b.opts.Now()
	if c.ID == "" {
		c.ID = ulid.Make().String()
	}
	if c.Timestamp.IsZero() || c.Timestamp.After(now) {
		c.Timestamp = now
	}
	if c.LatencyMs < 0 {
		c.LatencyMs = 0
	}
	if c.Status == "" {
		c.Status = intel.CommSuccess
	}
	if c.SizeClass == "" {
		c.SizeClass = intel.SizeSmall
	}

	bt := &batch{comms: []intel.CommunicationRecord{c}}
	var rescore []string

	b.mu.Lock()
	b.comms.Push(c)
	b.commSeq++
	b.messages++
	b.latencyMs += c.LatencyMs

	var malicious *entry
	for _, id := range []string{c.SourceID, c.TargetID} {
		e, ok := b.agents[id]
		if !ok {
			continue
		}
		if c.Timestamp.After(e.rec.LastSeen) {
			e.rec.LastSeen = c.Timestamp
		}
		if e.rec.Status == intel.StatusStale || e.rec.Status == intel.StatusDiscovered {
			e.rec.Status = intel.StatusActive
			b.agentDeltaLocked(bt, intel.DeltaAgentUpdated, e)
		}
		if e.rec.Threat.IsMalicious && malicious == nil {
			malicious = e
		}
		rescore = append(rescore, id)
	}
	if malicious != nil {
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:     intel.EventCommunicationIntercepted,
			Severity: intel.SeverityHigh,
			Description: fmt.Sprintf("Intercepted %s from %s to %s involving malicious agent %s",
				methodOrUnknown(c.Method), c.SourceID, c.TargetID, displayName(malicious.rec)),
			AgentID:     malicious.rec.ID,
			AgentName:   malicious.rec.Name,
			ThreatScore: malicious.rec.Threat.ThreatScore,
		})
	}
	b.flush(bt)

	for _, id := range rescore {
		b.queue.push(id)
	}
}

// Communications returns up to limit of the most recent records, newest last.
func (b *Brain) Communications(limit int) []intel.CommunicationRecord {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > b.comms.Len() {
		limit = b.comms.Len()
	}
	return b.comms.Last(limit)
}

// ─── Staleness ───

// MarkStale moves every agent not seen within timeout to stale and returns
// their ids, sorted. Quarantined agents keep their state.
func (b *Brain) MarkStale(timeout time.Duration) []string {
	now := b.opts.Now()
	bt := &batch{}
	var ids []string

	b.mu.Lock()
	for id, e := range b.agents {
		if e.rec.Status == intel.StatusStale || e.rec.Status == intel.StatusQuarantined {
			continue
		}
		if now.Sub(e.rec.LastSeen) <= timeout {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := b.agents[id]
		e.rec.Status = intel.StatusStale
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventAgentStale,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("Agent %s not seen for %s", displayName(e.rec), now.Sub(e.rec.LastSeen).Round(time.Second)),
			AgentID:     id,
			AgentName:   e.rec.Name,
			ThreatScore: e.rec.Threat.ThreatScore,
		})
		b.agentDeltaLocked(bt, intel.DeltaAgentUpdated, e)
	}
	b.flush(bt)
	return ids
}

// ─── Admin ───

// ClearEvents empties the security event log.
func (b *Brain) ClearEvents() {
	bt := &batch{}
	b.mu.Lock()
	b.events.Clear()
	b.refreshDeltaLocked(bt)
	b.flush(bt)
	b.logger.Info("security events cleared")
}

// ClearThreats returns every quarantined agent to active without re-scoring
// and reports how many were released.
func (b *Brain) ClearThreats() int {
	bt := &batch{}
	b.mu.Lock()
	n := 0
	for _, e := range b.agents {
		if e.rec.Status != intel.StatusQuarantined {
			continue
		}
		e.rec.Status = intel.StatusActive
		e.quarantinedAt = time.Time{}
		n++
	}
	if n > 0 {
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventThreatsCleared,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("Operator released %d quarantined agent(s)", n),
		})
	}
	b.refreshDeltaLocked(bt)
	b.flush(bt)
	b.logger.Info("threats cleared", "released", n)
	return n
}

// ResetQuarantine releases a single agent from quarantine.
func (b *Brain) ResetQuarantine(id string) (intel.AgentRecord, error) {
	bt := &batch{}
	b.mu.Lock()
	e, ok := b.agents[id]
	if !ok {
		b.mu.Unlock()
		return intel.AgentRecord{}, fmt.Errorf("reset %s: %w", id, ErrUnknownAgent)
	}
	if e.rec.Status == intel.StatusQuarantined {
		e.rec.Status = intel.StatusActive
		e.quarantinedAt = time.Time{}
		b.appendEventLocked(bt, intel.SecurityEvent{
			Type:        intel.EventQuarantineReset,
			Severity:    intel.SeverityInfo,
			Description: fmt.Sprintf("Operator released %s from quarantine", displayName(e.rec)),
			AgentID:     id,
			AgentName:   e.rec.Name,
			ThreatScore: e.rec.Threat.ThreatScore,
		})
		b.agentDeltaLocked(bt, intel.DeltaAgentUpdated, e)
	}
	rec := e.rec.Clone()
	b.flush(bt)
	return rec, nil
}

// ReportHealth records a subsystem's health. A non-nil err marks the
// snapshot degraded until the subsystem reports nil again.
func (b *Brain) ReportHealth(subsystem string, err error) {
	bt := &batch{}
	b.mu.Lock()
	prev, had := b.health[subsystem]
	switch {
	case err != nil && (!had || prev != err.Error()):
		b.health[subsystem] = err.Error()
		b.refreshDeltaLocked(bt)
	case err == nil && had:
		delete(b.health, subsystem)
		b.refreshDeltaLocked(bt)
	}
	b.flush(bt)
}

// ─── Reads ───

// Agent returns a copy of one record.
func (b *Brain) Agent(id string) (intel.AgentRecord, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	e, ok := b.agents[id]
	if !ok {
		return intel.AgentRecord{}, fmt.Errorf("agent %s: %w", id, ErrUnknownAgent)
	}
	return e.rec.Clone(), nil
}

// AgentAddresses returns the registered address for each agent id.
func (b *Brain) AgentAddresses() map[string]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.agents))
	for id, e := range b.agents {
		out[id] = e.rec.Address
	}
	return out
}

// Events returns up to limit of the most recent security events, newest last.
func (b *Brain) Events(limit int) []intel.SecurityEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if limit <= 0 || limit > b.events.Len() {
		limit = b.events.Len()
	}
	return b.events.Last(limit)
}

// Snapshot returns a consistent point-in-time copy of the aggregate state.
func (b *Brain) Snapshot() intel.Snapshot {
	b.mu.RLock()
	conn := b.connSource
	b.mu.RUnlock()
	active := 0
	if conn != nil {
		active = conn()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	s := b.snapshotLocked()
	s.Counters.ActiveConnections = active
	return s
}

func (b *Brain) snapshotLocked() intel.Snapshot {
	s := intel.Snapshot{
		Agents:         make(map[string]intel.AgentRecord, len(b.agents)),
		SecurityEvents: b.events.Last(b.opts.SnapshotEvents),
		TentacleScores: append([]intel.TentacleScore(nil), b.tentacles...),
		CriticalAlert:  b.criticalAlertLocked(),
		Counters: intel.Counters{
			MessagesIntercepted: b.messages,
		},
		Version:     b.version,
		GeneratedAt: b.opts.Now(),
	}
	if b.messages > 0 {
		s.Counters.AvgResponseTimeMs = float64(b.latencyMs) / float64(b.messages)
	}

	totalScore := 0
	for id, e := range b.agents {
		s.Agents[id] = e.rec.Clone()
		totalScore += e.rec.Threat.ThreatScore
		if e.rec.Threat.IsMalicious {
			s.Stats.MaliciousAgents++
		}
	}
	s.Stats.TotalAgents = len(b.agents)
	s.Stats.TotalEvents = b.events.Len()
	if len(b.agents) > 0 {
		s.Stats.AvgThreatScore = float64(totalScore) / float64(len(b.agents))
	}
	s.ThreatLevel = threatLevel(s.Stats.MaliciousAgents, s.Stats.TotalEvents)

	sum := 0
	for _, t := range s.TentacleScores {
		sum += t.Score
	}
	s.OverallScore = sum / len(s.TentacleScores)

	if len(b.health) > 0 {
		s.Degraded = true
		s.Health = make(map[string]string, len(b.health))
		for k, v := range b.health {
			s.Health[k] = v
		}
	}
	return s
}

func threatLevel(malicious, events int) intel.RiskLevel {
	switch {
	case malicious > 2:
		return intel.RiskCritical
	case malicious > 0:
		return intel.RiskHigh
	case events > 5:
		return intel.RiskMedium
	default:
		return intel.RiskLow
	}
}

func (b *Brain) criticalAlertLocked() *intel.CriticalAlert {
	var best *entry
	for _, e := range b.agents {
		if e.rec.Status != intel.StatusQuarantined {
			continue
		}
		if best == nil || outranks(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil
	}
	return &intel.CriticalAlert{
		AgentID:        best.rec.ID,
		AgentName:      best.rec.Name,
		ThreatScore:    best.rec.Threat.ThreatScore,
		RiskLevel:      best.rec.Threat.RiskLevel,
		SecurityAlerts: best.rec.Threat.Clone().SecurityAlerts,
		Since:          best.quarantinedAt,
	}
}

func outranks(a, b *entry) bool {
	if a.rec.Threat.ThreatScore != b.rec.Threat.ThreatScore {
		return a.rec.Threat.ThreatScore > b.rec.Threat.ThreatScore
	}
	if !a.quarantinedAt.Equal(b.quarantinedAt) {
		return a.quarantinedAt.Before(b.quarantinedAt)
	}
	return a.rec.ID < b.rec.ID
}

func (b *Brain) recomputeTentaclesLocked() {
	analyses := make([]intel.ThreatAnalysis, 0, len(b.agents))
	for _, e := range b.agents {
		analyses = append(analyses, e.rec.Threat)
	}
	b.tentacles = computeTentacles(analyses, b.tentacles, b.opts.TentacleWeights, b.opts.TentacleFloor)
}

// ─── Notification plumbing ───

// batch collects the side effects of one critical section so they can be
// delivered after the registry lock is released.
type batch struct {
	deltas []intel.Delta
	events []intel.SecurityEvent
	comms  []intel.CommunicationRecord
}

func (b *Brain) appendEventLocked(bt *batch, ev intel.SecurityEvent) {
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.opts.Now()
	}
	b.events.Push(ev)
	bt.events = append(bt.events, ev)
	b.deltaLocked(bt, intel.DeltaSecurityEvent, ev)
}

func (b *Brain) agentDeltaLocked(bt *batch, t intel.DeltaType, e *entry) {
	b.deltaLocked(bt, t, intel.AgentChange{
		Agent:          e.rec.Clone(),
		TentacleScores: append([]intel.TentacleScore(nil), b.tentacles...),
		CriticalAlert:  b.criticalAlertLocked(),
	})
}

func (b *Brain) refreshDeltaLocked(bt *batch) {
	b.deltaLocked(bt, intel.DeltaDashboardRefresh, nil)
	// The refresh carries the state including its own version.
	bt.deltas[len(bt.deltas)-1].Payload = b.snapshotLocked()
}

func (b *Brain) deltaLocked(bt *batch, t intel.DeltaType, payload any) {
	b.version++
	bt.deltas = append(bt.deltas, intel.Delta{
		Type:      t,
		Payload:   payload,
		Version:   b.version,
		Timestamp: b.opts.Now(),
	})
}

// flush releases mu and delivers bt. It must be called with mu held.
func (b *Brain) flush(bt *batch) {
	var statusCounts map[intel.AgentStatus]int
	if b.opts.Metrics != nil && len(bt.deltas) > 0 {
		statusCounts = make(map[intel.AgentStatus]int, 4)
		for _, e := range b.agents {
			statusCounts[e.rec.Status]++
		}
	}

	b.notifyMu.Lock()
	b.mu.Unlock()
	defer b.notifyMu.Unlock()

	if len(bt.deltas) > 0 {
		b.subMu.RLock()
		ids := make([]int, 0, len(b.subs))
		for id := range b.subs {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		fns := make([]func(intel.Delta), 0, len(ids))
		for _, id := range ids {
			fns = append(fns, b.subs[id])
		}
		b.subMu.RUnlock()

		for _, d := range bt.deltas {
			for _, fn := range fns {
				fn(d)
			}
		}
	}

	for _, ev := range bt.events {
		b.opts.Metrics.EventAppended(ev.Type, ev.Severity)
		if b.opts.Sink != nil {
			b.opts.Sink.RecordEvent(ev)
		}
	}
	for _, c := range bt.comms {
		b.opts.Metrics.CommunicationRecorded(c)
		if b.opts.Sink != nil {
			b.opts.Sink.RecordCommunication(c)
		}
	}
	if statusCounts != nil {
		b.opts.Metrics.SetAgents(statusCounts)
	}
}

func displayName(rec intel.AgentRecord) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.ID
}

func methodOrUnknown(m string) string {
	if m == "" {
		return "message"
	}
	return m
}

// PendingRescores reports how many agents are waiting to be re-scored.
func (b *Brain) PendingRescores() int {
	return b.queue.size()
}
