package scoring

import (
	"sort"
	"time"

	"github.com/inktrace/inktrace/internal/intel"
)

// trafficSummary is the per-agent view of the retained communications.
type trafficSummary struct {
	outbound      int // sent by the agent inside the window
	perMinute     float64
	total         int // every retained record involving the agent
	errors        int
	observed      []string // capabilities exercised against the agent, sorted
	observedCount int
}

// summarize folds comms into a trafficSummary for agentID. Records newer than
// now are ignored so that re-scoring with the same now is reproducible.
func summarize(agentID string, comms []intel.CommunicationRecord, window time.Duration, now time.Time) trafficSummary {
	if window <= 0 {
		window = time.Minute
	}
	var s trafficSummary
	cutoff := now.Add(-window)
	seen := make(map[string]bool)

	for _, c := range comms {
		if c.Timestamp.After(now) {
			continue
		}
		if c.SourceID != agentID && c.TargetID != agentID {
			continue
		}
		s.total++
		if c.Status == intel.CommError {
			s.errors++
		}
		if c.SourceID == agentID && c.Timestamp.After(cutoff) {
			s.outbound++
		}
		if c.TargetID == agentID && c.Capability != "" {
			s.observedCount++
			name := intel.NormalizeCapability(c.Capability)
			if !seen[name] {
				seen[name] = true
				s.observed = append(s.observed, name)
			}
		}
	}

	sort.Strings(s.observed)
	s.perMinute = float64(s.outbound) / window.Minutes()
	return s
}
