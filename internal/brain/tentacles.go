package brain

import (
	"math"

	"github.com/inktrace/inktrace/internal/intel"
)

// computeTentacles folds every agent's findings into the eight domain
// scores. A domain starts at 100 and loses the weighted finding total of the
// worst agent in that domain, clamped to [floor, 100]. Trend compares each
// score with prev.
func computeTentacles(analyses []intel.ThreatAnalysis, prev []intel.TentacleScore, weights map[string]float64, floor int) []intel.TentacleScore {
	var worst [len(intel.Tentacles)]int
	for _, ta := range analyses {
		if ta.Failed {
			continue
		}
		var sums [len(intel.Tentacles)]int
		for _, f := range ta.SecurityAlerts {
			for _, id := range f.Tentacles {
				if i := intel.TentacleIndex(id); i >= 0 {
					sums[i] += f.Weight
				}
			}
		}
		for i, s := range sums {
			if s > worst[i] {
				worst[i] = s
			}
		}
	}

	if floor < 0 {
		floor = 0
	}
	if floor > 100 {
		floor = 100
	}

	out := make([]intel.TentacleScore, len(intel.Tentacles))
	for i, t := range intel.Tentacles {
		w := 1.0
		if v, ok := weights[t.ID]; ok {
			w = v
		}
		score := 100 - int(math.Round(w*float64(worst[i])))
		if score < floor {
			score = floor
		}
		if score > 100 {
			score = 100
		}

		trend := intel.TrendStable
		if i < len(prev) {
			switch {
			case score > prev[i].Score:
				trend = intel.TrendUp
			case score < prev[i].Score:
				trend = intel.TrendDown
			}
		}
		out[i] = intel.TentacleScore{ID: t.ID, Name: t.Name, Score: score, Trend: trend}
	}
	return out
}
