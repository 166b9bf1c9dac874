package alert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/inktrace/inktrace/internal/intel"
)

// hotTentacles is how many of the highest scoring domains an alert carries.
const hotTentacles = 3

// field is one labelled fact rendered by every sender.
type field struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Short bool   `json:"-"`
}

// digest is the sender-neutral rendering of an alert.
type digest struct {
	Headline  string  `json:"headline"`
	Text      string  `json:"text"`
	RiskLevel string  `json:"risk_level"`
	Fields    []field `json:"fields"`
}

func digestFor(a Alert) digest {
	risk := a.RiskLevel
	if risk == "" {
		risk = string(riskForAlert(a.Severity, a.ThreatScore))
	}
	d := digest{
		Headline:  fmt.Sprintf("[%s] %s", risk, a.Title),
		Text:      a.Message,
		RiskLevel: risk,
	}

	d.Fields = append(d.Fields,
		field{Label: "Event", Value: a.Type, Short: true},
		field{Label: "Severity", Value: a.Severity, Short: true},
	)
	if agent := agentLabel(a); agent != "" {
		d.Fields = append(d.Fields, field{Label: "Agent", Value: agent, Short: true})
	}
	if a.ThreatScore > 0 {
		d.Fields = append(d.Fields, field{Label: "Threat score", Value: fmt.Sprintf("%d/100 (%s)", a.ThreatScore, risk), Short: true})
	}
	if len(a.Tentacles) > 0 {
		parts := make([]string, 0, len(a.Tentacles))
		for _, t := range a.Tentacles {
			parts = append(parts, fmt.Sprintf("%s %d%s", t.Name, t.Score, trendMark(t.Trend)))
		}
		d.Fields = append(d.Fields, field{Label: "Hot tentacles", Value: strings.Join(parts, ", ")})
	}
	return d
}

func agentLabel(a Alert) string {
	switch {
	case a.AgentName != "" && a.AgentID != "" && a.AgentName != a.AgentID:
		return fmt.Sprintf("%s (%s)", a.AgentName, a.AgentID)
	case a.AgentName != "":
		return a.AgentName
	default:
		return a.AgentID
	}
}

func trendMark(t intel.Trend) string {
	switch t {
	case intel.TrendUp:
		return " ↑"
	case intel.TrendDown:
		return " ↓"
	default:
		return ""
	}
}

// riskForAlert prefers the agent's score; events without one map their
// severity onto the risk scale.
func riskForAlert(severity string, score int) intel.RiskLevel {
	if score > 0 {
		return intel.RiskLevelFor(score)
	}
	switch intel.Severity(severity) {
	case intel.SeverityCritical:
		return intel.RiskCritical
	case intel.SeverityHigh:
		return intel.RiskHigh
	default:
		return intel.RiskLow
	}
}

// hottest returns the n highest non-zero tentacles, ties in fixed order.
func hottest(scores []intel.TentacleScore, n int) []intel.TentacleScore {
	out := make([]intel.TentacleScore, 0, len(scores))
	for _, s := range scores {
		if s.Score > 0 {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func riskColor(risk string) string {
	switch intel.RiskLevel(risk) {
	case intel.RiskCritical:
		return "#dc3545"
	case intel.RiskHigh:
		return "#fd7e14"
	case intel.RiskMedium:
		return "#ffc107"
	default:
		return "#17a2b8"
	}
}
