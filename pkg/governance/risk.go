package governance

import "strings"

// DefaultRiskThreshold adds the needs_confirmation flag above it.
const DefaultRiskThreshold = 0.6

// EstimateRisk scores a tool on [0,1] from its tier, cost and reversibility.
func EstimateRisk(spec ToolSpec) float64 {
	risk := 0.2 + 0.2*float64(max(spec.Tier.Rank()-1, 0))
	if spec.Expensive {
		risk += 0.2
	}
	if spec.Reversible() {
		risk -= 0.1
	} else {
		risk += 0.1
	}
	return clamp(risk, 0, 1)
}

// Confidence is the complement of risk, kept away from the extremes.
func Confidence(risk float64) float64 {
	return clamp(1-risk, 0.05, 0.98)
}

func riskFlags(spec ToolSpec, risk, threshold float64) []string {
	var flags []string
	if !spec.Reversible() {
		flags = append(flags, "irreversible")
	}
	if spec.Expensive {
		flags = append(flags, "expensive")
	}
	if risk > threshold {
		flags = append(flags, "needs_confirmation")
	}
	return flags
}

// buildRationale fills the packet rationale from the tool spec and the
// session's stated reason.
func buildRationale(spec ToolSpec, call ToolCall, risk float64) Rationale {
	what := spec.Description
	if what == "" {
		what = "call " + spec.Name
	}
	why := strings.TrimSpace(call.Why)
	if why == "" {
		why = "requested by the conversation"
	}
	impact := spec.Impact
	if impact == "" {
		impact = map[Tier]string{
			TierReadOnly:   "no state change",
			TierReversible: "changes device state; can be undone",
			TierStateful:   "changes state that cannot be undone",
		}[spec.Tier]
	}
	rollback := spec.Rollback
	if rollback == "" {
		if spec.Reversible() {
			rollback = "repeat with the previous value"
		} else {
			rollback = "none"
		}
	}
	cost := spec.Cost
	if cost == "" {
		cost = "low"
		if spec.Expensive {
			cost = "high"
		}
	}
	return Rationale{
		What:          what,
		Why:           why,
		Impact:        impact,
		Rollback:      rollback,
		EstimatedCost: cost,
		Confidence:    Confidence(risk),
		Alternatives:  spec.Alternatives,
	}
}

func clamp(v, lo, hi float64) float64 {
	return min(max(v, lo), hi)
}
