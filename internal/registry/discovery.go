package registry

import (
	"sort"

	"agentmesh/internal/agent"
)

// =============================================================================
// DISCOVERY
// =============================================================================

// Scoring constants. A candidate must cover every required capability;
// extras raise the score, and a near-exact match earns the specialist
// bonus.
const (
	baseScore       = 10.0
	extraCapScore   = 0.5
	specialistBonus = 2.0
	specialistSlack = 2
)

// Candidate is one scored discovery result.
type Candidate struct {
	Agent agent.Agent
	Score float64
}

// ScoreAgent rates how well an agent fits a capability requirement.
// Returns zero when the agent does not cover the requirement.
func ScoreAgent(a agent.Agent, required []agent.Capability) float64 {
	caps := a.Capabilities()
	if !agent.HasAll(caps, required) {
		return 0
	}
	extra := len(caps) - len(required)
	if extra < 0 {
		extra = 0
	}
	score := baseScore + extraCapScore*float64(extra)
	if extra <= specialistSlack {
		score += specialistBonus
	}
	return score
}

// FindBestAgent returns the READY agent best matching the required
// capabilities. A preferred type narrows the field first and falls back to
// all candidates when no agent of that type qualifies. Ties break by agent
// id for stability.
func (r *Registry) FindBestAgent(required []agent.Capability, preferredType string) (agent.Agent, bool) {
	ready := r.ListByStatus(agent.StatusReady)

	score := func(pool []agent.Agent) []Candidate {
		var out []Candidate
		for _, a := range pool {
			if s := ScoreAgent(a, required); s > 0 {
				out = append(out, Candidate{Agent: a, Score: s})
			}
		}
		return out
	}

	candidates := score(ready)
	if preferredType != "" {
		var preferred []Candidate
		for _, c := range candidates {
			if c.Agent.Type() == preferredType {
				preferred = append(preferred, c)
			}
		}
		if len(preferred) > 0 {
			candidates = preferred
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Agent.ID() < candidates[j].Agent.ID()
	})
	return candidates[0].Agent, true
}
