package agent

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// QUALITY MONITOR
// =============================================================================

// QualityThreshold returns the minimum acceptable average quality for a
// role. Unlisted roles get the default.
func QualityThreshold(role string) float64 {
	thresholdMu.RLock()
	defer thresholdMu.RUnlock()
	if threshold, ok := qualityThresholds[role]; ok {
		return threshold
	}
	if threshold, ok := qualityThresholds["default"]; ok {
		return threshold
	}
	return defaultQualityThreshold
}

// SetQualityThreshold overrides the threshold for a role. The "default"
// role sets the fallback for unlisted roles. Used by configuration.
func SetQualityThreshold(role string, threshold float64) {
	thresholdMu.Lock()
	defer thresholdMu.Unlock()
	qualityThresholds[role] = threshold
}

const defaultQualityThreshold = 0.80

var thresholdMu sync.RWMutex

var qualityThresholds = map[string]float64{
	"research":       0.85,
	"scientific":     0.90,
	"medical":        0.95,
	"legal":          0.92,
	"financial":      0.93,
	"specifications": 0.90,
	"tester":         0.88,
	"integrator":     0.92,
	"optimizer":      0.85,
	"devops":         0.90,
}

// LatencyLimit returns the average-latency ceiling for a role beyond which
// the monitor recommends performance work. Unlisted roles get the default.
func LatencyLimit(role string) time.Duration {
	thresholdMu.RLock()
	defer thresholdMu.RUnlock()
	if limit, ok := latencyLimits[role]; ok {
		return limit
	}
	if limit, ok := latencyLimits["default"]; ok {
		return limit
	}
	return defaultLatencyLimit
}

// SetLatencyLimit overrides the latency ceiling for a role. The "default"
// role sets the fallback for unlisted roles.
func SetLatencyLimit(role string, limit time.Duration) {
	thresholdMu.Lock()
	defer thresholdMu.Unlock()
	latencyLimits[role] = limit
}

const defaultLatencyLimit = 1500 * time.Millisecond

var latencyLimits = map[string]time.Duration{
	"research":   2 * time.Second,
	"scientific": 3 * time.Second,
	"medical":    3 * time.Second,
	"legal":      3 * time.Second,
	"financial":  2500 * time.Millisecond,
}

// tokenLimit is the per-task token usage beyond which the monitor
// recommends efficiency work.
const tokenLimit = 2000.0

// trendWindow is how many historical snapshots feed the slope estimate.
const trendWindow = 10

// Recommendation is one improvement the monitor proposes.
type Recommendation struct {
	Category string   `json:"category"`
	Priority string   `json:"priority"`
	Impact   string   `json:"impact"`
	Steps    []string `json:"steps"`
}

// tracked is one agent's metrics source plus its snapshot history.
type tracked struct {
	role    string
	metrics *ExecMetrics
	history []MetricsSnapshot
}

// Monitor watches agents' execution metrics and derives recommendations.
type Monitor struct {
	mu     sync.Mutex
	agents map[string]*tracked
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{agents: make(map[string]*tracked)}
}

// Track registers an agent's metrics under its role.
func (m *Monitor) Track(agentID, role string, metrics *ExecMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agentID] = &tracked{role: role, metrics: metrics}
}

// Untrack stops watching an agent.
func (m *Monitor) Untrack(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
}

// RecordSnapshot captures an agent's current derived metrics into its
// history. The history is bounded to the trend window.
func (m *Monitor) RecordSnapshot(agentID string) (MetricsSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.agents[agentID]
	if !ok {
		return MetricsSnapshot{}, false
	}
	snap := t.metrics.Snapshot()
	t.history = append(t.history, snap)
	if len(t.history) > trendWindow {
		t.history = t.history[len(t.history)-trendWindow:]
	}
	return snap, true
}

// QualityTrend returns the per-snapshot slope of average quality over the
// agent's recorded history. Positive means improving.
func (m *Monitor) QualityTrend(agentID string) float64 {
	return m.trend(agentID, func(s MetricsSnapshot) float64 { return s.AverageQuality })
}

// LatencyTrend returns the slope of average latency in seconds.
func (m *Monitor) LatencyTrend(agentID string) float64 {
	return m.trend(agentID, func(s MetricsSnapshot) float64 { return s.AverageLatency.Seconds() })
}

// SuccessTrend returns the slope of the success rate.
func (m *Monitor) SuccessTrend(agentID string) float64 {
	return m.trend(agentID, func(s MetricsSnapshot) float64 { return s.SuccessRate })
}

func (m *Monitor) trend(agentID string, value func(MetricsSnapshot) float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.agents[agentID]
	if !ok || len(t.history) < 2 {
		return 0
	}
	series := make([]float64, len(t.history))
	for i, snap := range t.history {
		series[i] = value(snap)
	}
	return slope(series)
}

// slope is least-squares over evenly spaced points.
func slope(series []float64) float64 {
	n := float64(len(series))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range series {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Recommendations derives improvement actions for one agent from its
// current snapshot, role threshold, and quality trend.
func (m *Monitor) Recommendations(agentID string) []Recommendation {
	m.mu.Lock()
	t, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	role := t.role
	snap := t.metrics.Snapshot()
	m.mu.Unlock()

	var recs []Recommendation
	if snap.TaskCount == 0 {
		return recs
	}

	if snap.SuccessRate < 0.9 {
		recs = append(recs, Recommendation{
			Category: "reliability",
			Priority: "high",
			Impact:   "raise task success rate above 90%",
			Steps: []string{
				"inspect recent task errors",
				"add retries for transient failures",
				"tighten input validation before execution",
			},
		})
	}
	if snap.AverageLatency > LatencyLimit(role) {
		recs = append(recs, Recommendation{
			Category: "performance",
			Priority: "medium",
			Impact:   "bring average task latency under the role limit",
			Steps: []string{
				"profile the execution path",
				"cache repeated context fetches",
			},
		})
	}
	if gap := QualityThreshold(role) - snap.AverageQuality; gap > 0.1 {
		recs = append(recs, Recommendation{
			Category: "quality",
			Priority: "high",
			Impact:   "close the gap to the role quality threshold",
			Steps: []string{
				"review low-scoring outputs",
				"refine prompt construction",
				"add a verification pass before returning results",
			},
		})
	}
	if snap.TokensPerTask > tokenLimit {
		recs = append(recs, Recommendation{
			Category: "efficiency",
			Priority: "low",
			Impact:   "reduce token usage per task",
			Steps: []string{
				"trim prompt context to what the task needs",
				"summarise long inputs before prompting",
			},
		})
	}
	if m.QualityTrend(agentID) < -0.01 {
		recs = append(recs, Recommendation{
			Category: "trend",
			Priority: "medium",
			Impact:   "stop the quality decline",
			Steps: []string{
				"compare recent prompts against earlier high-scoring runs",
				"check for context drift in long sessions",
			},
		})
	}
	return recs
}

// AgentSummary is one agent's line in the system summary.
type AgentSummary struct {
	AgentID        string  `json:"agent_id"`
	Role           string  `json:"role"`
	SuccessRate    float64 `json:"success_rate"`
	AverageQuality float64 `json:"average_quality"`
	Threshold      float64 `json:"threshold"`
	MeetsThreshold bool    `json:"meets_threshold"`
}

// SystemSummary aggregates quality across all tracked agents.
type SystemSummary struct {
	AgentCount     int            `json:"agent_count"`
	AverageQuality float64        `json:"average_quality"`
	BelowThreshold int            `json:"below_threshold"`
	Agents         []AgentSummary `json:"agents"`
}

// Summary reports system-wide quality, worst agents included.
func (m *Monitor) Summary() SystemSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := SystemSummary{AgentCount: len(m.agents)}
	var qualitySum float64
	for id, t := range m.agents {
		snap := t.metrics.Snapshot()
		threshold := QualityThreshold(t.role)
		line := AgentSummary{
			AgentID:        id,
			Role:           t.role,
			SuccessRate:    snap.SuccessRate,
			AverageQuality: snap.AverageQuality,
			Threshold:      threshold,
			MeetsThreshold: snap.AverageQuality >= threshold,
		}
		if !line.MeetsThreshold {
			summary.BelowThreshold++
		}
		qualitySum += snap.AverageQuality
		summary.Agents = append(summary.Agents, line)
	}
	if summary.AgentCount > 0 {
		summary.AverageQuality = qualitySum / float64(summary.AgentCount)
	}
	sort.Slice(summary.Agents, func(i, j int) bool {
		return summary.Agents[i].AgentID < summary.Agents[j].AgentID
	})
	return summary
}
