package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// QUALITY-GATED TASK EXECUTION
// =============================================================================

// Task is a unit of quality-gated work.
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Payload     map[string]any `json:"payload,omitempty"`
	Priority    int            `json:"priority,omitempty"`
}

// NewTask builds a task with a generated id.
func NewTask(description string, payload map[string]any) *Task {
	return &Task{
		ID:          uuid.NewString(),
		Description: description,
		Payload:     payload,
	}
}

// Result is the outcome of one task execution.
type Result struct {
	TaskID       string        `json:"task_id"`
	Success      bool          `json:"success"`
	Output       any           `json:"output,omitempty"`
	QualityScore float64       `json:"quality_score"`
	TokensUsed   int           `json:"tokens_used"`
	Latency      time.Duration `json:"latency"`
	Degraded     bool          `json:"degraded,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// maxQualityScores bounds the retained quality history per agent.
const maxQualityScores = 100

// ExecMetrics accumulates task outcomes for one agent.
type ExecMetrics struct {
	mu            sync.Mutex
	TaskCount     int64
	SuccessCount  int64
	ErrorCount    int64
	TotalLatency  time.Duration
	TokensUsed    int64
	QualityScores []float64
}

// RecordResult folds one result into the counters.
func (m *ExecMetrics) RecordResult(r *Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TaskCount++
	if r.Success {
		m.SuccessCount++
	} else {
		m.ErrorCount++
	}
	m.TotalLatency += r.Latency
	m.TokensUsed += int64(r.TokensUsed)
	m.QualityScores = append(m.QualityScores, r.QualityScore)
	if len(m.QualityScores) > maxQualityScores {
		m.QualityScores = m.QualityScores[len(m.QualityScores)-maxQualityScores:]
	}
}

// Snapshot returns derived rates for the monitor.
func (m *ExecMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TaskCount:    m.TaskCount,
		SuccessCount: m.SuccessCount,
		ErrorCount:   m.ErrorCount,
		TokensUsed:   m.TokensUsed,
		TakenAt:      time.Now().UTC(),
	}
	if m.TaskCount > 0 {
		snap.SuccessRate = float64(m.SuccessCount) / float64(m.TaskCount)
		snap.AverageLatency = time.Duration(int64(m.TotalLatency) / m.TaskCount)
		snap.TokensPerTask = float64(m.TokensUsed) / float64(m.TaskCount)
	}
	if len(m.QualityScores) > 0 {
		var sum float64
		for _, score := range m.QualityScores {
			sum += score
		}
		snap.AverageQuality = sum / float64(len(m.QualityScores))
	}
	return snap
}

// MetricsSnapshot is a point-in-time derived view of ExecMetrics.
type MetricsSnapshot struct {
	TaskCount      int64         `json:"task_count"`
	SuccessCount   int64         `json:"success_count"`
	ErrorCount     int64         `json:"error_count"`
	SuccessRate    float64       `json:"success_rate"`
	AverageLatency time.Duration `json:"average_latency"`
	AverageQuality float64       `json:"average_quality"`
	TokensUsed     int64         `json:"tokens_used"`
	TokensPerTask  float64       `json:"tokens_per_task"`
	TakenAt        time.Time     `json:"taken_at"`
}

// Executor supplies the domain hooks the task pipeline drives. The kernel
// owns the sequencing; the hooks own the semantics.
type Executor interface {
	// CheckBudget admits or denies a task before any work happens.
	CheckBudget(task *Task) bool
	// FetchContext gathers whatever the prompt needs.
	FetchContext(task *Task) map[string]any
	// BuildPrompt renders the task and context into an executable prompt.
	BuildPrompt(task *Task, ctx map[string]any) string
	// Execute runs the prompt and reports output plus token usage.
	Execute(prompt string) (output any, tokensUsed int, err error)
	// EvaluateQuality scores a finished result in [0,1].
	EvaluateQuality(result *Result) float64
	// GracefulDegradation produces a reduced result when the budget denies
	// the task.
	GracefulDegradation(task *Task) *Result
	// RecordBudgetUsage books the consumed budget after execution.
	RecordBudgetUsage(task *Task, result *Result)
}

// Runner drives the quality-gated execution path over an Executor.
type Runner struct {
	executor Executor
	metrics  *ExecMetrics
}

// NewRunner pairs an executor with a fresh metrics accumulator.
func NewRunner(executor Executor) *Runner {
	return &Runner{executor: executor, metrics: &ExecMetrics{}}
}

// Metrics exposes the accumulator for the quality monitor.
func (r *Runner) Metrics() *ExecMetrics { return r.metrics }

// Execute runs one task through the full pipeline: budget, context,
// prompt, execution, quality scoring, metrics, budget booking. A denied
// budget short-circuits into graceful degradation.
func (r *Runner) Execute(task *Task) *Result {
	if !r.executor.CheckBudget(task) {
		result := r.executor.GracefulDegradation(task)
		if result == nil {
			result = &Result{TaskID: task.ID, Error: "budget denied"}
		}
		result.Degraded = true
		r.metrics.RecordResult(result)
		return result
	}

	start := time.Now()
	ctx := r.executor.FetchContext(task)
	prompt := r.executor.BuildPrompt(task, ctx)
	output, tokens, err := r.executor.Execute(prompt)

	result := &Result{
		TaskID:     task.ID,
		Output:     output,
		TokensUsed: tokens,
		Latency:    time.Since(start),
	}
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Success = true
		result.QualityScore = r.executor.EvaluateQuality(result)
	}

	r.metrics.RecordResult(result)
	r.executor.RecordBudgetUsage(task, result)
	return result
}
