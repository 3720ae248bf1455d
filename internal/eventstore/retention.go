package eventstore

import (
	"sync"
	"time"

	"agentmesh/internal/logging"

	"go.uber.org/zap"
)

// =============================================================================
// RETENTION
// =============================================================================
//
// Retention classes are keyed by the event metadata's data_type. An event
// past its class's retention period is anonymised in place when it carries
// PII, removed otherwise.

// DefaultRetentionDays is applied to events whose data_type has no policy.
const DefaultRetentionDays = 90

// DefaultRetentionPolicies maps data classes to retention periods in days.
func DefaultRetentionPolicies() map[string]int {
	return map[string]int{
		"gdpr_personal_data": 365,
		"system_logs":        90,
		"research_data":      1825,
	}
}

// SweepResult reports one retention pass.
type SweepResult struct {
	Scanned    int `json:"scanned"`
	Deleted    int `json:"deleted"`
	Anonymized int `json:"anonymized"`
}

// RetentionManager applies retention policies to a store, either on demand
// or on a timer.
type RetentionManager struct {
	store    *Store
	policies map[string]int

	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	stateMu  sync.Mutex
	interval time.Duration

	log *zap.Logger
}

// NewRetentionManager creates a manager with the default policies.
func NewRetentionManager(store *Store) *RetentionManager {
	return &RetentionManager{
		store:    store,
		policies: DefaultRetentionPolicies(),
		interval: time.Hour,
		log:      logging.Get(logging.CategoryEvents),
	}
}

// SetInterval changes the timer-sweep cadence. Takes effect on the next
// Start.
func (r *RetentionManager) SetInterval(d time.Duration) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if d > 0 {
		r.interval = d
	}
}

// SetPolicy overrides the retention period for one data class.
func (r *RetentionManager) SetPolicy(dataType string, days int) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	r.policies[dataType] = days
}

// RetentionDays returns the retention period for a data class.
func (r *RetentionManager) RetentionDays(dataType string) int {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if days, ok := r.policies[dataType]; ok {
		return days
	}
	return DefaultRetentionDays
}

// Sweep applies retention once, as of now. Events exactly at the boundary
// age are processed; younger events survive.
func (r *RetentionManager) Sweep(now time.Time) SweepResult {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	result := SweepResult{Scanned: len(r.store.events)}
	drop := make(map[*Event]bool)
	for _, e := range r.store.events {
		dataType, _ := e.Metadata["data_type"].(string)
		retention := time.Duration(r.RetentionDays(dataType)) * 24 * time.Hour
		if now.Sub(e.Timestamp) < retention {
			continue
		}
		if pii, _ := e.Metadata["contains_pii"].(bool); pii {
			if anon, _ := e.Metadata["anonymized"].(bool); !anon {
				e.Anonymise()
				result.Anonymized++
			}
			continue
		}
		drop[e] = true
		result.Deleted++
	}
	r.store.removeLocked(drop)

	if result.Deleted > 0 || result.Anonymized > 0 {
		r.log.Info("retention sweep",
			zap.Int("deleted", result.Deleted),
			zap.Int("anonymized", result.Anonymized))
	}
	return result
}

// Start runs the sweep on a timer.
func (r *RetentionManager) Start() {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	interval := r.interval
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.Sweep(time.Now().UTC())
			}
		}
	}()
}

// Stop cancels the timer loop and waits for it to exit.
func (r *RetentionManager) Stop() {
	r.stateMu.Lock()
	if !r.running {
		r.stateMu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.stateMu.Unlock()
	r.wg.Wait()
}
