package orchestrator

import (
	"time"

	"agentmesh/internal/agent"

	"go.uber.org/zap"
)

// =============================================================================
// HEALTH & BACKGROUND LOOPS
// =============================================================================

// HealthReport summarises one health sweep.
type HealthReport struct {
	Total             int      `json:"total"`
	Healthy           int      `json:"healthy"`
	Unhealthy         int      `json:"unhealthy"`
	RecoveryAttempted []string `json:"recovery_attempted"`
}

// HealthCheck probes every registered agent and restarts those in ERROR
// with their stored spawn context. Restarted agents keep their id so the
// hierarchy stays intact.
func (o *Orchestrator) HealthCheck() HealthReport {
	var report HealthReport
	for _, a := range o.registry.ListAll() {
		report.Total++
		if a.HealthProbe() {
			report.Healthy++
			continue
		}
		report.Unhealthy++

		if a.Status() != agent.StatusError {
			continue
		}
		id := a.ID()
		o.mu.Lock()
		rec := o.active[id]
		o.mu.Unlock()
		if rec == nil {
			continue
		}

		report.RecoveryAttempted = append(report.RecoveryAttempted, id)
		if err := o.restart(id, rec); err != nil {
			o.log.Warn("agent restart failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
	return report
}

// restart tears the failed agent down without cascading and rebuilds it
// under the same id and context.
func (o *Orchestrator) restart(id string, rec *spawnRecord) error {
	if a, ok := o.registry.Get(id); ok {
		if err := a.Terminate(); err != nil {
			return err
		}
		if err := o.registry.Unregister(id); err != nil {
			return err
		}
	}
	_, err := o.buildAgent(rec.request, rec.context, id)
	if err != nil {
		o.mu.Lock()
		delete(o.active, id)
		o.mu.Unlock()
		return err
	}
	o.publishSystemEvent(map[string]any{"type": "agent_restarted", "agent_id": id})
	return nil
}

// Start launches the spawn-queue drainer and the health sweep.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(2)
	go o.drainSpawnQueue()
	go o.healthLoop()
}

// Stop cancels the background loops. Agents keep running; TerminateAll
// tears the population down.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	close(o.stopCh)
	o.wg.Wait()
}

// EnqueueSpawn places a request on the internal spawn queue for the
// drainer. Returns false when the queue is full.
func (o *Orchestrator) EnqueueSpawn(req *SpawnRequest) bool {
	select {
	case o.spawnCh <- req:
		return true
	default:
		return false
	}
}

// drainSpawnQueue processes queued spawn requests, announcing the outcome
// on the system topic.
func (o *Orchestrator) drainSpawnQueue() {
	defer o.wg.Done()
	for {
		select {
		case <-o.stopCh:
			return
		case req := <-o.spawnCh:
			id, err := o.Spawn(req)
			if err != nil {
				o.publishSystemEvent(map[string]any{
					"type":       "spawn_failed",
					"agent_type": req.AgentType,
					"error":      err.Error(),
				})
				continue
			}
			o.publishSystemEvent(map[string]any{
				"type":     "spawn_completed",
				"agent_id": id,
			})
		}
	}
}

// healthLoop sweeps on a timer and publishes the report.
func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			report := o.HealthCheck()
			o.publishSystemEvent(map[string]any{
				"type":               "health_report",
				"total":              report.Total,
				"healthy":            report.Healthy,
				"unhealthy":          report.Unhealthy,
				"recovery_attempted": report.RecoveryAttempted,
			})
		}
	}
}
