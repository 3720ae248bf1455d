package runtime

import (
	"sync"

	"agentmesh/internal/agent"
	"agentmesh/internal/bus"
	"agentmesh/internal/config"
	"agentmesh/internal/consent"
	"agentmesh/internal/eventstore"
	"agentmesh/internal/logging"
	"agentmesh/internal/memory"
	"agentmesh/internal/orchestrator"
	"agentmesh/internal/plugin"
	"agentmesh/internal/registry"

	"go.uber.org/zap"
)

// =============================================================================
// RUNTIME
// =============================================================================
//
// Runtime owns every kernel component. Construction wires them leaves-first
// (queue, store, tiers) up to the orchestrator; shutdown walks the same
// graph in reverse so nothing is torn down while a dependent still runs.

// Runtime composes the kernel.
type Runtime struct {
	cfg *config.Config

	queue     *bus.Queue
	bus       *bus.MessageBus
	store     *eventstore.Store
	retention *eventstore.RetentionManager
	memory    *memory.Manager
	consent   *consent.Gate
	registry  *registry.Registry
	plugins   *plugin.Loader
	monitor   *agent.Monitor
	orch      *orchestrator.Orchestrator

	mu      sync.Mutex
	started bool

	log *zap.Logger
}

// New builds the full component graph from a configuration. Nothing runs
// until Start.
func New(cfg *config.Config) *Runtime {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	queue := bus.NewQueueWithConfig(bus.QueueConfig{
		DeadLetterDrainInterval: cfg.GetDeadLetterDrainInterval(),
		ExpiredSweepInterval:    cfg.GetExpiredSweepInterval(),
	})
	store := eventstore.NewStore()

	retention := eventstore.NewRetentionManager(store)
	retention.SetInterval(cfg.GetRetentionSweepInterval())
	for class, days := range cfg.Retention.Days {
		retention.SetPolicy(class, days)
	}

	mem := memory.NewManager(store, memory.Config{
		ShortTermCapacity: cfg.Memory.ShortTermCapacity,
		CacheCapacity:     cfg.Cache.Capacity,
	})

	reg := registry.New()

	for role, threshold := range cfg.Quality.Thresholds {
		agent.SetQualityThreshold(role, threshold)
	}

	r := &Runtime{
		cfg:       cfg,
		queue:     queue,
		bus:       bus.NewMessageBus(queue),
		store:     store,
		retention: retention,
		memory:    mem,
		consent:   consent.NewGate(mem, retention),
		registry:  reg,
		plugins:   plugin.NewLoader(reg),
		monitor:   agent.NewMonitor(),
		orch: orchestrator.New(reg, queue, orchestrator.Config{
			MaxConcurrent:  cfg.Orchestrator.MaxConcurrentAgents,
			HealthInterval: cfg.GetHealthInterval(),
			SpawnQueueSize: cfg.Orchestrator.SpawnQueueSize,
		}),
		log: logging.Get(logging.CategoryRuntime),
	}
	return r
}

// Start launches the background loops: queue sweeps, retention sweep, the
// orchestrator's spawn drainer and health loop. Idempotent.
func (r *Runtime) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.queue.Start()
	r.retention.Start()
	r.orch.Start()
	r.log.Info("runtime started",
		zap.Int("max_concurrent_agents", r.cfg.Orchestrator.MaxConcurrentAgents),
		zap.Int("cache_capacity", r.cfg.Cache.Capacity))
}

// Stop tears the runtime down in reverse construction order: orchestrator
// loops, the agent population, plugins, then the store's and queue's
// background loops. Idempotent.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	r.mu.Unlock()

	r.orch.Stop()
	r.orch.TerminateAll()
	r.plugins.ShutdownAll()
	r.retention.Stop()
	r.queue.Stop()
	r.memory.Cache().Wait()
	r.log.Info("runtime stopped")
}

// ApplyConfig applies the hot-reloadable tunables from a fresh config:
// retention periods and quality thresholds. Structural settings (capacities,
// concurrency bound, intervals) need a restart and are logged when changed.
func (r *Runtime) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	for class, days := range cfg.Retention.Days {
		r.retention.SetPolicy(class, days)
	}
	for role, threshold := range cfg.Quality.Thresholds {
		agent.SetQualityThreshold(role, threshold)
	}
	if cfg.Orchestrator.MaxConcurrentAgents != r.cfg.Orchestrator.MaxConcurrentAgents {
		r.log.Warn("max_concurrent_agents change requires restart",
			zap.Int("current", r.cfg.Orchestrator.MaxConcurrentAgents),
			zap.Int("requested", cfg.Orchestrator.MaxConcurrentAgents))
	}
	if cfg.Cache.Capacity != r.cfg.Cache.Capacity {
		r.log.Warn("cache capacity change requires restart",
			zap.Int("current", r.cfg.Cache.Capacity),
			zap.Int("requested", cfg.Cache.Capacity))
	}
	r.mu.Lock()
	r.cfg.Retention.Days = cfg.Retention.Days
	r.cfg.Quality.Thresholds = cfg.Quality.Thresholds
	r.mu.Unlock()
	r.log.Info("tunables reloaded")
}

// Config returns the runtime's configuration.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Queue returns the message queue.
func (r *Runtime) Queue() *bus.Queue { return r.queue }

// Bus returns the request/response bus.
func (r *Runtime) Bus() *bus.MessageBus { return r.bus }

// Store returns the event store.
func (r *Runtime) Store() *eventstore.Store { return r.store }

// Retention returns the retention manager.
func (r *Runtime) Retention() *eventstore.RetentionManager { return r.retention }

// Memory returns the tiered memory manager.
func (r *Runtime) Memory() *memory.Manager { return r.memory }

// Consent returns the consent gate.
func (r *Runtime) Consent() *consent.Gate { return r.consent }

// Registry returns the agent registry.
func (r *Runtime) Registry() *registry.Registry { return r.registry }

// Plugins returns the plugin loader.
func (r *Runtime) Plugins() *plugin.Loader { return r.plugins }

// Monitor returns the quality monitor.
func (r *Runtime) Monitor() *agent.Monitor { return r.monitor }

// Orchestrator returns the agent orchestrator.
func (r *Runtime) Orchestrator() *orchestrator.Orchestrator { return r.orch }

// Stats is the kernel-wide operational snapshot.
type Stats struct {
	Queue    bus.Stats           `json:"queue"`
	Memory   memory.ManagerStats `json:"memory"`
	Registry registry.Statistics `json:"registry"`
	Agents   int                 `json:"active_agents"`
	Plugins  int                 `json:"plugins"`
}

// Stats returns a point-in-time view across components.
func (r *Runtime) Stats() Stats {
	return Stats{
		Queue:    r.queue.QueueStats(),
		Memory:   r.memory.Stats(),
		Registry: r.registry.Stats(),
		Agents:   r.orch.ActiveCount(),
		Plugins:  len(r.plugins.List()),
	}
}
