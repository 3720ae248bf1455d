package runtime

import (
	"testing"
	"time"

	"agentmesh/internal/agent"
	"agentmesh/internal/config"
	"agentmesh/internal/eventstore"
	"agentmesh/internal/orchestrator"
	"agentmesh/internal/plugin"

	"go.uber.org/goleak"
)

func spawnReq(agentType string) *orchestrator.SpawnRequest {
	return &orchestrator.SpawnRequest{
		AgentType: agentType,
		Context:   map[string]any{"session_id": "s1"},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Orchestrator.MaxConcurrentAgents = 5
	cfg.Orchestrator.HealthInterval = "1h"
	cfg.Bus.DeadLetterDrainInterval = "1h"
	cfg.Bus.ExpiredSweepInterval = "1h"
	cfg.Retention.SweepInterval = "1h"
	cfg.Cache.Capacity = 100
	cfg.Memory.ShortTermCapacity = 50
	return cfg
}

func TestStartStopNoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := New(testConfig())
	r.Start()
	r.Start() // idempotent
	r.Stop()
	r.Stop() // idempotent
}

func TestSpawnThroughRuntime(t *testing.T) {
	r := New(testConfig())
	r.Start()
	defer r.Stop()

	r.Registry().RegisterType("worker", func(cfg agent.Config) (agent.Agent, error) {
		return agent.NewBase(cfg), nil
	})

	id, err := r.Orchestrator().Spawn(spawnReq("worker"))
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, ok := r.Registry().Get(id); !ok {
		t.Error("spawned agent not in registry")
	}
	if got := r.Stats().Agents; got != 1 {
		t.Errorf("active agents = %d, want 1", got)
	}
}

func TestMemoryAndConsentWiring(t *testing.T) {
	r := New(testConfig())

	if err := r.Consent().Grant("u1", "research"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Consent().StoreWithConsent("profile", "data", "u1", "research"); err != nil {
		t.Fatalf("store with consent: %v", err)
	}

	results := r.Memory().Recall("profile", "u1", nil)
	if len(results) == 0 {
		t.Error("stored memory not recallable")
	}
	if r.Store().Count() == 0 {
		t.Error("no events appended through the shared store")
	}
}

func TestPluginTypesSpawnable(t *testing.T) {
	r := New(testConfig())
	r.Start()
	defer r.Stop()

	err := r.Plugins().Register(&plugin.Plugin{
		Name:    "toolkit",
		Version: "1.0.0",
		AgentFactories: map[string]agent.Factory{
			"toolkit_worker": func(cfg agent.Config) (agent.Agent, error) {
				return agent.NewBase(cfg), nil
			},
		},
	})
	if err != nil {
		t.Fatalf("plugin register: %v", err)
	}

	id, err := r.Orchestrator().Spawn(spawnReq("toolkit_worker"))
	if err != nil {
		t.Fatalf("spawn plugin type: %v", err)
	}
	if _, ok := r.Registry().Get(id); !ok {
		t.Error("plugin-typed agent not registered")
	}
}

func TestApplyConfigTunables(t *testing.T) {
	r := New(testConfig())

	fresh := testConfig()
	fresh.Quality.Thresholds["medical"] = 0.99
	fresh.Retention.Days["system_logs"] = 7
	r.ApplyConfig(fresh)

	if got := agent.QualityThreshold("medical"); got != 0.99 {
		t.Errorf("medical threshold after reload = %v, want 0.99", got)
	}
	if got := r.Retention().RetentionDays("system_logs"); got != 7 {
		t.Errorf("system_logs retention after reload = %d, want 7", got)
	}

	// Restore the defaults mutated through the package-level table.
	restore := config.DefaultConfig()
	r.ApplyConfig(restore)
	if got := agent.QualityThreshold("medical"); got != 0.95 {
		t.Errorf("medical threshold after restore = %v, want 0.95", got)
	}
}

func TestRetentionPoliciesFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Retention.Days["research_data"] = 10
	r := New(cfg)

	if got := r.Retention().RetentionDays("research_data"); got != 10 {
		t.Errorf("research_data retention = %d, want 10", got)
	}

	event := r.Store().Append(eventstore.EventMemoryWrite, "old", map[string]any{"value": 1}, "sys",
		map[string]any{"data_type": "research_data"})
	event.Timestamp = time.Now().UTC().Add(-11 * 24 * time.Hour)

	result := r.Retention().Sweep(time.Now().UTC())
	if result.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", result.Deleted)
	}
}
