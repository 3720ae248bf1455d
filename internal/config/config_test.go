package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 50, cfg.Orchestrator.MaxConcurrentAgents)
	assert.Equal(t, 10000, cfg.Cache.Capacity)
	assert.Equal(t, 1000, cfg.Memory.ShortTermCapacity)
	assert.Equal(t, 365, cfg.Retention.Days["gdpr_personal_data"])
	assert.Equal(t, 90, cfg.Retention.Days["system_logs"])
	assert.Equal(t, 1825, cfg.Retention.Days["research_data"])
	assert.Equal(t, 0.95, cfg.Quality.Thresholds["medical"])
	assert.Equal(t, 0.80, cfg.Quality.Thresholds["default"])
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Orchestrator.MaxConcurrentAgents)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mesh.yaml")
	body := `
orchestrator:
  max_concurrent_agents: 8
  health_interval: 5s
cache:
  capacity: 200
retention:
  days:
    gdpr_personal_data: 30
quality:
  thresholds:
    medical: 0.99
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentAgents)
	assert.Equal(t, 5*time.Second, cfg.GetHealthInterval())
	assert.Equal(t, 200, cfg.Cache.Capacity)
	assert.Equal(t, 30, cfg.Retention.Days["gdpr_personal_data"])
	assert.Equal(t, 0.99, cfg.Quality.Thresholds["medical"])
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("orchestrator: ["), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "mesh.yaml")

	cfg := DefaultConfig()
	cfg.Orchestrator.MaxConcurrentAgents = 7
	cfg.Quality.Thresholds["legal"] = 0.91
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Orchestrator.MaxConcurrentAgents)
	assert.Equal(t, 0.91, loaded.Quality.Thresholds["legal"])
}

func TestDurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Orchestrator.HealthInterval = "not-a-duration"
	cfg.Bus.DeadLetterDrainInterval = ""
	cfg.Bus.ExpiredSweepInterval = "-5s"
	cfg.Retention.SweepInterval = "???"

	assert.Equal(t, 30*time.Second, cfg.GetHealthInterval())
	assert.Equal(t, 60*time.Second, cfg.GetDeadLetterDrainInterval())
	assert.Equal(t, 300*time.Second, cfg.GetExpiredSweepInterval())
	assert.Equal(t, time.Hour, cfg.GetRetentionSweepInterval())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero cache capacity", func(c *Config) { c.Cache.Capacity = 0 }},
		{"negative max agents", func(c *Config) { c.Orchestrator.MaxConcurrentAgents = -1 }},
		{"zero short-term capacity", func(c *Config) { c.Memory.ShortTermCapacity = 0 }},
		{"threshold above one", func(c *Config) { c.Quality.Thresholds["medical"] = 1.5 }},
		{"zero threshold", func(c *Config) { c.Quality.Thresholds["legal"] = 0 }},
		{"negative retention", func(c *Config) { c.Retention.Days["default"] = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
