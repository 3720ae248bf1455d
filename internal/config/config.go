package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONFIGURATION
// =============================================================================
//
// Config is loaded from YAML, then overlaid with process-environment
// overrides. A missing file yields the defaults, so the kernel always
// starts.

// Config holds all agentmesh configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Bus          BusConfig          `yaml:"bus"`
	Cache        CacheConfig        `yaml:"cache"`
	Memory       MemoryConfig       `yaml:"memory"`
	Retention    RetentionConfig    `yaml:"retention"`
	Quality      QualityConfig      `yaml:"quality"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig tunes the agent population.
type OrchestratorConfig struct {
	MaxConcurrentAgents int    `yaml:"max_concurrent_agents"`
	HealthInterval      string `yaml:"health_interval"`
	SpawnQueueSize      int    `yaml:"spawn_queue_size"`
}

// BusConfig tunes the message queue's background loops.
type BusConfig struct {
	DeadLetterDrainInterval string `yaml:"dead_letter_drain_interval"`
	ExpiredSweepInterval    string `yaml:"expired_sweep_interval"`
}

// CacheConfig tunes the predictive cache.
type CacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// MemoryConfig tunes the memory tiers.
type MemoryConfig struct {
	ShortTermCapacity int `yaml:"short_term_capacity"`
}

// RetentionConfig holds the per-class retention periods in days.
type RetentionConfig struct {
	SweepInterval string         `yaml:"sweep_interval"`
	Days          map[string]int `yaml:"days"`
}

// QualityConfig holds the per-role quality thresholds.
type QualityConfig struct {
	Thresholds map[string]float64 `yaml:"thresholds"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error
	Verbose bool   `yaml:"verbose"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "agentmesh",
		Version: "1.0.0",

		Orchestrator: OrchestratorConfig{
			MaxConcurrentAgents: 50,
			HealthInterval:      "30s",
			SpawnQueueSize:      100,
		},

		Bus: BusConfig{
			DeadLetterDrainInterval: "60s",
			ExpiredSweepInterval:    "300s",
		},

		Cache: CacheConfig{
			Capacity: 10000,
		},

		Memory: MemoryConfig{
			ShortTermCapacity: 1000,
		},

		Retention: RetentionConfig{
			SweepInterval: "1h",
			Days: map[string]int{
				"gdpr_personal_data": 365,
				"system_logs":        90,
				"research_data":      1825,
				"default":            90,
			},
		},

		Quality: QualityConfig{
			Thresholds: map[string]float64{
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
				"default":        0.80,
			},
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadEnvFile loads a .env file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides. Unparseable
// values are ignored in favour of the file/default value.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MAX_CONCURRENT_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.MaxConcurrentAgents = n
		}
	}
	if v := os.Getenv("MESH_SPAWN_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Orchestrator.SpawnQueueSize = n
		}
	}
	if v := os.Getenv("MESH_HEALTH_INTERVAL"); v != "" {
		if _, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.HealthInterval = v
		}
	}
	if v := os.Getenv("MESH_CACHE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Cache.Capacity = n
		}
	}
	if v := os.Getenv("MESH_SHORT_TERM_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Memory.ShortTermCapacity = n
		}
	}
	if v := os.Getenv("MESH_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	// Per-class retention days: MESH_RETENTION_DAYS_<CLASS>.
	for class := range c.Retention.Days {
		key := "MESH_RETENTION_DAYS_" + strings.ToUpper(class)
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.Retention.Days[class] = n
			}
		}
	}

	// Per-role quality thresholds: MESH_QUALITY_THRESHOLD_<ROLE>.
	for role := range c.Quality.Thresholds {
		key := "MESH_QUALITY_THRESHOLD_" + strings.ToUpper(role)
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 1 {
				c.Quality.Thresholds[role] = f
			}
		}
	}
}

// GetHealthInterval returns the health sweep interval as a duration.
func (c *Config) GetHealthInterval() time.Duration {
	d, err := time.ParseDuration(c.Orchestrator.HealthInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// GetDeadLetterDrainInterval returns the DLQ drain interval as a duration.
func (c *Config) GetDeadLetterDrainInterval() time.Duration {
	d, err := time.ParseDuration(c.Bus.DeadLetterDrainInterval)
	if err != nil || d <= 0 {
		return 60 * time.Second
	}
	return d
}

// GetExpiredSweepInterval returns the expiry sweep interval as a duration.
func (c *Config) GetExpiredSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Bus.ExpiredSweepInterval)
	if err != nil || d <= 0 {
		return 300 * time.Second
	}
	return d
}

// GetRetentionSweepInterval returns the retention sweep cadence.
func (c *Config) GetRetentionSweepInterval() time.Duration {
	d, err := time.ParseDuration(c.Retention.SweepInterval)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// Validate checks the configuration for nonsensical values.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentAgents <= 0 {
		return fmt.Errorf("max_concurrent_agents must be positive, got %d", c.Orchestrator.MaxConcurrentAgents)
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", c.Cache.Capacity)
	}
	if c.Memory.ShortTermCapacity <= 0 {
		return fmt.Errorf("short_term_capacity must be positive, got %d", c.Memory.ShortTermCapacity)
	}
	for role, threshold := range c.Quality.Thresholds {
		if threshold <= 0 || threshold > 1 {
			return fmt.Errorf("quality threshold for %s out of (0,1]: %v", role, threshold)
		}
	}
	for class, days := range c.Retention.Days {
		if days <= 0 {
			return fmt.Errorf("retention days for %s must be positive, got %d", class, days)
		}
	}
	return nil
}
