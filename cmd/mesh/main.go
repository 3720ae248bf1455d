package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentmesh/internal/config"
	"agentmesh/internal/logging"
	"agentmesh/internal/runtime"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Global flags
	verbose    bool
	configPath string
	envFile    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mesh",
	Short: "agentmesh - multi-agent orchestration kernel",
	Long: `agentmesh is an in-process kernel for orchestrating concurrent agents.

It provides a priority message bus with dead-lettering, an event-sourced
memory with time travel and GDPR-grade retention, a predictive cache,
capability-based agent discovery, and a plugin loader - all composed by a
single runtime with deterministic startup and shutdown.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		return logging.Initialize(verbose)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

// serveCmd runs the kernel until interrupted
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the kernel until interrupted",
	Long: `Starts the full runtime: message queue sweeps, retention sweep, the
spawn-queue drainer and the agent health loop. SIGINT or SIGTERM triggers a
graceful shutdown: agents are terminated cascade-style, plugins shut down in
reverse registration order, and background loops are joined.

With --watch, edits to the config file hot-reload the tunables (retention
periods, quality thresholds) without a restart.`,
	RunE: runServe,
}

var watchConfig bool

// configCmd prints the effective configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Loads the config file (or defaults when it is missing), applies
environment overrides, and prints the result as YAML.`,
	RunE: runConfig,
}

// statsCmd prints a snapshot of a fresh runtime
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a runtime component snapshot",
	RunE:  runStats,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.DefaultConfig()
		fmt.Printf("%s %s\n", cfg.Name, cfg.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mesh.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "path to a .env file (default .env)")

	serveCmd.Flags().BoolVar(&watchConfig, "watch", false, "hot-reload tunables when the config file changes")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rt := runtime.New(cfg)
	rt.Start()
	defer rt.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if watchConfig {
		watcher, err := config.NewWatcher(configPath, rt.ApplyConfig)
		if err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	fmt.Printf("agentmesh serving (max agents %d) - Ctrl-C to stop\n",
		cfg.Orchestrator.MaxConcurrentAgents)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived %s, shutting down\n", sig)
	case <-ctx.Done():
	}
	return nil
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt := runtime.New(cfg)
	out, err := json.MarshalIndent(rt.Stats(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
