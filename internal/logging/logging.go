// Package logging provides categorized zap loggers for agentmesh.
// Each subsystem gets a named child of the process logger so log output
// can be filtered per component.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one kernel subsystem.
type Category string

const (
	CategoryOrchestrator Category = "orchestrator"
	CategoryRegistry     Category = "registry"
	CategoryBus          Category = "bus"
	CategoryEvents       Category = "events"
	CategoryCache        Category = "cache"
	CategoryMemory       Category = "memory"
	CategoryConsent      Category = "consent"
	CategoryPlugin       Category = "plugin"
	CategoryAgent        Category = "agent"
	CategoryRuntime      Category = "runtime"
)

var (
	mu      sync.RWMutex
	root    = zap.NewNop()
	loggers = make(map[Category]*zap.Logger)
)

// Initialize installs the process root logger. Passing verbose=true lowers
// the level to debug. Safe to call more than once; later calls replace the
// root and invalidate cached category loggers.
func Initialize(verbose bool) error {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	SetRoot(logger)
	return nil
}

// SetRoot replaces the root logger. Tests use this to install zaptest or a
// nop logger.
func SetRoot(logger *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = logger
	loggers = make(map[Category]*zap.Logger)
}

// Get returns the logger for a category.
func Get(cat Category) *zap.Logger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat))
	loggers[cat] = l
	return l
}

// Sync flushes the root logger. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
