// Package logging provides category-scoped zap loggers for the unicorn runtime.
// Every subsystem asks for its logger with Get(category); the base logger is
// built once at startup by Init and can be swapped wholesale with Replace.
package logging

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup and shutdown
	CategorySession      Category = "session"      // Connection session, listener binding
	CategoryReconnect    Category = "reconnect"    // Disconnect classification and retry timers
	CategoryPlugins      Category = "plugins"      // Plugin loading and registry
	CategoryWatcher      Category = "watcher"      // Plugin directory watcher
	CategoryDispatch     Category = "dispatch"     // Event dispatch into plugins
	CategoryCredentials  Category = "credentials"  // Session-id bootstrap, creds file
	CategoryStore        Category = "store"        // In-memory store and checkpoints
	CategoryHousekeeping Category = "housekeeping" // Periodic background tasks
	CategoryAdmin        Category = "admin"        // HTTP admin server
)

// Config configures the base logger.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional extra output path
	Categories map[string]bool // per-category switch, missing means enabled
}

var (
	mu         sync.RWMutex
	base       = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	categories map[string]bool
	loggers    = make(map[Category]*zap.SugaredLogger)
)

// Init builds the base logger from cfg and installs it.
func Init(cfg Config) error {
	var zc zap.Config
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "json":
		zc = zap.NewProductionConfig()
	case "console", "text":
		zc = zap.NewDevelopmentConfig()
	default:
		return fmt.Errorf("unknown logging format: %s", cfg.Format)
	}

	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	zc.Level = level
	zc.DisableStacktrace = true
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	l, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	categories = cfg.Categories
	mu.Unlock()
	Replace(l)
	return nil
}

// ParseLevel maps a config level string onto a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown logging level: %s", s)
	}
}

// SetVerbose lowers the level of the installed logger to debug.
func SetVerbose() {
	level.SetLevel(zapcore.DebugLevel)
}

// Replace installs l as the base logger and returns a func restoring the
// previous one. Tests use it with zaptest/observer.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l
	loggers = make(map[Category]*zap.SugaredLogger)
	mu.Unlock()

	return func() {
		mu.Lock()
		base = prev
		loggers = make(map[Category]*zap.SugaredLogger)
		mu.Unlock()
	}
}

// IsCategoryEnabled reports whether a category has not been switched off.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	return !ok || enabled
}

// Get returns (or creates) the logger for the given category.
// Disabled categories get a no-op logger.
func Get(category Category) *zap.SugaredLogger {
	if !IsCategoryEnabled(category) {
		return zap.NewNop().Sugar()
	}

	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	l := base.Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// Sync flushes the base logger.
func Sync() error {
	mu.RLock()
	l := base
	mu.RUnlock()
	return l.Sync()
}

// Recover logs a panic instead of letting it take the process down.
// It must be deferred directly: defer logging.Recover(cat, "what").
func Recover(category Category, what string) {
	if r := recover(); r != nil {
		Get(category).Errorw("recovered panic",
			"in", what,
			"panic", fmt.Sprint(r),
			"stack", string(debug.Stack()),
		)
	}
}

// Boot logs an info line in the boot category.
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Infof(format, args...)
}

// BootError logs an error line in the boot category.
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Errorf(format, args...)
}
