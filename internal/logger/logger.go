// Package logger provides module-scoped structured logging for the kernel.
//
// It wraps log/slog with per-module level overrides so that, for example,
// "timeline" can log at DEBUG while the rest of the kernel stays at INFO —
// the same knob the debug service exposes on the bus as `debug level`.
package logger

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

// base is the process-wide logger all module loggers delegate to.
var base = newDefaultLogger()

func newDefaultLogger() *slog.Logger {
	level := slog.LevelInfo
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		level = parseLevel(v, level)
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return fallback
	}
}

// SetJSON switches the base handler to JSON output, useful for log
// aggregation; text output (the default) is friendlier for the CLI.
func SetJSON(json bool, level slog.Level) {
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	base = slog.New(handler)
}

// ModuleConfig manages per-module logging levels with hierarchical
// dot-notation overrides (e.g. "timeline.executor" overrides "timeline").
type ModuleConfig struct {
	mu           sync.RWMutex
	defaultLevel slog.Level
	modules      map[string]slog.Level
	sortedKeys   []string
}

// Global is the kernel-wide module level configuration consulted by every
// Module() logger. DebugService mutates it in response to `debug level`.
var Global = NewModuleConfig(slog.LevelInfo)

// NewModuleConfig creates a ModuleConfig with the given default level.
func NewModuleConfig(defaultLevel slog.Level) *ModuleConfig {
	return &ModuleConfig{defaultLevel: defaultLevel, modules: make(map[string]slog.Level)}
}

// SetModuleLevel sets the level for a module name, or "all" for the default.
func (m *ModuleConfig) SetModuleLevel(module string, level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.EqualFold(module, "all") {
		m.defaultLevel = level
		return
	}
	m.modules[module] = level
	m.updateSortedKeysLocked()
}

func (m *ModuleConfig) updateSortedKeysLocked() {
	keys := make([]string, 0, len(m.modules))
	for k := range m.modules {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return strings.Count(keys[i], ".") > strings.Count(keys[j], ".")
	})
	m.sortedKeys = keys
}

// LevelFor returns the effective level for module, walking up the dotted
// hierarchy before falling back to the configured default.
func (m *ModuleConfig) LevelFor(module string) slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if lvl, ok := m.modules[module]; ok {
		return lvl
	}
	for _, key := range m.sortedKeys {
		if strings.HasPrefix(module, key+".") {
			return m.modules[key]
		}
	}
	return m.defaultLevel
}

// enabledHandler gates slog records on ModuleConfig.LevelFor before
// delegating to the base handler, so per-module levels apply even though
// the base handler itself has a single fixed level.
type enabledHandler struct {
	slog.Handler
	module string
	cfg    *ModuleConfig
}

func (h enabledHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.cfg.LevelFor(h.module)
}

func (h enabledHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return enabledHandler{Handler: h.Handler.WithAttrs(attrs), module: h.module, cfg: h.cfg}
}

func (h enabledHandler) WithGroup(name string) slog.Handler {
	return enabledHandler{Handler: h.Handler.WithGroup(name), module: h.module, cfg: h.cfg}
}

// Module returns a logger scoped to the given module name. Its effective
// level is looked up from Global on every call, so DebugService's runtime
// level changes take effect immediately.
func Module(name string) *slog.Logger {
	return slog.New(enabledHandler{Handler: base.Handler(), module: name, cfg: Global})
}
