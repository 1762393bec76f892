// Package debugsvc implements DebugService (C9): asynchronous log intake,
// per-component level control, and command tracing.
//
// Incoming debug/* events are appended to a bounded channel queue and
// drained by a single background worker, so while the queue has room a burst
// of debug traffic from busy services does not block the emitter on bus.Emit
// (mirroring
// runtime/logger's "logging never blocks the caller" posture, here made
// explicit via a queue rather than an unbuffered handler).
package debugsvc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/bus"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/events"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/logger"
	"github.com/makeorbreakshop/djr3x-voice-sub001/internal/service"
)

// metricsSnapshotter is satisfied by *metrics.Exporter. Declared locally so
// debugsvc depends on the shape it needs rather than the whole metrics
// package's construction surface.
type metricsSnapshotter interface {
	Snapshot() ([]*dto.MetricFamily, error)
}

// DefaultQueueSize bounds the debug log intake queue. When the queue is full,
// the intake handler blocks until a slot frees or its handler context ends;
// no queued entry is dropped.
const DefaultQueueSize = 256

// PerformanceSample is one debug/performance observation, retained in a
// bounded ring for the "debug performance show" CLI subcommand.
type PerformanceSample struct {
	Component  string
	Operation  string
	DurationMs float64
	At         time.Time
}

// maxPerformanceSamples bounds the in-memory performance ring.
const maxPerformanceSamples = 200

type logEntry struct {
	payload events.Payload
}

// Service is the DebugService (C9).
type Service struct {
	*service.BaseService

	cfg     *logger.ModuleConfig
	queue   chan logEntry
	metrics metricsSnapshotter

	mu           sync.Mutex
	traceEnabled bool
	perfEnabled  bool
	perfSamples  []PerformanceSample
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithModuleConfig points the service at a *logger.ModuleConfig other than
// the package-level logger.Global, letting tests assert on level changes
// without mutating global state.
func WithModuleConfig(cfg *logger.ModuleConfig) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(s *Service) { s.queue = make(chan logEntry, n) }
}

// WithMetricsExporter lets "debug performance show" append the kernel's
// Prometheus counters (plan completions, cache hits, mode transitions) below
// the in-process performance-sample ring, without standing up a second HTTP
// scrape just to read them back.
func WithMetricsExporter(m metricsSnapshotter) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a DebugService wired to b.
func New(b *bus.Bus, opts ...Option) *Service {
	s := &Service{
		cfg:   logger.Global,
		queue: make(chan logEntry, DefaultQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.BaseService = service.New("debug_service", b, debugHooks{s})
	return s
}

type debugHooks struct{ s *Service }

func (h debugHooks) Start(ctx context.Context) error { return h.s.onStart(ctx) }
func (h debugHooks) Stop(ctx context.Context) error { return h.s.onStop(ctx) }

func (s *Service) onStart(ctx context.Context) error {
	for _, sub := range []struct {
		topic   events.Topic
		handler bus.Handler
	}{
		{events.TopicDebugLog, s.enqueue},
		{events.TopicDebugCommand, s.handleCommand},
		{events.TopicDebugCommandTrace, s.enqueue},
		{events.TopicDebugPerformance, s.handlePerformance},
		{events.TopicDebugStateTransition, s.enqueue},
		{events.TopicDebugConfig, s.enqueue},
		{events.TopicDebugSetGlobalLevel, s.handleSetGlobalLevel},
	} {
		if err := s.Subscribe(sub.topic, sub.handler); err != nil {
			return err
		}
	}

	s.SpawnOwned(s.drain)
	return nil
}

func (s *Service) onStop(context.Context) error { return nil }

// enqueue is the generic intake path for debug/* events that just need to be
// logged, not interpreted: it never blocks the caller for more than a full
// queue's worth of backpressure.
func (s *Service) enqueue(ctx context.Context, payload events.Payload) error {
	select {
	case s.queue <- logEntry{payload: payload}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// drain is the single background worker that turns queued entries into
// structured log lines, scoped per-component via s.cfg.
func (s *Service) drain(ctx context.Context) {
	for {
		select {
		case entry := <-s.queue:
			s.logEntry(entry)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) logEntry(entry logEntry) {
	switch p := entry.payload.(type) {
	case *events.DebugLogPayload:
		logger.Module(p.Component).Log(context.Background(), parseLevel(p.Level), p.Message, "details", p.Details)
	case *events.DebugCommandTracePayload:
		if s.traceEnabled {
			logger.Module("dispatcher").Info("command trace", "command", p.Command, "service", p.Service, "topic", p.Topic, "duration_ms", p.DurationMs)
		}
	case *events.DebugStateTransitionPayload:
		logger.Module(p.Component).Debug("state transition", "from", p.From, "to", p.To)
	case *events.DebugConfigPayload:
		logger.Module(p.Component).Debug("config snapshot", "config", p.Config)
	}
}

func (s *Service) handlePerformance(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DebugPerformancePayload)
	if !ok {
		return fmt.Errorf("debug/performance: unexpected payload type %T", payload)
	}
	s.mu.Lock()
	enabled := s.perfEnabled
	if enabled {
		sample := PerformanceSample{Component: p.Component, Operation: p.Operation, DurationMs: p.DurationMs, At: time.Now()}
		s.perfSamples = append(s.perfSamples, sample)
		if len(s.perfSamples) > maxPerformanceSamples {
			s.perfSamples = s.perfSamples[len(s.perfSamples)-maxPerformanceSamples:]
		}
	}
	s.mu.Unlock()

	if enabled {
		return s.enqueue(ctx, payload)
	}
	return nil
}

func (s *Service) handleSetGlobalLevel(ctx context.Context, payload events.Payload) error {
	p, ok := payload.(*events.DebugSetGlobalLevelPayload)
	if !ok {
		return fmt.Errorf("debug/set_global_level: unexpected payload type %T", payload)
	}
	s.cfg.SetModuleLevel("all", parseLevel(p.Level))
	return nil
}

// handleCommand implements the three CLI subcommands routed here by the
// command dispatcher: "level", "trace", "performance". A direct
// DebugCommandPayload emit is accepted as well.
func (s *Service) handleCommand(ctx context.Context, payload events.Payload) error {
	var subcommand string
	var args []string
	switch p := payload.(type) {
	case *events.DebugCommandPayload:
		subcommand, args = p.Subcommand, p.Args
	case *events.DispatchedCommandPayload:
		subcommand, args = p.Subcommand, p.Args
	default:
		return fmt.Errorf("debug/command: unexpected payload type %T", payload)
	}

	var reply string
	var isErr bool
	switch subcommand {
	case "level":
		reply, isErr = s.cmdLevel(args)
	case "trace":
		reply, isErr = s.cmdTrace(args)
	case "performance":
		reply, isErr = s.cmdPerformance(args)
	default:
		reply, isErr = fmt.Sprintf("unknown debug subcommand %q", subcommand), true
	}

	s.Bus().Emit(ctx, events.TopicCLIResponse, &events.CLIResponsePayload{
		Common:  events.Common{Timestamp: time.Now()},
		Message: reply,
		IsError: isErr,
	})
	return nil
}

func (s *Service) cmdLevel(args []string) (string, bool) {
	if len(args) != 2 {
		return "usage: debug level <component|all> <LEVEL>", true
	}
	component, levelName := args[0], args[1]
	level, ok := slogLevelFromName(levelName)
	if !ok {
		return fmt.Sprintf("unknown level %q", levelName), true
	}
	s.cfg.SetModuleLevel(component, level)
	return fmt.Sprintf("%s now logging at %s", component, strings.ToUpper(levelName)), false
}

func (s *Service) cmdTrace(args []string) (string, bool) {
	if len(args) != 1 {
		return "usage: debug trace <enable|disable>", true
	}
	switch args[0] {
	case "enable":
		s.mu.Lock()
		s.traceEnabled = true
		s.mu.Unlock()
		return "command tracing enabled", false
	case "disable":
		s.mu.Lock()
		s.traceEnabled = false
		s.mu.Unlock()
		return "command tracing disabled", false
	default:
		return "usage: debug trace <enable|disable>", true
	}
}

func (s *Service) cmdPerformance(args []string) (string, bool) {
	if len(args) != 1 {
		return "usage: debug performance <enable|disable|show>", true
	}
	switch args[0] {
	case "enable":
		s.mu.Lock()
		s.perfEnabled = true
		s.mu.Unlock()
		return "performance sampling enabled", false
	case "disable":
		s.mu.Lock()
		s.perfEnabled = false
		s.perfSamples = nil
		s.mu.Unlock()
		return "performance sampling disabled", false
	case "show":
		return s.formatPerformanceSamples(), false
	default:
		return "usage: debug performance <enable|disable|show>", true
	}
}

func (s *Service) formatPerformanceSamples() string {
	s.mu.Lock()
	samples := append([]PerformanceSample(nil), s.perfSamples...)
	s.mu.Unlock()

	var b strings.Builder
	if len(samples) == 0 {
		b.WriteString("no performance samples recorded")
	} else {
		for _, sample := range samples {
			fmt.Fprintf(&b, "%s.%s: %.2fms\n", sample.Component, sample.Operation, sample.DurationMs)
		}
	}

	if summary := s.formatMetricsSummary(); summary != "" {
		fmt.Fprintf(&b, "\n--\n%s", summary)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatMetricsSummary renders the kernel's Prometheus counters as plain
// text, skipping the Go/process collectors that aren't useful from the CLI.
func (s *Service) formatMetricsSummary() string {
	if s.metrics == nil {
		return ""
	}
	families, err := s.metrics.Snapshot()
	if err != nil {
		return fmt.Sprintf("metrics unavailable: %v", err)
	}

	var b strings.Builder
	for _, fam := range families {
		name := fam.GetName()
		if !strings.HasPrefix(name, "r3x_") {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			sort.Strings(labels)
			if len(labels) > 0 {
				fmt.Fprintf(&b, "%s{%s} %g\n", name, strings.Join(labels, ","), m.GetCounter().GetValue())
			} else {
				fmt.Fprintf(&b, "%s %g\n", name, m.GetCounter().GetValue())
			}
		}
	}
	return b.String()
}

// Samples returns a snapshot of retained performance samples, for tests and
// any future non-CLI introspection surface.
func (s *Service) Samples() []PerformanceSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PerformanceSample(nil), s.perfSamples...)
}

func parseLevel(name string) slog.Level {
	level, ok := slogLevelFromName(name)
	if !ok {
		return slog.LevelInfo
	}
	return level
}

func slogLevelFromName(name string) (slog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	if n, err := strconv.Atoi(name); err == nil {
		return slog.Level(n), true
	}
	return 0, false
}
