// Package metrics exposes a small Prometheus registry (C12) for plan
// completions, cache hit ratio, handler errors, and mode transitions,
// grounded directly on the teacher's runtime/metrics/prometheus package:
// package-level collector vars registered once, recorded via small
// package-level Record* functions rather than an injected interface, so
// every component can report outcomes without threading a metrics handle
// through its constructor.
package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "r3x"

const defaultReadHeaderTimeout = 10 * time.Second

var (
	planEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_ended_total",
			Help:      "Total number of timeline plans reaching a terminal state.",
		},
		[]string{"layer", "status"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "speech_cache_lookups_total",
			Help:      "Total cached-speech lookups, partitioned by hit/miss.",
		},
		[]string{"result"}, // hit | miss
	)

	handlerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_handler_errors_total",
			Help:      "Total bus handler errors/timeouts, partitioned by kind.",
		},
		[]string{"kind"},
	)

	modeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Total mode transitions, partitioned by outcome.",
		},
		[]string{"old", "new", "outcome"}, // outcome: committed | rolled_back
	)

	commandDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Total CLI commands dispatched, partitioned by match outcome.",
		},
		[]string{"outcome"}, // matched | unknown
	)

	allMetrics = []prometheus.Collector{
		planEndedTotal, cacheLookupsTotal, handlerErrorsTotal, modeTransitionsTotal, commandDispatchedTotal,
	}
)

// RecordPlanEnded records a timeline plan reaching a terminal state.
func RecordPlanEnded(layer, status string) { planEndedTotal.WithLabelValues(layer, status).Inc() }

// RecordCacheLookup records a cached-speech lookup result ("hit" or "miss").
func RecordCacheLookup(result string) { cacheLookupsTotal.WithLabelValues(result).Inc() }

// RecordHandlerError records a bus handler error/timeout by kernelerr.Kind.
func RecordHandlerError(kind string) { handlerErrorsTotal.WithLabelValues(kind).Inc() }

// RecordModeTransition records a mode transition outcome.
func RecordModeTransition(old, new_, outcome string) {
	modeTransitionsTotal.WithLabelValues(old, new_, outcome).Inc()
}

// RecordCommandDispatched records a CLI command dispatch outcome.
func RecordCommandDispatched(outcome string) { commandDispatchedTotal.WithLabelValues(outcome).Inc() }

// Exporter serves the registry over HTTP for external scraping and exposes
// Snapshot for `debug performance show`, mirroring
// runtime/metrics/prometheus.Exporter.
type Exporter struct {
	addr     string
	server   *http.Server
	registry *prometheus.Registry

	mu      sync.Mutex
	started bool
}

// NewExporter creates an Exporter bound to addr, registering every kernel
// metric plus the standard Go/process collectors.
func NewExporter(addr string) *Exporter {
	reg := prometheus.NewRegistry()
	for _, c := range allMetrics {
		reg.MustRegister(c)
	}
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Exporter{addr: addr, registry: reg}
}

// Start begins serving /metrics. It blocks until Shutdown is called or the
// listener errors; callers typically run it in its own goroutine.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))
	e.server = &http.Server{Addr: e.addr, Handler: mux, ReadHeaderTimeout: defaultReadHeaderTimeout}
	e.started = true
	e.mu.Unlock()
	return e.server.ListenAndServe()
}

// Shutdown gracefully stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server != nil && e.started {
		e.started = false
		return e.server.Shutdown(ctx)
	}
	return nil
}

// Snapshot gathers the current registry state, used by `debug performance
// show` to print a textual summary without standing up an HTTP listener.
func (e *Exporter) Snapshot() ([]*dto.MetricFamily, error) {
	return e.registry.Gather()
}
