// Package opsserver exposes a local-only, read-only HTTP surface for
// long-running portfolio-mode backtests: health, run status, and Prometheus
// metrics. It is never reachable from outside the host.
package opsserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds every Prometheus metric the engine reports during a
// run.
type MetricsRegistry struct {
	PhaseDuration   *prometheus.HistogramVec
	SymbolsIngested prometheus.Counter
	SymbolsFailed   *prometheus.CounterVec
	TradesSimulated prometheus.Counter
	ActiveSymbols   prometheus.Gauge
	SnapshotsEmitted prometheus.Counter
	CorrelationPairs prometheus.Gauge
	CacheHits       *prometheus.CounterVec
	CacheMisses     *prometheus.CounterVec
}

// NewMetricsRegistry builds and registers every metric on a fresh registry.
func NewMetricsRegistry() (*MetricsRegistry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	m := &MetricsRegistry{
		PhaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fxbacktest_phase_duration_seconds",
				Help:    "Duration of each run phase in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"phase"},
		),
		SymbolsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxbacktest_symbols_ingested_total",
			Help: "Total symbols successfully ingested",
		}),
		SymbolsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fxbacktest_symbols_failed_total",
				Help: "Total symbols isolated due to ingestion or runtime failure",
			},
			[]string{"reason"},
		),
		TradesSimulated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxbacktest_trades_simulated_total",
			Help: "Total trades resolved by the simulator across all symbols",
		}),
		ActiveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxbacktest_active_symbols",
			Help: "Symbols currently being processed in independent or portfolio mode",
		}),
		SnapshotsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fxbacktest_portfolio_snapshots_total",
			Help: "Total portfolio snapshot records emitted",
		}),
		CorrelationPairs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fxbacktest_correlation_pairs_tracked",
			Help: "Number of symbol pairs with a usable correlation window",
		}),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fxbacktest_cache_hits_total", Help: "Cache hits by cache name"},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "fxbacktest_cache_misses_total", Help: "Cache misses by cache name"},
			[]string{"cache"},
		),
	}
	reg.MustRegister(
		m.PhaseDuration, m.SymbolsIngested, m.SymbolsFailed, m.TradesSimulated,
		m.ActiveSymbols, m.SnapshotsEmitted, m.CorrelationPairs, m.CacheHits, m.CacheMisses,
	)
	return m, reg
}

// PhaseTimer times a single named phase (ingest, scan, simulate, ...).
type PhaseTimer struct {
	metrics *MetricsRegistry
	phase   string
	start   time.Time
}

// StartPhaseTimer begins timing a phase.
func (m *MetricsRegistry) StartPhaseTimer(phase string) *PhaseTimer {
	return &PhaseTimer{metrics: m, phase: phase, start: time.Now()}
}

// Stop records the elapsed duration against the phase histogram.
func (t *PhaseTimer) Stop() {
	t.metrics.PhaseDuration.WithLabelValues(t.phase).Observe(time.Since(t.start).Seconds())
}

// RecordCacheHit increments the hit counter for a named cache.
func (m *MetricsRegistry) RecordCacheHit(cache string) { m.CacheHits.WithLabelValues(cache).Inc() }

// RecordCacheMiss increments the miss counter for a named cache.
func (m *MetricsRegistry) RecordCacheMiss(cache string) { m.CacheMisses.WithLabelValues(cache).Inc() }

// RecordSymbolFailure increments the failure counter for reason.
func (m *MetricsRegistry) RecordSymbolFailure(reason string) {
	m.SymbolsFailed.WithLabelValues(reason).Inc()
}
