// Package metrics exposes the engine's Prometheus instrumentation: cycle
// latency, regime activity, routing outcomes and reload results.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantlab/regimeflow/internal/expr"
	"github.com/quantlab/regimeflow/internal/reload"
)

// Registry holds every metric the engine publishes. One instance is built
// at startup and shared by the evaluation pipeline, the reloader
// subscription and the HTTP layer.
type Registry struct {
	prom *prometheus.Registry

	CycleDuration    *prometheus.HistogramVec
	CyclesTotal      prometheus.Counter
	ActiveRegimes    prometheus.Gauge
	RegimeMatches    *prometheus.CounterVec
	RoutedSets       *prometheus.CounterVec
	RoutingMisses    prometheus.Counter
	SignalsTotal     *prometheus.CounterVec
	MissingKeys      prometheus.Counter
	ReloadsTotal     *prometheus.CounterVec
	ConfigRegimes    prometheus.Gauge
	ConfigStrategies prometheus.Gauge
}

func NewRegistry() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "regimeflow_cycle_duration_seconds",
				Help:    "Duration of one full evaluation cycle (snapshot to signals)",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"result"},
		),
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimeflow_cycles_total",
			Help: "Total evaluation cycles run",
		}),
		ActiveRegimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regimeflow_active_regimes",
			Help: "Number of regimes active in the last cycle",
		}),
		RegimeMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimeflow_regime_matches_total",
				Help: "Cycles in which each regime was active",
			},
			[]string{"regime"},
		),
		RoutedSets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimeflow_routed_sets_total",
				Help: "Cycles routed to each strategy set",
			},
			[]string{"strategy_set"},
		),
		RoutingMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimeflow_routing_misses_total",
			Help: "Cycles in which no routing rule matched",
		}),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimeflow_signals_total",
				Help: "Entry/exit signals produced, by strategy and kind",
			},
			[]string{"strategy", "kind"},
		),
		MissingKeys: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "regimeflow_missing_indicator_keys_total",
			Help: "Distinct missing indicator keys observed per cycle, summed",
		}),
		ReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "regimeflow_config_reloads_total",
				Help: "Configuration reload attempts by result",
			},
			[]string{"result"},
		),
		ConfigRegimes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regimeflow_config_regimes",
			Help: "Regime definitions in the active configuration",
		}),
		ConfigStrategies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "regimeflow_config_strategies",
			Help: "Strategy definitions in the active configuration",
		}),
	}

	r.prom.MustRegister(
		r.CycleDuration, r.CyclesTotal, r.ActiveRegimes, r.RegimeMatches,
		r.RoutedSets, r.RoutingMisses, r.SignalsTotal, r.MissingKeys,
		r.ReloadsTotal, r.ConfigRegimes, r.ConfigStrategies,
	)
	return r
}

// ObserveExprCache registers compile-cache effectiveness metrics backed by
// the expression engine's own counters, sampled at scrape time.
func (r *Registry) ObserveExprCache(stats func() expr.Stats) {
	r.prom.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "regimeflow_expr_cache_hits_total",
			Help: "Expression compile-cache hits",
		}, func() float64 { return float64(stats().Hits) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "regimeflow_expr_cache_misses_total",
			Help: "Expression compile-cache misses",
		}, func() float64 { return float64(stats().Misses) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "regimeflow_expr_cache_entries",
			Help: "Compiled expressions currently cached",
		}, func() float64 { return float64(stats().CacheLen) }),
	)
}

// Gatherer exposes the underlying registry for promhttp.
func (r *Registry) Gatherer() *prometheus.Registry { return r.prom }

// ObserveReload is wired as a reload.Subscriber so configuration swaps show
// up in telemetry without coupling the reloader to Prometheus.
func (r *Registry) ObserveReload(ev reload.Event) {
	if ev.Success {
		r.ReloadsTotal.WithLabelValues("success").Inc()
		r.ConfigRegimes.Set(float64(ev.NewCounts.Regimes))
		r.ConfigStrategies.Set(float64(ev.NewCounts.Strategies))
		return
	}
	r.ReloadsTotal.WithLabelValues("failure").Inc()
}
