// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the pipeline reports into. All
// collectors are registered on the given registry at construction.
type Metrics struct {
	Registry *prometheus.Registry

	SignalsIngested  prometheus.Counter
	SignalsDropped   prometheus.Counter
	RulesFired       prometheus.Counter
	RulesSkipped     *prometheus.CounterVec
	ActionsFailed    prometheus.Counter
	PipelineDuration prometheus.Histogram
}

// New creates a Metrics set on a fresh registry that also carries the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		SignalsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "sdhome_signals_ingested_total",
			Help: "Inbound broker messages accepted as signal events.",
		}),
		SignalsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sdhome_signals_dropped_total",
			Help: "Inbound broker messages discarded by the mapper.",
		}),
		RulesFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "sdhome_automation_rules_fired_total",
			Help: "Automation rules whose actions were executed.",
		}),
		RulesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sdhome_automation_rules_skipped_total",
			Help: "Automation rules skipped before action execution.",
		}, []string{"reason"}),
		ActionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sdhome_automation_actions_failed_total",
			Help: "Automation actions that returned an error.",
		}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sdhome_signal_pipeline_duration_seconds",
			Help:    "Time from broker message receipt to automation dispatch.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
