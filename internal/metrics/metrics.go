package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// RuleFires counts fire attempts by rule scope (global/unit) and outcome.
	RuleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_scheduler_rule_fires_total",
			Help: "Number of notification rules fired",
		},
		[]string{"scope", "outcome"},
	)

	OrderExpiries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_scheduler_order_expiries_total",
			Help: "Number of stale orders processed by the reconciler",
		},
		[]string{"outcome"},
	)

	DispatchRecipients = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_scheduler_dispatch_recipients_total",
			Help: "Per-recipient push dispatch results",
		},
		[]string{"outcome"},
	)

	SkippedTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_scheduler_skipped_ticks_total",
			Help: "Ticks skipped because the previous tick was still running",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_scheduler_job_duration_seconds",
			Help:    "Duration of each scheduler job within a tick",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(RuleFires, OrderExpiries, DispatchRecipients, SkippedTicks, JobDuration)
	})
}
