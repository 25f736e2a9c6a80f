// Package metrics exposes Prometheus collectors for admission, metering and
// reconciliation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gateway"

type Collector struct {
	// Admission
	AdmissionDecisions *prometheus.CounterVec
	AdmissionDuration  prometheus.Histogram

	// Usage logging
	UsageLogs *prometheus.CounterVec

	// Reconciliation
	ReconcileCycles        *prometheus.CounterVec
	ReconcileDuration      prometheus.Histogram
	ReconcileCustomerFails prometheus.Counter
	MonthlyResets          prometheus.Counter

	// Upstream forwarding
	UpstreamErrors *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		AdmissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Admission decisions by outcome and reason",
			},
			[]string{"outcome", "reason"},
		),
		AdmissionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "admission_duration_seconds",
				Help:      "Time spent deciding whether to admit a request",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2},
			},
		),
		UsageLogs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "usage_logs_total",
				Help:      "Usage log entries by result (written, failed, dropped)",
			},
			[]string{"result"},
		),
		ReconcileCycles: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_cycles_total",
				Help:      "Reconciliation cycles by outcome",
			},
			[]string{"outcome"},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
			},
		),
		ReconcileCustomerFails: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_customer_failures_total",
				Help:      "Customers whose reconciliation failed within a cycle",
			},
		),
		MonthlyResets: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monthly_usage_resets_total",
				Help:      "Customer usage counters reset at month rollover",
			},
		),
		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Upstream forwarding failures by service and kind",
			},
			[]string{"service", "kind"},
		),
	}
}

// The helpers below tolerate a nil collector so components can run unmetered.

func (c *Collector) ObserveAdmission(allowed bool, reason string, elapsed time.Duration) {
	if c == nil {
		return
	}
	outcome := "denied"
	if allowed {
		outcome = "allowed"
		reason = "none"
	}
	c.AdmissionDecisions.WithLabelValues(outcome, reason).Inc()
	c.AdmissionDuration.Observe(elapsed.Seconds())
}

func (c *Collector) UsageLogged(result string) {
	if c == nil {
		return
	}
	c.UsageLogs.WithLabelValues(result).Inc()
}

func (c *Collector) ObserveCycle(outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ReconcileCycles.WithLabelValues(outcome).Inc()
	c.ReconcileDuration.Observe(elapsed.Seconds())
}

func (c *Collector) CustomerReconcileFailed() {
	if c == nil {
		return
	}
	c.ReconcileCustomerFails.Inc()
}

func (c *Collector) UsageReset() {
	if c == nil {
		return
	}
	c.MonthlyResets.Inc()
}

func (c *Collector) UpstreamFailed(service, kind string) {
	if c == nil {
		return
	}
	c.UpstreamErrors.WithLabelValues(service, kind).Inc()
}
