package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Admission(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveAdmission(true, "", time.Millisecond)
	c.ObserveAdmission(false, "rate limit exceeded", time.Millisecond)
	c.ObserveAdmission(false, "rate limit exceeded", time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.AdmissionDecisions.WithLabelValues("allowed", "none")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.AdmissionDecisions.WithLabelValues("denied", "rate limit exceeded")))
}

func TestCollector_Reconcile(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.ObserveCycle("success", time.Second)
	c.CustomerReconcileFailed()
	c.UsageReset()
	c.UsageReset()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReconcileCycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.ReconcileCustomerFails))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.MonthlyResets))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveAdmission(true, "", time.Millisecond)
		c.UsageLogged("written")
		c.ObserveCycle("failure", time.Second)
		c.CustomerReconcileFailed()
		c.UsageReset()
		c.UpstreamFailed("orders", "circuit_open")
	})
}

func TestNew_RegistersOnProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)
	c.UsageLogged("written")

	families, err := reg.Gather()
	assert.NoError(t, err)
	assert.NotEmpty(t, families)

	assert.Panics(t, func() { New(reg) })
}
