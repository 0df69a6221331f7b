package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNew_ReturnsSingleton(t *testing.T) {
	m1 := New()
	m2 := New()
	assert.Same(t, m1, m2)
}

func TestMetrics_Recorders(t *testing.T) {
	m := New()

	m.SetBreakerState(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState))

	before := testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("open"))
	m.RecordBreakerTransition("open")
	assert.Equal(t, before+1, testutil.ToFloat64(m.BreakerTransitions.WithLabelValues("open")))

	before = testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("replacement"))
	m.RecordDecision("replacement")
	assert.Equal(t, before+1, testutil.ToFloat64(m.RoutingDecisions.WithLabelValues("replacement")))

	before = testutil.ToFloat64(m.RollbacksTotal.WithLabelValues("manual", "rolledBack"))
	m.RecordRollback("manual", "rolledBack")
	assert.Equal(t, before+1, testutil.ToFloat64(m.RollbacksTotal.WithLabelValues("manual", "rolledBack")))

	m.SetRollbackState(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RollbackState))
}
