package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Dispatched("hailuo", "accepted")
	m.Dispatched("hailuo", "accepted")
	m.Refunded("provider", 3)
	m.Transcoded("ok", 2*time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("hailuo", "accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refunds.WithLabelValues("provider")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.refundCredits))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Dispatched("x", "y")
		m.Finished("kie", "completed")
		m.Refunded("x", 1)
		m.Webhook("kie", "ok")
		m.Transcoded("ok", time.Second)
		m.Swept("pending")
		m.SweepTook(time.Second)
	})
}
