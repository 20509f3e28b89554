package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTransition("accept", "ok")
		m.ObserveEvent("pickupPending", "delivered")
		m.ObserveLocationReport("ok")
		m.ObservePush("sent")
		m.SetConnections("collector", 3)
	})
}

func TestCollectorsRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveTransition("accept", "ok")
	m.ObserveTransition("accept", "ok")
	m.ObserveTransition("accept", "conflict")
	m.ObserveEvent("pickupPending", "dropped")
	m.SetConnections("collector", 4)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("accept", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transitions.WithLabelValues("accept", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Events.WithLabelValues("pickupPending", "dropped")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.Connections.WithLabelValues("collector")))
}
