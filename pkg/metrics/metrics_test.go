package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestNewRegistersDistinctMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RoutesComputed.Inc()
	m.RoutesComputed.Inc()
	assert.Equal(t, float64(2), counterValue(t, m.RoutesComputed))
	assert.Equal(t, float64(0), counterValue(t, m.NoRouteFound))
}

func TestCanceledCounterVecLabelsByReason(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ExportSessionsCanceled.WithLabelValues("RetransmitLimitExceeded").Inc()
	m.ExportSessionsCanceled.WithLabelValues("MiscoloredSegment").Inc()
	m.ExportSessionsCanceled.WithLabelValues("MiscoloredSegment").Inc()

	assert.Equal(t, float64(1), counterValue(t, m.ExportSessionsCanceled.WithLabelValues("RetransmitLimitExceeded")))
	assert.Equal(t, float64(2), counterValue(t, m.ExportSessionsCanceled.WithLabelValues("MiscoloredSegment")))
}

func TestActiveSessionGaugesPerSpan(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ActiveExportSessions.WithLabelValues("2").Set(3)
	m.ActiveExportSessions.WithLabelValues("3").Set(1)

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)
}
