package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/spearworks/spearctl/pkg/metrics"
)

func TestNodesTotal_TracksPerStatusGauge(t *testing.T) {
	metrics.NodesTotal.WithLabelValues("online").Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(metrics.NodesTotal.WithLabelValues("online")))
}

func TestEventsAppendedTotal_Increments(t *testing.T) {
	before := testutil.ToFloat64(metrics.EventsAppendedTotal.WithLabelValues("test_class"))
	metrics.EventsAppendedTotal.WithLabelValues("test_class").Inc()
	after := testutil.ToFloat64(metrics.EventsAppendedTotal.WithLabelValues("test_class"))
	require.Equal(t, before+1, after)
}

func TestHandler_ReturnsNonNilHTTPHandler(t *testing.T) {
	require.NotNil(t, metrics.Handler())
}

func TestTimer_ObserveDuration(t *testing.T) {
	timer := metrics.NewTimer()
	time.Sleep(5 * time.Millisecond)
	require.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)

	timer.ObserveDuration(metrics.PlacementLatency)
}

func TestTimer_ObserveDurationVec(t *testing.T) {
	timer := metrics.NewTimer()
	timer.ObserveDurationVec(metrics.RuntimeOperationDuration, "process", "execute")

	count := testutil.CollectAndCount(metrics.RuntimeOperationDuration)
	require.Greater(t, count, 0)
}
