package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/corestream/types"
)

func TestPrometheusCollectorImplementsInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var mc types.MetricsCollector = NewPrometheus(reg, "test")

	require.NotPanics(t, func() {
		mc.SetPendingPublishCount(3)
		mc.IncrementPublishStall()
		mc.RecordPublishStallWait(0.02)
		mc.RecordAckLatency(0.03)
		mc.IncrementSubscriptionCreated(true)
		mc.IncrementSubscriptionBound(false)
		mc.IncrementMissedHeartbeat()
		mc.IncrementSequenceMismatch()
		mc.RecordFetchBatchSize(4)
	})

	metricFamilies, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, metricFamilies)
}

func TestPrometheusCollectorDefaults(t *testing.T) {
	c := NewPrometheus(nil, "")
	require.Equal(t, "corestream", c.namespace)
	require.NotNil(t, c.reg)
}
