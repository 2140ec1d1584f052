package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecordDispatch(t *testing.T) {
	RecordDispatch("echo", true, 0.01)
	RecordDispatch("echo", false, 0.02)

	require.Equal(t, float64(1), testutil.ToFloat64(dispatchedTotal.WithLabelValues("echo", "success")))
	require.Equal(t, float64(1), testutil.ToFloat64(dispatchedTotal.WithLabelValues("echo", "error")))
}

func TestRecordProbe(t *testing.T) {
	RecordProbe(true)
	RecordProbe(false)
	RecordProbe(false)

	require.Equal(t, float64(1), testutil.ToFloat64(probesTotal.WithLabelValues("healthy")))
	require.Equal(t, float64(2), testutil.ToFloat64(probesTotal.WithLabelValues("unhealthy")))
}

func TestSetInstanceGauge(t *testing.T) {
	SetInstanceGauge("echo", "running", 3)
	require.Equal(t, float64(3), testutil.ToFloat64(instancesGauge.WithLabelValues("echo", "running")))

	SetInstanceGauge("echo", "running", 1)
	require.Equal(t, float64(1), testutil.ToFloat64(instancesGauge.WithLabelValues("echo", "running")))
}

func TestSetRevision(t *testing.T) {
	SetRevision(42)
	require.Equal(t, float64(42), testutil.ToFloat64(storeRevision))
}

func TestRegistryGather(t *testing.T) {
	mfs, err := Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}
