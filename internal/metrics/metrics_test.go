package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, httpRequestsTotal)
	require.NotNil(t, nodeStatus)
	require.NotNil(t, admissionWaitSeconds)
}

func TestSetStatusIsOneHot(t *testing.T) {
	Init()

	SetStatus("metrics_test_node", "BUSY")
	assert.Equal(t, 1.0, testutil.ToFloat64(nodeStatus.WithLabelValues("metrics_test_node", "BUSY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(nodeStatus.WithLabelValues("metrics_test_node", "IDLE")))

	SetStatus("metrics_test_node", "IDLE")
	assert.Equal(t, 0.0, testutil.ToFloat64(nodeStatus.WithLabelValues("metrics_test_node", "BUSY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(nodeStatus.WithLabelValues("metrics_test_node", "IDLE")))
}

func TestCounters(t *testing.T) {
	Init()

	ObserveRejection("metrics_test_counters", "busy_timeout")
	ObserveConnect("metrics_test_counters", false)
	ObserveArchive("metrics_test_counters", "protocols", true)
	ObserveAdmissionWait("metrics_test_counters", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(admissionRejectionsTotal.WithLabelValues("metrics_test_counters", "busy_timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(deviceConnectsTotal.WithLabelValues("metrics_test_counters", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(archiveUploadsTotal.WithLabelValues("metrics_test_counters", "protocols", "ok")))
}
