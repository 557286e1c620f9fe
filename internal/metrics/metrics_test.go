package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPrometheus(reg)

	m.AcquisitionAttempt(3)
	m.AcquisitionAttempt(0)
	m.SubmissionFailure(ReasonRejected)
	m.SubmissionFailure(ReasonRejected)
	m.SubmissionFailure(ReasonResourceExhausted)
	m.ExecutionCompleted(OutcomeSuccess, 120*time.Millisecond)
	m.Reclaimed(SourceZombie, 2)
	m.Reclaimed(SourceOrphan, 0)
	m.BreakerEvent("redis", "trip", "timeout")
	m.SetActive(4)
	m.SetPodView(3, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.acquired))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.submitFailures.WithLabelValues(ReasonRejected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.submitFailures.WithLabelValues(ReasonResourceExhausted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.executions.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.reclaimed.WithLabelValues(SourceZombie)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.breakerEvents.WithLabelValues("redis", "trip", "timeout")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.podCount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.podIndex))

	n, err := testutil.GatherAndCount(reg, "agentsched_reclaimed_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "orphan series not created for zero reclaims")
}

func TestNopSatisfiesRecorder(t *testing.T) {
	var r Recorder = Nop{}
	r.AcquisitionAttempt(1)
	r.BreakerEvent("x", "y", "z")
}
