package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsSnapshotComputesAveragesAndErrorRate(t *testing.T) {
	m := NewMetrics()
	m.RecordSuccess(100)
	m.RecordSuccess(200)
	m.RecordFailure()

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.Total)
	assert.Equal(t, int64(2), snap.Successes)
	assert.Equal(t, int64(1), snap.Failures)
	assert.InDelta(t, 150, snap.AverageResponseTimeMs, 0.001)
	assert.InDelta(t, 33.333, snap.ErrorRatePercent, 0.01)
}

func TestMetricsSnapshotWindowIsBounded(t *testing.T) {
	m := NewMetrics()
	for i := 0; i < sampleWindow+10; i++ {
		m.RecordSuccess(float64(i))
	}
	require.LessOrEqual(t, len(m.samples), sampleWindow)
	// the oldest 10 samples (0..9) roll off, leaving 10..109
	snap := m.Snapshot()
	assert.InDelta(t, 59.5, snap.AverageResponseTimeMs, 0.01)
}

func baseConfig() Config {
	return Config{
		IntervalSeconds:         10,
		MinIntervalSeconds:      5,
		MaxIntervalSeconds:      30,
		ErrorRateThresholdPct:   5,
		ResponseTimeThresholdMs: 1000,
	}
}

func TestAdaptiveIntervalBaseline(t *testing.T) {
	got := AdaptiveInterval(baseConfig(), Snapshot{}, 0)
	assert.Equal(t, 10*time.Second, got)
}

func TestAdaptiveIntervalScalesWithErrorRateAndLatencyAndLoad(t *testing.T) {
	cfg := baseConfig()

	// high error rate alone: 10 * 1.5 = 15s
	got := AdaptiveInterval(cfg, Snapshot{ErrorRatePercent: 10}, 0)
	assert.Equal(t, 15*time.Second, got)

	// high latency alone: 10 * 1.2 = 12s
	got = AdaptiveInterval(cfg, Snapshot{AverageResponseTimeMs: 2000}, 0)
	assert.Equal(t, 12*time.Second, got)

	// high load alone: 10 * 1.3 = 13s
	got = AdaptiveInterval(cfg, Snapshot{}, 0.9)
	assert.Equal(t, 13*time.Second, got)

	// all three combine: 10 * 1.5 * 1.2 * 1.3 = 23.4s, still under the 30s max
	got = AdaptiveInterval(cfg, Snapshot{ErrorRatePercent: 10, AverageResponseTimeMs: 2000}, 0.9)
	assert.Equal(t, 23400*time.Millisecond, got)
}

func TestAdaptiveIntervalClampsToMinimum(t *testing.T) {
	cfg := baseConfig()
	cfg.IntervalSeconds = 1
	got := AdaptiveInterval(cfg, Snapshot{}, 0)
	assert.Equal(t, 5*time.Second, got)
}
