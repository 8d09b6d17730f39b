package telemetry

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-router/internal/common/logging"
)

func newTestTracker(t *testing.T, config Config) (*LatencyTracker, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.DebugLevel, Output: buf})
	require.NoError(t, err)
	return NewLatencyTracker(config, logger), buf
}

func TestP95NearestRank(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 20})

	// Ten samples 10..100: ceil(0.95*10)-1 = 9, the last sample
	for i := 1; i <= 10; i++ {
		tracker.RecordLatency(float64(i*10), "corr-1")
	}

	assert.Equal(t, float64(100), tracker.Snapshot().P95Ms)
}

func TestP95SingleSample(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 20})

	tracker.RecordLatency(42, "corr-1")
	assert.Equal(t, float64(42), tracker.Snapshot().P95Ms)
}

func TestP95FullHundredSamples(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 120})

	for i := 1; i <= 100; i++ {
		tracker.RecordLatency(float64(i), "corr-1")
	}

	// ceil(0.95*100)-1 = 94, sample value 95
	assert.Equal(t, float64(95), tracker.Snapshot().P95Ms)
}

func TestWindowEvictsOldest(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 10})

	// Ten slow samples, then ten fast ones push them all out
	for i := 0; i < 10; i++ {
		tracker.RecordLatency(1000, "corr-1")
	}
	for i := 0; i < 10; i++ {
		tracker.RecordLatency(5, "corr-1")
	}

	snapshot := tracker.Snapshot()
	assert.Equal(t, 10, snapshot.Samples)
	assert.Equal(t, float64(5), snapshot.P95Ms)
}

func TestRecordLatencyReturnsInput(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 10})

	assert.Equal(t, 123.4, tracker.RecordLatency(123.4, "corr-1"))
}

func TestSLOBreachLogged(t *testing.T) {
	tracker, buf := newTestTracker(t, Config{WindowSize: 10, P95SLO: 100 * time.Millisecond})

	tracker.RecordLatency(500, "corr-1")

	assert.Contains(t, buf.String(), "LATENCY_SLO_BREACH")
}

func TestWithinSLONotFlagged(t *testing.T) {
	tracker, buf := newTestTracker(t, Config{WindowSize: 10, P95SLO: 1200 * time.Millisecond})

	tracker.RecordLatency(50, "corr-1")

	assert.NotContains(t, buf.String(), "LATENCY_SLO_BREACH")
	assert.Contains(t, buf.String(), "LATENCY_RECORDED")
}

func TestColdStartRecordedOnce(t *testing.T) {
	tracker, buf := newTestTracker(t, Config{WindowSize: 10, ColdStartSLO: time.Second})

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker.RecordColdStart(start, start.Add(500*time.Millisecond), "corr-1")
	tracker.RecordColdStart(start, start.Add(9*time.Second), "corr-2")

	out := buf.String()
	assert.Equal(t, 1, bytes.Count([]byte(out), []byte("COLD_START_RECORDED")))
	assert.Contains(t, out, `"within_slo":true`)
	assert.Equal(t, float64(500), tracker.Snapshot().ColdStartMs)
}

func TestColdStartSLOBreach(t *testing.T) {
	tracker, buf := newTestTracker(t, Config{WindowSize: 10, ColdStartSLO: time.Second})

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tracker.RecordColdStart(start, start.Add(3*time.Second), "corr-1")

	assert.Contains(t, buf.String(), `"within_slo":false`)
}

func TestColdStartConcurrentWithSnapshot(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 10})

	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		tracker.RecordColdStart(start, start.Add(500*time.Millisecond), "corr-1")
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			tracker.Snapshot()
		}
	}()
	wg.Wait()

	assert.Equal(t, 500.0, tracker.Snapshot().ColdStartMs)
}

func TestWindowSizeFloor(t *testing.T) {
	tracker, _ := newTestTracker(t, Config{WindowSize: 3})

	for i := 0; i < 12; i++ {
		tracker.RecordLatency(float64(i), "corr-1")
	}

	assert.Equal(t, 10, tracker.Snapshot().Samples, "window floor of 10 must hold")
}
