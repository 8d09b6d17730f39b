// Package telemetry tracks request latency percentiles and cold-start timing
// against configured SLOs. It is purely observational: it logs and returns,
// never blocks or fails.
package telemetry

import (
	"math"
	"sort"
	"sync"
	"time"

	"wa-router/internal/common/logging"
)

// Config holds tracker tuning
type Config struct {
	// WindowSize is the rolling sample capacity
	WindowSize int
	// ColdStartSLO bounds acceptable first-request initialization time
	ColdStartSLO time.Duration
	// P95SLO bounds acceptable 95th percentile latency
	P95SLO time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		WindowSize:   120,
		ColdStartSLO: 1750 * time.Millisecond,
		P95SLO:       1200 * time.Millisecond,
	}
}

// LatencyTracker keeps a rolling window of latency samples and a one-shot
// cold-start measurement.
type LatencyTracker struct {
	config  Config
	samples []float64
	logger  logging.Logger

	coldStartOnce sync.Once
	coldStartMs   float64

	mu sync.Mutex
}

// NewLatencyTracker creates a tracker
func NewLatencyTracker(config Config, logger logging.Logger) *LatencyTracker {
	if config.WindowSize < 10 {
		config.WindowSize = 10
	}
	if config.ColdStartSLO <= 0 {
		config.ColdStartSLO = 1750 * time.Millisecond
	}
	if config.P95SLO <= 0 {
		config.P95SLO = 1200 * time.Millisecond
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &LatencyTracker{
		config:  config,
		samples: make([]float64, 0, config.WindowSize),
		logger:  logger,
	}
}

// RecordColdStart records the elapsed time between process start and first
// request, once per process lifetime; later calls are no-ops.
func (t *LatencyTracker) RecordColdStart(startMarker, requestStart time.Time, correlationID string) {
	t.coldStartOnce.Do(func() {
		coldStartMs := float64(requestStart.Sub(startMarker)) / float64(time.Millisecond)

		t.mu.Lock()
		t.coldStartMs = coldStartMs
		t.mu.Unlock()

		withinSLO := requestStart.Sub(startMarker) <= t.config.ColdStartSLO

		t.logger.Info("COLD_START_RECORDED",
			logging.Float64("cold_start_ms", coldStartMs),
			logging.Duration("slo", t.config.ColdStartSLO),
			logging.Bool("within_slo", withinSLO),
			logging.String("correlation_id", correlationID),
		)
	})
}

// RecordLatency appends a sample to the rolling window, evicting the oldest
// at capacity, and recomputes the p95. The input is returned unchanged for
// chaining.
func (t *LatencyTracker) RecordLatency(latencyMs float64, correlationID string) float64 {
	t.mu.Lock()

	if len(t.samples) >= t.config.WindowSize {
		t.samples = t.samples[1:]
	}
	t.samples = append(t.samples, latencyMs)

	p95 := percentile(t.samples, 0.95)
	sampleCount := len(t.samples)

	t.mu.Unlock()

	sloBreached := p95 > float64(t.config.P95SLO)/float64(time.Millisecond)
	if sloBreached {
		t.logger.Warn("LATENCY_SLO_BREACH",
			logging.Float64("latency_ms", latencyMs),
			logging.Float64("p95_ms", p95),
			logging.Duration("slo", t.config.P95SLO),
			logging.Int("samples", sampleCount),
			logging.String("correlation_id", correlationID),
		)
	} else {
		t.logger.Debug("LATENCY_RECORDED",
			logging.Float64("latency_ms", latencyMs),
			logging.Float64("p95_ms", p95),
			logging.Int("samples", sampleCount),
			logging.String("correlation_id", correlationID),
		)
	}

	return latencyMs
}

// Snapshot reports the current window for health checks.
type Snapshot struct {
	Samples     int     `json:"samples"`
	P95Ms       float64 `json:"p95_ms"`
	ColdStartMs float64 `json:"cold_start_ms"`
}

// Snapshot returns a read-only view of the tracker.
func (t *LatencyTracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		Samples:     len(t.samples),
		P95Ms:       percentile(t.samples, 0.95),
		ColdStartMs: t.coldStartMs,
	}
}

// percentile computes the nearest-rank percentile: sort ascending and take
// the sample at index ceil(p*n)-1, clamped to zero.
func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	index := int(math.Ceil(p*float64(len(sorted)))) - 1
	if index < 0 {
		index = 0
	}
	return sorted[index]
}
