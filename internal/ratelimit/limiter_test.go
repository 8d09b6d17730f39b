package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wa-router/internal/common/logging"
)

func newTestLimiter(t *testing.T, config Config) (*Limiter, *time.Time) {
	t.Helper()
	logger, err := logging.NewZapLogger(logging.LogConfig{Level: logging.ErrorLevel})
	require.NoError(t, err)

	limiter := NewLimiter(config, logger)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter.SetClock(func() time.Time { return now })
	return limiter, &now
}

func TestAllowsUpToMaxThenBlocks(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 30})

	for i := 0; i < 30; i++ {
		result := limiter.Check("250788000003")
		assert.True(t, result.Allowed, "request %d", i+1)
		assert.Equal(t, 30-(i+1), result.Remaining)
	}

	result := limiter.Check("250788000003")
	assert.False(t, result.Allowed)
	assert.Zero(t, result.Remaining)
}

func TestBlockedCheckDoesNotIncrement(t *testing.T) {
	limiter, now := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 2})

	limiter.Check("250788000003")
	limiter.Check("250788000003")
	for i := 0; i < 5; i++ {
		assert.False(t, limiter.Check("250788000003").Allowed)
	}

	// A fresh window allows the full allowance again
	*now = now.Add(time.Minute)
	result := limiter.Check("250788000003")
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestWindowExpiryResets(t *testing.T) {
	limiter, now := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 1})

	require.True(t, limiter.Check("250788000003").Allowed)
	require.False(t, limiter.Check("250788000003").Allowed)

	*now = now.Add(59 * time.Second)
	assert.False(t, limiter.Check("250788000003").Allowed, "window still active")

	*now = now.Add(time.Second)
	assert.True(t, limiter.Check("250788000003").Allowed)
}

func TestResetAtReportsWindowEnd(t *testing.T) {
	limiter, now := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 5})

	start := *now
	result := limiter.Check("250788000003")
	assert.Equal(t, start.Add(time.Minute), result.ResetAt)

	*now = now.Add(10 * time.Second)
	result = limiter.Check("250788000003")
	assert.Equal(t, start.Add(time.Minute), result.ResetAt, "same window, same reset")
}

func TestDifferentFormatsShareBucket(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 2})

	require.True(t, limiter.Check("+250-788-000-003").Allowed)
	require.True(t, limiter.Check("+250788000003").Allowed)

	assert.False(t, limiter.Check("+250 788 000 003").Allowed,
		"all formats of one number must drain the same window")
}

func TestIndependentIdentities(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 1})

	require.True(t, limiter.Check("250788000001").Allowed)
	assert.True(t, limiter.Check("250788000002").Allowed)
	assert.False(t, limiter.Check("250788000001").Allowed)
}

func TestSweepRemovesStaleEntries(t *testing.T) {
	limiter, now := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 5})

	for i := 0; i < 10; i++ {
		limiter.Check(fmt.Sprintf("25078800%04d", i))
	}
	require.Equal(t, 10, limiter.Size())

	// Entries are kept for two full windows
	*now = now.Add(time.Minute)
	assert.Zero(t, limiter.Sweep())

	*now = now.Add(time.Minute)
	assert.Equal(t, 10, limiter.Sweep())
	assert.Zero(t, limiter.Size())
}

func TestSweepKeepsActiveEntries(t *testing.T) {
	limiter, now := newTestLimiter(t, Config{Window: time.Minute, MaxRequests: 5})

	limiter.Check("250788000001")
	*now = now.Add(2 * time.Minute)
	limiter.Check("250788000002")

	assert.Equal(t, 1, limiter.Sweep())
	assert.Equal(t, 1, limiter.Size())
}

func TestConfigFloors(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{Window: 0, MaxRequests: 0})

	result := limiter.Check("250788000003")
	assert.True(t, result.Allowed)
	assert.False(t, limiter.Check("250788000003").Allowed, "floor is one request per window")
}
