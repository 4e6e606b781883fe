package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 10, BurstSize: 3})

	// The bucket starts full
	assert.Equal(t, uint32(3), limiter.AvailableTokens())
	for i := 0; i < 3; i++ {
		assert.True(t, limiter.TryAcquire(), "acquire %d", i)
	}
	assert.False(t, limiter.TryAcquire())
	assert.Equal(t, uint32(0), limiter.AvailableTokens())
}

func TestRateLimiterRefill(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 100, BurstSize: 1})

	require.True(t, limiter.TryAcquire())
	require.False(t, limiter.TryAcquire())

	// 100 req/s refills one token within 10ms
	require.Eventually(t, limiter.TryAcquire, time.Second, 2*time.Millisecond)
}

func TestRateLimiterRefillCapsAtBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 2})

	require.True(t, limiter.TryAcquire())

	// At 1000 req/s this accrues far more than the bucket holds
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, uint32(2), limiter.AvailableTokens())
}

func TestRateLimiterWouldLimit(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})

	// Peeking never consumes
	assert.False(t, limiter.WouldLimit())
	assert.False(t, limiter.WouldLimit())

	require.True(t, limiter.TryAcquire())
	assert.True(t, limiter.WouldLimit())
}

func TestRateLimiterReset(t *testing.T) {
	limiter := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})

	require.True(t, limiter.TryAcquire())
	require.True(t, limiter.TryAcquire())
	require.False(t, limiter.TryAcquire())

	limiter.Reset()
	assert.True(t, limiter.TryAcquire())
}

func TestRateLimitFromRate(t *testing.T) {
	config := RateLimitFromRate(500)
	assert.Equal(t, uint32(500), config.RequestsPerSecond)
	assert.Equal(t, uint32(1000), config.BurstSize)

	config = DefaultRateLimitConfig()
	assert.Equal(t, uint32(1000), config.RequestsPerSecond)
	assert.Equal(t, uint32(2000), config.BurstSize)
}
