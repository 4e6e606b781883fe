package transport

import (
	"sync"
	"sync/atomic"
	"time"
)

// tokenScale stores tokens in thousandths so slow refill rates keep
// sub-token precision.
const tokenScale = 1000

// RateLimitConfig caps how many commands a connection may issue.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained refill rate.
	RequestsPerSecond uint32
	// BurstSize is the bucket capacity.
	BurstSize uint32
}

// RateLimitFromRate derives a config with burst capacity twice the rate.
func RateLimitFromRate(requestsPerSecond uint32) RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         requestsPerSecond * 2,
	}
}

// DefaultRateLimitConfig allows 1000 requests per second with a burst
// of 2000.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 1000, BurstSize: 2000}
}

// RateLimiter is a token bucket. Tokens refill continuously at the
// configured rate up to the burst capacity; each admitted request
// consumes one token.
type RateLimiter struct {
	tokens atomic.Uint64

	mu         sync.Mutex
	lastRefill time.Time

	config      RateLimitConfig
	tokensPerMs uint64
	maxTokens   uint64
}

// NewRateLimiter creates a full bucket for the given config.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	r := &RateLimiter{
		lastRefill:  time.Now(),
		config:      config,
		tokensPerMs: uint64(config.RequestsPerSecond) * tokenScale / 1000,
		maxTokens:   uint64(config.BurstSize) * tokenScale,
	}
	r.tokens.Store(r.maxTokens)
	return r
}

// TryAcquire consumes one token. Returns false when the bucket is empty
// and the request must be rejected.
func (r *RateLimiter) TryAcquire() bool {
	r.refill()

	for {
		current := r.tokens.Load()
		if current < tokenScale {
			return false
		}
		if r.tokens.CompareAndSwap(current, current-tokenScale) {
			return true
		}
	}
}

// WouldLimit reports whether the next request would be rejected, without
// consuming a token.
func (r *RateLimiter) WouldLimit() bool {
	r.refill()
	return r.tokens.Load() < tokenScale
}

// refill credits tokens for the time elapsed since the last refill. The
// timestamp only advances when at least one scaled token accrues, so
// sub-millisecond calls do not lose credit.
func (r *RateLimiter) refill() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Milliseconds()
	if elapsed <= 0 {
		return
	}
	added := r.tokensPerMs * uint64(elapsed)
	if added == 0 {
		return
	}
	r.lastRefill = now

	next := r.tokens.Load() + added
	if next > r.maxTokens {
		next = r.maxTokens
	}
	r.tokens.Store(next)
}

// AvailableTokens returns the whole tokens currently in the bucket.
func (r *RateLimiter) AvailableTokens() uint32 {
	r.refill()
	return uint32(r.tokens.Load() / tokenScale)
}

// Config returns the limiter configuration.
func (r *RateLimiter) Config() RateLimitConfig {
	return r.config
}

// Reset refills the bucket to capacity.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokens.Store(r.maxTokens)
	r.lastRefill = time.Now()
}
