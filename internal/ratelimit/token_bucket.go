package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a fill rate of X tokens/sec adds exactly
// X nano-tokens per elapsed nanosecond without float rounding.
const nanoPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) against a Clock.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // tokens
	rate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if capacity < 0 {
		capacity = 0
	}
	if rate < 0 {
		rate = 0
	}
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		rate:      rate,
		available: toNano(capacity),
		last:      clock.Now(),
	}
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()

	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards; move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed <= 0 {
		return
	}
	b.last = now

	if b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := toNano(b.capacity)
	if b.available >= capNano {
		b.available = capNano
		return
	}

	need := capNano - b.available
	elapsedNanos := elapsed.Nanoseconds()

	// elapsedNanos*rate can overflow; when enough time has passed to fill the
	// bucket, clamp to capacity instead of multiplying.
	if fill := need / b.rate; fill <= 0 || elapsedNanos >= fill {
		b.available = capNano
		return
	}

	b.available += elapsedNanos * b.rate
	if b.available > capNano {
		b.available = capNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
