// ratelimit.go implements token-bucket rate limiting for the venue REST APIs.
//
// Both venues publish per-category limits over coarse windows (Polymarket
// per 10 seconds, Kalshi per second with burst allowances). The buckets
// refill continuously rather than in window-sized bursts so request pacing
// stays smooth under sustained load.
package exchange

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(tb.lastTime).Seconds()
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastTime = now

		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}

		// Calculate wait time for next token
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			// retry
		}
	}
}

// RateLimiter groups token buckets by request category. Every REST call
// waits on its bucket before touching the network.
type RateLimiter struct {
	Order   *TokenBucket // order placement
	Markets *TokenBucket // market discovery listings
	Book    *TokenBucket // order book reads
}

// NewPolymarketRateLimiter is tuned to the CLOB's published 10-second
// windows: capacities are the burst allowance, rates 1/10th for smooth
// refill.
func NewPolymarketRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(350, 50), // 3500 per 10s window
		Markets: NewTokenBucket(100, 10), // gamma listings are generous
		Book:    NewTokenBucket(150, 15), // 1500 per 10s window
	}
}

// NewKalshiRateLimiter reflects the basic-tier trade API allowance, which
// is far tighter than the CLOB's.
func NewKalshiRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   NewTokenBucket(10, 5),
		Markets: NewTokenBucket(10, 5),
		Book:    NewTokenBucket(10, 5),
	}
}
