// ratelimit.go implements token-bucket rate limiting for broker APIs.
//
// Indian broker APIs publish limits at three horizons: per second, per
// minute, and per day (e.g. Zerodha: 10/s, 200/min, 3000/day for order
// endpoints). Each horizon gets its own continuously-refilling bucket;
// a call must obtain a token from every bucket before it proceeds.
package broker

import (
	"context"
	"sync"
	"time"
)

// TokenBucket implements a token-bucket rate limiter with continuous refill.
// Callers block in Wait() until a token is available or the context is
// cancelled.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a rate limiter with the given capacity and refill
// rate.
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

// TryTake attempts to take a token without blocking.
func (tb *TokenBucket) TryTake() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Limits groups the three rate horizons a broker publishes.
type Limits struct {
	PerSecond *TokenBucket
	PerMinute *TokenBucket
	PerDay    *TokenBucket
}

// NewLimits builds the three buckets. Minute and day buckets refill at
// their average rate so sustained load stays under the published caps.
func NewLimits(perSec, perMin, perDay float64) *Limits {
	return &Limits{
		PerSecond: NewTokenBucket(perSec, perSec),
		PerMinute: NewTokenBucket(perMin, perMin/60),
		PerDay:    NewTokenBucket(perDay, perDay/86400),
	}
}

// Wait acquires one token from each horizon, shortest first.
func (l *Limits) Wait(ctx context.Context) error {
	if err := l.PerDay.Wait(ctx); err != nil {
		return err
	}
	if err := l.PerMinute.Wait(ctx); err != nil {
		return err
	}
	return l.PerSecond.Wait(ctx)
}
