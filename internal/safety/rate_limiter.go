package safety

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter is a token bucket. Tokens refill continuously at the
// configured per-second rate up to the bucket capacity.
type RateLimiter struct {
	name     string
	capacity float64
	rate     float64 // tokens per second

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter builds a full bucket.
func NewRateLimiter(name string, capacity, perSecond int) *RateLimiter {
	return &RateLimiter{
		name:       name,
		capacity:   float64(capacity),
		rate:       float64(perSecond),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

func (rl *RateLimiter) refill(now time.Time) {
	elapsed := now.Sub(rl.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.lastRefill = now
}

// Allow consumes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill(time.Now())
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		now := time.Now()
		rl.refill(now)
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		needed := (1 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		wait := time.Duration(needed*float64(time.Second)) + 10*time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// RateLimiterStats is a snapshot for health reporting.
type RateLimiterStats struct {
	Name     string  `json:"name"`
	Tokens   float64 `json:"tokens"`
	Capacity float64 `json:"capacity"`
}

// Stats snapshots the bucket.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill(time.Now())
	return RateLimiterStats{Name: rl.name, Tokens: rl.tokens, Capacity: rl.capacity}
}

// Endpoint groups for broker rate limiting. Order placement and
// cancellation share a bucket separate from read-only queries so a
// polling storm cannot starve order flow.
const (
	EndpointOrders = "orders"
	EndpointQuery  = "query"
	EndpointMarket = "market"
)

// LimiterGroup holds one bucket per endpoint class.
type LimiterGroup struct {
	mu      sync.RWMutex
	buckets map[string]*RateLimiter
}

// NewLimiterGroup seeds the standard broker endpoint buckets. The
// defaults stay well under Bybit's documented option limits.
func NewLimiterGroup() *LimiterGroup {
	return &LimiterGroup{
		buckets: map[string]*RateLimiter{
			EndpointOrders: NewRateLimiter(EndpointOrders, 10, 5),
			EndpointQuery:  NewRateLimiter(EndpointQuery, 20, 10),
			EndpointMarket: NewRateLimiter(EndpointMarket, 20, 10),
		},
	}
}

// Set replaces or adds a bucket.
func (g *LimiterGroup) Set(endpoint string, limiter *RateLimiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.buckets[endpoint] = limiter
}

// Wait blocks on the endpoint's bucket.
func (g *LimiterGroup) Wait(ctx context.Context, endpoint string) error {
	g.mu.RLock()
	limiter, ok := g.buckets[endpoint]
	g.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no rate limiter for endpoint %s", endpoint)
	}
	return limiter.Wait(ctx)
}

// Stats snapshots every bucket.
func (g *LimiterGroup) Stats() []RateLimiterStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make([]RateLimiterStats, 0, len(g.buckets))
	for _, limiter := range g.buckets {
		stats = append(stats, limiter.Stats())
	}
	return stats
}
