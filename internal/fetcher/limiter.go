package fetcher

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter blocks until a request may be sent.
type Limiter interface {
	Wait(ctx context.Context) error
}

// feedback is implemented by limiters that tune themselves from responses.
type feedback interface {
	OnSuccess()
	OnRateLimit()
}

// AdaptiveLimiter is a token bucket that halves its rate on 429 (floor:
// a quarter of the configured rate) and creeps back up by 20% per success
// (ceiling: the configured rate).
type AdaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	maxRate rate.Limit
	minRate rate.Limit
	current rate.Limit
}

// NewAdaptiveLimiter starts at rps requests per second.
func NewAdaptiveLimiter(rps float64, burst int) *AdaptiveLimiter {
	if burst < 1 {
		burst = 1
	}
	r := rate.Limit(rps)
	return &AdaptiveLimiter{
		limiter: rate.NewLimiter(r, burst),
		maxRate: r,
		minRate: r / 4,
		current: r,
	}
}

// Wait blocks until a token is available or ctx is done.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, capped at the configured rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.maxRate {
		return
	}
	a.set(min(a.current*1.2, a.maxRate))
}

// OnRateLimit halves the rate, floored at a quarter of the configured rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(max(a.current*0.5, a.minRate))
	zap.L().Warn("fetcher: throttled, lowering request rate",
		zap.Float64("rps", float64(a.current)),
	)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.current = r
	a.limiter.SetLimit(r)
}
