package dispatch

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Throttle limits publishes per queue with a token bucket. A non-positive
// rate disables throttling.
type Throttle struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewThrottle creates a throttle with the given publishes per second and burst.
func NewThrottle(rps float64, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (t *Throttle) limiter(queue string) *rate.Limiter {
	t.mu.RLock()
	l, ok := t.limiters[queue]
	t.mu.RUnlock()
	if ok {
		return l
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters[queue]; ok {
		return l
	}
	l = rate.NewLimiter(rate.Limit(t.rps), t.burst)
	t.limiters[queue] = l
	return l
}

// Allow reports whether a publish to queue may proceed now.
func (t *Throttle) Allow(queue string) bool {
	if t == nil || t.rps <= 0 {
		return true
	}
	return t.limiter(queue).Allow()
}

// Wait blocks until a publish to queue is allowed or ctx is done.
func (t *Throttle) Wait(ctx context.Context, queue string) error {
	if t == nil || t.rps <= 0 {
		return ctx.Err()
	}
	return t.limiter(queue).Wait(ctx)
}
