package signal

import (
	"sync"

	"github.com/dkeye/Relay/internal/core"
	"golang.org/x/time/rate"
)

// ConnRateLimiter caps inbound messages per connection.
type ConnRateLimiter struct {
	mu       sync.Mutex
	limiters map[core.ConnID]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewConnRateLimiter allows perSecond messages with the given burst.
// A non-positive rate disables limiting.
func NewConnRateLimiter(perSecond float64, burst int) *ConnRateLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &ConnRateLimiter{
		limiters: make(map[core.ConnID]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (rl *ConnRateLimiter) Allow(id core.ConnID) bool {
	rl.mu.Lock()
	l, ok := rl.limiters[id]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[id] = l
	}
	rl.mu.Unlock()
	return l.Allow()
}

func (rl *ConnRateLimiter) Forget(id core.ConnID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, id)
}
