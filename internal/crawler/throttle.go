package crawler

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttle enforces the politeness delay between requests to one host.
type Throttle struct {
	interval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewThrottle creates a per-host throttle. A non-positive interval
// disables throttling.
func NewThrottle(interval time.Duration) *Throttle {
	t := &Throttle{interval: interval}
	if interval > 0 {
		t.limiters = make(map[string]*rate.Limiter)
	}
	return t
}

// Wait blocks until the host's politeness interval has elapsed or the
// context is cancelled.
func (t *Throttle) Wait(ctx context.Context, host string) error {
	if t == nil || t.interval <= 0 || host == "" {
		return nil
	}
	host = strings.ToLower(host)

	t.mu.Lock()
	limiter, ok := t.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(t.interval), 1)
		t.limiters[host] = limiter
	}
	t.mu.Unlock()

	return limiter.Wait(ctx)
}
