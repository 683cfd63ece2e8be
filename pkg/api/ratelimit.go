package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// clientLimiter keeps one token bucket per client
type clientLimiter struct {
	mu      sync.Mutex
	m       map[string]*entry
	rate    rate.Limit
	burst   int
	maxIdle time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiter(perMinute, burst int) *clientLimiter {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &clientLimiter{
		m:       make(map[string]*entry),
		rate:    rate.Limit(float64(perMinute) / 60.0),
		burst:   burst,
		maxIdle: 10 * time.Minute,
	}
}

// allow reports whether client may make a request now
func (c *clientLimiter) allow(client string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[client]
	if !ok {
		c.evictIdle(now)
		e = &entry{limiter: rate.NewLimiter(c.rate, c.burst)}
		c.m[client] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// evictIdle drops clients not seen for maxIdle; caller holds mu
func (c *clientLimiter) evictIdle(now time.Time) {
	for k, e := range c.m {
		if now.Sub(e.lastSeen) > c.maxIdle {
			delete(c.m, k)
		}
	}
}
