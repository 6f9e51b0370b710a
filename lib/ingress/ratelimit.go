package ingress

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter is a per-source-IP token bucket, default 100 req/min sustained
// with a burst of 10, evicted once idle past evictAfter.
type ipLimiter struct {
	mu         sync.Mutex
	limiters   map[string]*entry
	rps        rate.Limit
	burst      int
	evictAfter time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newIPLimiter builds a limiter pool with the §4.1 defaults.
func newIPLimiter() *ipLimiter {
	return &ipLimiter{
		limiters:   make(map[string]*entry),
		rps:        rate.Limit(100.0 / 60.0),
		burst:      10,
		evictAfter: 10 * time.Minute,
	}
}

// Allow reports whether a request from ip may proceed, consuming one token
// from that IP's bucket.
func (l *ipLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.limiters[ip]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// evict removes buckets idle past evictAfter, call periodically to bound
// memory under a churn of distinct source IPs.
func (l *ipLimiter) evict() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cut := time.Now().Add(-l.evictAfter)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cut) {
			delete(l.limiters, ip)
		}
	}
}
