package network

import (
	"sync"
	"time"
)

// rateTracker tracks per-IP request counts within a rolling second window.
type rateTracker struct {
	mu        sync.Mutex
	counts    map[string]*rateBucket
	maxPerSec int
	now       func() time.Time
}

type rateBucket struct {
	count       int
	windowStart time.Time
}

func newRateTracker(maxPerSec int) *rateTracker {
	return &rateTracker{
		counts:    make(map[string]*rateBucket),
		maxPerSec: maxPerSec,
		now:       time.Now,
	}
}

// allow counts one event for ip. A non-positive limit disables tracking.
func (rt *rateTracker) allow(ip string) bool {
	if rt.maxPerSec <= 0 {
		return true
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	b, exists := rt.counts[ip]
	if !exists || now.Sub(b.windowStart) >= time.Second {
		rt.counts[ip] = &rateBucket{count: 1, windowStart: now}
		return true
	}

	b.count++
	return b.count <= rt.maxPerSec
}

// prune forgets buckets whose window ended.
func (rt *rateTracker) prune() {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	now := rt.now()
	for ip, b := range rt.counts {
		if now.Sub(b.windowStart) >= time.Second {
			delete(rt.counts, ip)
		}
	}
}
