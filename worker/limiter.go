package worker

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyLimiter throttles how fast a given resource-key/task-family can be
// reclaimed into execution after a transient failure, smoothing
// thundering-herd retries (§4.5 expansion), grounded on the teacher's
// TokenBucketLimiter.
type KeyLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewKeyLimiter(perSecond float64, burst int) *KeyLimiter {
	return &KeyLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

func (l *KeyLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim.Allow()
}

// Reserve returns (true, 0) if key may proceed now, else (false, delay).
func (l *KeyLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	r := lim.Reserve()
	delay := r.Delay()
	if delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}
