package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalLimiter keeps a token bucket per key in process memory. Idle keys are
// evicted by Cleanup so the map cannot grow without bound.
type LocalLimiter struct {
	mu      sync.Mutex
	entries map[string]*localEntry
	burst   int
	now     func() time.Time
}

type localEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewLocalLimiter builds a limiter whose bucket size is burst, or the window limit when burst is not positive.
func NewLocalLimiter(burst int) *LocalLimiter {
	return &LocalLimiter{
		entries: make(map[string]*localEntry),
		burst:   burst,
		now:     time.Now,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Limit: limit}, nil
	}
	now := l.now()
	lim := l.limiterFor(key, limit, window, now)

	allowed := lim.AllowN(now, 1)
	tokens := lim.TokensAt(now)

	decision := Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: int(math.Max(0, math.Floor(tokens))),
	}
	if !allowed {
		perToken := time.Duration(float64(time.Second) / float64(lim.Limit()))
		decision.ResetAfter = time.Duration((1 - tokens) * float64(perToken))
		if decision.ResetAfter < time.Second {
			decision.ResetAfter = time.Second
		}
	}
	return decision, nil
}

func (l *LocalLimiter) limiterFor(key string, limit int, window time.Duration, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ent, ok := l.entries[key]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	burst := l.burst
	if burst <= 0 || burst > limit {
		burst = limit
	}
	every := rate.Every(window / time.Duration(limit))
	lim := rate.NewLimiter(every, burst)
	l.entries[key] = &localEntry{lim: lim, lastSeen: now}
	return lim
}

// Len reports the number of tracked keys.
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Cleanup drops keys not seen within maxIdle.
func (l *LocalLimiter) Cleanup(maxIdle time.Duration) int {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, ent := range l.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(l.entries, k)
			removed++
		}
	}
	return removed
}

// StartJanitor runs Cleanup every interval until ctx is cancelled.
func (l *LocalLimiter) StartJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				l.Cleanup(maxIdle)
			}
		}
	}()
}
