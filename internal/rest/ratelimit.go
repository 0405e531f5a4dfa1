package rest

import (
	"context"
	"sync"
	"time"
)

// Limiter is a per-route token bucket driven by response metadata. Each route
// key has its own bucket and its own lock, so a route waiting out its reset
// never blocks an unrelated route.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type bucket struct {
	mu        sync.Mutex
	limit     int
	remaining int
	resetAt   time.Time
	known     bool
}

func NewLimiter() *Limiter {
	return newLimiterWithClock(time.Now, sleepCtx)
}

// newLimiterWithClock is the test seam for deterministic time.
func newLimiterWithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		now:     now,
		sleep:   sleep,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) bucket(route string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.buckets[route]
	if b == nil {
		b = &bucket{}
		l.buckets[route] = b
	}
	return b
}

// Acquire blocks until the route's bucket has budget. A bucket the server has
// not described yet passes freely; once Update has recorded capacity, a
// request that would exceed the remaining budget waits for the reset.
func (l *Limiter) Acquire(ctx context.Context, route string) error {
	b := l.bucket(route)
	for {
		b.mu.Lock()
		if !b.known {
			b.mu.Unlock()
			return nil
		}
		now := l.now()
		if !now.Before(b.resetAt) {
			b.remaining = b.limit
			b.resetAt = time.Time{}
		}
		if b.remaining > 0 {
			b.remaining--
			b.mu.Unlock()
			return nil
		}
		wait := b.resetAt.Sub(now)
		b.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Update records the bucket state a response advertised.
func (l *Limiter) Update(route string, limit, remaining int, resetAfter time.Duration) {
	if limit <= 0 {
		return
	}
	b := l.bucket(route)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known = true
	b.limit = limit
	b.remaining = remaining
	b.resetAt = l.now().Add(resetAfter)
}

// Penalize empties the bucket until exactly retryAfter from now. Used on an
// explicit rate-limit response; the server-specified wait is honored with no
// early retry.
func (l *Limiter) Penalize(route string, retryAfter time.Duration) {
	b := l.bucket(route)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.known = true
	if b.limit == 0 {
		b.limit = 1
	}
	b.remaining = 0
	b.resetAt = l.now().Add(retryAfter)
}
