package rest

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives the limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if d > 0 {
		c.sleeps = append(c.sleeps, d)
		c.now = c.now.Add(d)
	}
	return nil
}

func TestLimiter_UnknownBucketPassesFreely(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(clock.Now, clock.Sleep)

	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background(), "channels/1/messages"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("unknown bucket slept: %v", clock.sleeps)
	}
}

func TestLimiter_BurstWaitsForReset(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(clock.Now, clock.Sleep)
	const route = "channels/1/messages"

	// the server advertises capacity 5 resetting in 2s
	l.Update(route, 5, 5, 2*time.Second)

	// a burst of 10: exactly 5 pass without waiting
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background(), route); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("first 5 acquisitions slept: %v", clock.sleeps)
	}

	// the 6th waits out the reset, then the refreshed bucket serves the rest
	for i := 5; i < 10; i++ {
		if err := l.Acquire(context.Background(), route); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if len(clock.sleeps) != 1 {
		t.Fatalf("expected exactly one wait, got %v", clock.sleeps)
	}
	if clock.sleeps[0] != 2*time.Second {
		t.Fatalf("waited %v, want 2s", clock.sleeps[0])
	}
}

func TestLimiter_RemainingFromResponse(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(clock.Now, clock.Sleep)
	const route = "guilds/1/members"

	// mid-window snapshot: only 1 left
	l.Update(route, 5, 1, time.Second)

	if err := l.Acquire(context.Background(), route); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("budgeted acquire slept")
	}
	if err := l.Acquire(context.Background(), route); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != time.Second {
		t.Fatalf("expected a 1s wait, got %v", clock.sleeps)
	}
}

func TestLimiter_PenalizeHonorsExactWait(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(clock.Now, clock.Sleep)
	const route = "channels/1/messages"

	l.Penalize(route, 2500*time.Millisecond)

	if err := l.Acquire(context.Background(), route); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 2500*time.Millisecond {
		t.Fatalf("expected a single 2.5s wait, got %v", clock.sleeps)
	}
}

func TestLimiter_RoutesAreIndependent(t *testing.T) {
	clock := newFakeClock()
	l := newLimiterWithClock(clock.Now, clock.Sleep)

	l.Update("channels/1/messages", 1, 0, 5*time.Second)

	// an exhausted messages bucket must not delay a different route
	if err := l.Acquire(context.Background(), "users/@me"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if len(clock.sleeps) != 0 {
		t.Fatalf("independent route slept: %v", clock.sleeps)
	}
}

func TestLimiter_AcquireContextCanceled(t *testing.T) {
	l := newLimiterWithClock(time.Now, sleepCtx)
	const route = "channels/1/messages"
	l.Update(route, 1, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Acquire(ctx, route); err == nil {
		t.Fatalf("expected context error")
	}
}
