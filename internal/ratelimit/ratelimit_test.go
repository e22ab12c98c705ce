package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestAllow_CeilingWithinWindow(t *testing.T) {
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewWithConfig(60*time.Second, 30, clock.now)

	for i := 0; i < 30; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be allowed", i+1)
		}
		clock.advance(time.Second)
	}
	// 31st call, still inside the first call's window.
	clock.advance(100 * time.Millisecond)
	if l.Allow() {
		t.Fatalf("31st call within window should be denied")
	}
}

func TestAllow_DeniedAttemptNotRecorded(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := NewWithConfig(60*time.Second, 2, clock.now)

	if !l.Allow() || !l.Allow() {
		t.Fatalf("first two calls should pass")
	}
	if l.Allow() {
		t.Fatalf("third call should be denied")
	}
	if got := l.InFlight(); got != 2 {
		t.Fatalf("denied attempt must not count, got %d in flight", got)
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := NewWithConfig(60*time.Second, 30, clock.now)

	// Fill the window at t=0..29s.
	for i := 0; i < 30; i++ {
		if !l.Allow() {
			t.Fatalf("call %d should be allowed", i+1)
		}
		clock.advance(time.Second)
	}
	if l.Allow() {
		t.Fatalf("ceiling reached, expected denial")
	}

	// At t=61s the first call has left the window.
	clock.t = time.Unix(61, 0)
	if !l.Allow() {
		t.Fatalf("call after window elapsed should be allowed")
	}
}

func TestNewWithConfig_Defaults(t *testing.T) {
	l := NewWithConfig(0, 0, nil)
	if l.window != DefaultWindow || l.ceiling != DefaultCeiling {
		t.Fatalf("expected defaults, got window=%s ceiling=%d", l.window, l.ceiling)
	}
	if !l.Allow() {
		t.Fatalf("fresh limiter should allow")
	}
}
