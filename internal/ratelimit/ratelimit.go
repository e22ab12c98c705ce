// Package ratelimit implements the process-wide throttle guarding outbound
// calls to the social search provider.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultWindow  = 60 * time.Second
	DefaultCeiling = 30
)

// SlidingWindow is a sliding-window call counter. Allow reports whether one
// more outbound call may be made right now. Denied attempts are not recorded.
type SlidingWindow struct {
	mu      sync.Mutex
	window  time.Duration
	ceiling int
	now     func() time.Time
	calls   []time.Time
}

// New returns a limiter with the default 30-calls-per-60s policy.
func New() *SlidingWindow {
	return NewWithConfig(DefaultWindow, DefaultCeiling, time.Now)
}

// NewWithConfig is the injectable constructor used by tests; now must not be nil.
func NewWithConfig(window time.Duration, ceiling int, now func() time.Time) *SlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{window: window, ceiling: ceiling, now: now}
}

func (l *SlidingWindow) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.now()
	cutoff := t.Add(-l.window)

	// Evict timestamps that fell out of the window. calls is ordered, so we
	// only need to find the first one still inside.
	keep := 0
	for keep < len(l.calls) && !l.calls[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		l.calls = append(l.calls[:0], l.calls[keep:]...)
	}

	if len(l.calls) >= l.ceiling {
		return false
	}
	l.calls = append(l.calls, t)
	return true
}

// InFlight returns the number of calls currently counted in the window.
func (l *SlidingWindow) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.now()
	cutoff := t.Add(-l.window)
	n := 0
	for _, c := range l.calls {
		if c.After(cutoff) {
			n++
		}
	}
	return n
}
