package capture

import (
	"sync"
	"time"
)

// Throttle admits at most one event per minimum interval, measured from the
// previously admitted event. Safe for concurrent use.
type Throttle struct {
	mu          sync.Mutex
	minInterval time.Duration
	last        time.Time
	hasLast     bool
}

// NewThrottle returns a Throttle. A non-positive interval admits everything.
func NewThrottle(minInterval time.Duration) *Throttle {
	return &Throttle{minInterval: minInterval}
}

// Accept decides whether an event observed at now is admitted. It returns
// the time elapsed since the last admitted event (zero for the first one).
// The first event is always admitted.
func (t *Throttle) Accept(now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasLast {
		t.last, t.hasLast = now, true
		return true, 0
	}
	elapsed := now.Sub(t.last)
	if t.minInterval > 0 && elapsed < t.minInterval {
		return false, elapsed
	}
	t.last = now
	return true, elapsed
}

// MinInterval returns the configured interval.
func (t *Throttle) MinInterval() time.Duration {
	return t.minInterval
}

// Reset forgets the last admitted event.
func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last, t.hasLast = time.Time{}, false
	t.mu.Unlock()
}
