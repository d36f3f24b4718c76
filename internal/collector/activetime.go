package collector

import "time"

// DefaultActiveTimeCap is the largest gap between two checks that still
// counts as active time. Longer gaps are suspend or sleep.
const DefaultActiveTimeCap = 90 * time.Second

// ActiveTime accumulates how long the application has been focused today.
// The accumulator restarts at zero whenever the local date changes.
type ActiveTime struct {
	cap       time.Duration
	day       time.Time
	total     time.Duration
	lastCheck time.Time
}

// NewActiveTime creates an accumulator with the given per-interval cap.
func NewActiveTime(cap time.Duration) *ActiveTime {
	if cap <= 0 {
		cap = DefaultActiveTimeCap
	}
	return &ActiveTime{cap: cap}
}

// Observe accrues the time since the previous check when focused, and
// returns today's total in whole seconds.
func (a *ActiveTime) Observe(now time.Time, focused bool) int64 {
	today := dateOf(now)
	if !a.day.Equal(today) {
		a.day = today
		a.total = 0
	}
	if focused && !a.lastCheck.IsZero() {
		elapsed := now.Sub(a.lastCheck)
		if elapsed > a.cap {
			elapsed = a.cap
		}
		if elapsed > 0 {
			a.total += elapsed
		}
	}
	a.lastCheck = now
	return int64(a.total / time.Second)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
