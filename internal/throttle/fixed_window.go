package throttle

import "time"

// FixedWindow counts permits inside a window that restarts on the first call after it ends.
// Permits can cluster at a window boundary: up to twice the count inside any window-length
// interval. Call sites choose it over SlidingWindow for its constant state.
type FixedWindow struct {
	clock     Clock
	window    int64
	limit     int
	count     int
	windowEnd int64
}

// NewFixedWindow creates a tracker allowing count permits per window.
func NewFixedWindow(clock Clock, count int, window time.Duration) *FixedWindow {
	if count < 0 {
		count = 0
	}
	return &FixedWindow{
		clock:  clock,
		window: int64(window),
		limit:  count,
	}
}

func (f *FixedWindow) GetThrottle() bool {
	return f.GetThrottleN(1)
}

func (f *FixedWindow) GetThrottleN(n int) bool {
	if n <= 0 {
		n = 1
	}
	if n > f.limit {
		return false
	}
	now := f.clock.Now()
	if f.count == 0 || now > f.windowEnd {
		f.windowEnd = now + f.window
		f.count = 1
		return true
	}
	if f.limit-f.count < n {
		return false
	}
	f.count++
	return true
}

func (f *FixedWindow) NextAvailNs() int64 {
	now := f.clock.Now()
	if f.count < f.limit || now > f.windowEnd {
		return now
	}
	return f.windowEnd + 1
}

func (f *FixedWindow) ChangeNumThrottles(count int) {
	if count < 0 {
		count = 0
	}
	f.limit = count
	f.count = 0
	f.windowEnd = 0
}

func (f *FixedWindow) NumThrottles() int {
	return f.limit
}
