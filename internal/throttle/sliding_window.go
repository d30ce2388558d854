package throttle

import (
	"math"
	"time"
)

// noop marks ring slack beyond the configured count. It is never a real permit.
const noop int64 = math.MinInt64

// SlidingWindow keeps one available-after timestamp per permit in a power-of-two ring.
// At most count permits are granted in any trailing window.
//
// The ring is always full: consuming the front permit writes its next available time into
// the same slot and advances the head, which is a rotate to the back. Slack slots hold noop
// and are rotated past the same way.
type SlidingWindow struct {
	clock  Clock
	window int64
	count  int
	ring   []int64
	mask   int
	head   int
}

// NewSlidingWindow creates a tracker allowing count permits per trailing window.
func NewSlidingWindow(clock Clock, count int, window time.Duration) *SlidingWindow {
	s := &SlidingWindow{
		clock:  clock,
		window: int64(window),
	}
	s.ChangeNumThrottles(count)
	return s
}

// front rotates past noop slots and returns the earliest real slot index.
func (s *SlidingWindow) front() int {
	for s.ring[s.head] == noop {
		s.head = (s.head + 1) & s.mask
	}
	return s.head
}

// nth returns the available-after time of the n-th earliest real permit (1-based).
func (s *SlidingWindow) nth(n int) int64 {
	idx := s.front()
	for seen := 0; ; idx = (idx + 1) & s.mask {
		if s.ring[idx] == noop {
			continue
		}
		seen++
		if seen == n {
			return s.ring[idx]
		}
	}
}

func (s *SlidingWindow) GetThrottle() bool {
	if s.count == 0 {
		return false
	}
	now := s.clock.Now()
	idx := s.front()
	if now < s.ring[idx] {
		return false
	}
	s.consume(idx, now)
	return true
}

func (s *SlidingWindow) GetThrottleN(n int) bool {
	if n <= 1 {
		return s.GetThrottle()
	}
	if n > s.count {
		return false
	}
	now := s.clock.Now()
	if now < s.nth(n) {
		return false
	}
	s.consume(s.front(), now)
	return true
}

func (s *SlidingWindow) consume(idx int, now int64) {
	s.ring[idx] = now + s.window
	s.head = (idx + 1) & s.mask
}

func (s *SlidingWindow) NextAvailNs() int64 {
	if s.count == 0 {
		return math.MaxInt64
	}
	return s.ring[s.front()]
}

func (s *SlidingWindow) ChangeNumThrottles(count int) {
	if count < 0 {
		count = 0
	}
	size := nextPowerOfTwo(count)
	ring := make([]int64, size)
	for i := count; i < size; i++ {
		ring[i] = noop
	}
	if count == 0 {
		// keep one real slot so front() terminates; count==0 refuses every permit
		ring[0] = math.MaxInt64
	}
	s.ring = ring
	s.mask = size - 1
	s.head = 0
	s.count = count
}

func (s *SlidingWindow) NumThrottles() int {
	return s.count
}

func nextPowerOfTwo(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}
