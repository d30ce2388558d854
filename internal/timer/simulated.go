package timer

import (
	"sync"
	"time"

	"controlplane/pkg/exception"

	"github.com/tidwall/btree"
	"github.com/yanun0323/logs"
)

type simTimeout struct {
	sim     *Simulated
	expiry  int64
	state   int32
	task    Task
	onPanic PanicHandler
}

func (t *simTimeout) Cancel() bool {
	return t.sim.cancel(t)
}

// Simulated is a manually advanced clock. Given the same sequence of Schedule and Advance
// calls it fires the same tasks in the same order: by expiry, then by insertion.
type Simulated struct {
	mu      sync.Mutex
	cfg     Config
	start   int64
	passed  int64
	active  bool
	pending *btree.Map[int64, []*simTimeout]
}

// NewSimulated creates an active simulated clock whose Now starts at startNs.
func NewSimulated(startNs int64, cfg Config) *Simulated {
	cfg = cfg.withDefaults()
	return &Simulated{
		cfg:     cfg,
		start:   startNs,
		active:  true,
		pending: btree.NewMap[int64, []*simTimeout](32),
	}
}

// Now returns the logical time.
func (s *Simulated) Now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start + s.passed
}

// NanoOfDay returns the logical time of day in the configured location.
func (s *Simulated) NanoOfDay() int64 {
	return nanoOfDay(s.Now(), s.cfg.Location)
}

// Passed returns the logical time elapsed since construction.
func (s *Simulated) Passed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.passed)
}

// Pending returns the number of tasks waiting to fire.
func (s *Simulated) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.pending.Scan(func(_ int64, bucket []*simTimeout) bool {
		n += len(bucket)
		return true
	})
	return n
}

// Schedule runs task once the clock has advanced by delay.
func (s *Simulated) Schedule(delay time.Duration, task Task) Handle {
	return s.ScheduleWithHandler(delay, task, nil)
}

// ScheduleWithHandler runs task once the clock has advanced by delay. Panics go to onPanic.
func (s *Simulated) ScheduleWithHandler(delay time.Duration, task Task, onPanic PanicHandler) Handle {
	if task == nil {
		return deadHandle{}
	}
	if onPanic == nil {
		onPanic = s.cfg.OnPanic
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		logs.Errorf("schedule on stopped timer, err: %v", exception.ErrTimerStopped)
		return deadHandle{}
	}
	t := &simTimeout{
		sim:     s,
		expiry:  s.start + s.passed + int64(delay),
		task:    task,
		onPanic: onPanic,
	}
	bucket, _ := s.pending.Get(t.expiry)
	s.pending.Set(t.expiry, append(bucket, t))
	return t
}

func (s *Simulated) cancel(t *simTimeout) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state != statePending {
		return false
	}
	t.state = stateCancelled

	bucket, ok := s.pending.Get(t.expiry)
	if !ok {
		// already popped by Advance and about to be skipped
		return true
	}
	for i, candidate := range bucket {
		if candidate != t {
			continue
		}
		bucket = append(bucket[:i], bucket[i+1:]...)
		break
	}
	if len(bucket) == 0 {
		s.pending.Delete(t.expiry)
	} else {
		s.pending.Set(t.expiry, bucket)
	}
	return true
}

// Advance moves the clock forward by d, firing every task that expires on the way.
func (s *Simulated) Advance(d time.Duration) {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	target := s.start + s.passed + int64(d)
	s.mu.Unlock()
	s.AdvanceTo(target)
}

// AdvanceTo moves the clock to the absolute logical time target. Moving backwards is a no-op
// for the clock but still fires tasks already due.
func (s *Simulated) AdvanceTo(target int64) {
	for {
		s.mu.Lock()
		expiry, bucket, ok := s.pending.Min()
		if !ok || expiry > target {
			if now := s.start + s.passed; target > now {
				s.passed = target - s.start
			}
			s.mu.Unlock()
			return
		}
		s.pending.Delete(expiry)
		if expiry > s.start+s.passed {
			s.passed = expiry - s.start
		}
		s.mu.Unlock()

		for _, t := range bucket {
			s.mu.Lock()
			if t.state != statePending {
				s.mu.Unlock()
				continue
			}
			t.state = stateExpired
			s.mu.Unlock()
			runTask(t.task, t.onPanic)
		}
	}
}

// Start marks the clock active.
func (s *Simulated) Start() error {
	s.mu.Lock()
	s.active = true
	s.mu.Unlock()
	return nil
}

// Stop drops every pending task and refuses new ones.
func (s *Simulated) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.pending.Scan(func(_ int64, bucket []*simTimeout) bool {
		for _, t := range bucket {
			t.state = stateCancelled
		}
		return true
	})
	s.pending = btree.NewMap[int64, []*simTimeout](32)
}

// IsActive reports whether the clock accepts new tasks.
func (s *Simulated) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
