package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

const (
	statePending int32 = iota
	stateCancelled
	stateExpired
)

type wheelTimeout struct {
	state    atomic.Int32
	deadline int64 // nanos since wheel start
	rounds   int64
	task     Task
	onPanic  PanicHandler
}

func (t *wheelTimeout) Cancel() bool {
	return t.state.CompareAndSwap(statePending, stateCancelled)
}

func (t *wheelTimeout) expire() {
	if !t.state.CompareAndSwap(statePending, stateExpired) {
		return
	}
	runTask(t.task, t.onPanic)
}

// Wheel is a hashed wheel timer driven by the system clock. Tasks run on the wheel
// goroutine; callers that own single-threaded state must marshal back to their mailbox.
type Wheel struct {
	cfg  Config
	tick int64
	mask int64

	startWall time.Time
	buckets   [][]*wheelTimeout

	mu       sync.Mutex
	incoming []*wheelTimeout

	active atomic.Bool
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWheel validates the config and builds a stopped wheel.
func NewWheel(cfg Config) (*Wheel, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	size := nextPowerOfTwo(cfg.WheelSize)
	return &Wheel{
		cfg:       cfg,
		tick:      int64(cfg.Tick),
		mask:      int64(size - 1),
		startWall: time.Now(),
		buckets:   make([][]*wheelTimeout, size),
	}, nil
}

// Now returns monotonic nanoseconds on the Unix epoch scale.
func (w *Wheel) Now() int64 {
	return w.startWall.UnixNano() + int64(time.Since(w.startWall))
}

// NanoOfDay returns the wall-clock time of day in the configured location.
func (w *Wheel) NanoOfDay() int64 {
	return nanoOfDay(time.Now().UnixNano(), w.cfg.Location)
}

func (w *Wheel) elapsed() int64 {
	return int64(time.Since(w.startWall))
}

// Schedule runs task after delay using the default panic handler.
func (w *Wheel) Schedule(delay time.Duration, task Task) Handle {
	return w.ScheduleWithHandler(delay, task, nil)
}

// ScheduleWithHandler runs task after delay. Panics are routed to onPanic.
func (w *Wheel) ScheduleWithHandler(delay time.Duration, task Task, onPanic PanicHandler) Handle {
	if task == nil {
		return deadHandle{}
	}
	if !w.active.Load() {
		logs.Errorf("schedule on stopped timer, err: %v", exception.ErrTimerStopped)
		return deadHandle{}
	}
	if onPanic == nil {
		onPanic = w.cfg.OnPanic
	}
	if delay < 0 {
		delay = 0
	}
	t := &wheelTimeout{
		deadline: w.elapsed() + int64(delay),
		task:     task,
		onPanic:  onPanic,
	}
	w.mu.Lock()
	w.incoming = append(w.incoming, t)
	w.mu.Unlock()
	return t
}

// Start launches the wheel goroutine. Calling Start on a running wheel is a no-op.
func (w *Wheel) Start() error {
	if !w.active.CompareAndSwap(false, true) {
		return nil
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	go w.run(w.stopCh, w.doneCh)
	return nil
}

// Stop halts the wheel and waits for the goroutine to exit. Pending tasks are dropped.
func (w *Wheel) Stop() {
	if !w.active.CompareAndSwap(true, false) {
		return
	}
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	for _, t := range w.incoming {
		t.Cancel()
	}
	w.incoming = nil
	w.mu.Unlock()
	for i, bucket := range w.buckets {
		for _, t := range bucket {
			t.Cancel()
		}
		w.buckets[i] = nil
	}
}

// IsActive reports whether the wheel goroutine is running.
func (w *Wheel) IsActive() bool {
	return w.active.Load()
}

func (w *Wheel) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(time.Duration(w.tick))
	defer ticker.Stop()

	var tick int64
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}
		now := w.elapsed()
		// catch up on ticks missed while the goroutine was descheduled
		for (tick+1)*w.tick <= now {
			w.transfer(tick)
			w.expire(tick, now)
			tick++
		}
	}
}

func (w *Wheel) transfer(tick int64) {
	w.mu.Lock()
	incoming := w.incoming
	w.incoming = nil
	w.mu.Unlock()

	for _, t := range incoming {
		if t.state.Load() != statePending {
			continue
		}
		calculated := t.deadline / w.tick
		if calculated < tick {
			calculated = tick
		}
		t.rounds = (calculated - tick) / (w.mask + 1)
		idx := calculated & w.mask
		w.buckets[idx] = append(w.buckets[idx], t)
	}
}

func (w *Wheel) expire(tick, now int64) {
	idx := tick & w.mask
	bucket := w.buckets[idx]
	kept := bucket[:0]
	var due []*wheelTimeout
	for _, t := range bucket {
		switch {
		case t.state.Load() != statePending:
		case t.rounds <= 0 && t.deadline <= now:
			due = append(due, t)
		default:
			if t.rounds > 0 {
				t.rounds--
			}
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(bucket); i++ {
		bucket[i] = nil
	}
	w.buckets[idx] = kept
	for _, t := range due {
		t.expire()
	}
}
