package timer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulatedFiresInExpiryThenInsertionOrder(t *testing.T) {
	sim := NewSimulated(0, Config{})
	var order []string
	record := func(name string) Task { return func() { order = append(order, name) } }

	sim.Schedule(30*time.Millisecond, record("c"))
	sim.Schedule(10*time.Millisecond, record("a1"))
	sim.Schedule(10*time.Millisecond, record("a2"))
	sim.Schedule(20*time.Millisecond, record("b"))
	sim.Schedule(40*time.Millisecond, record("late"))

	sim.Advance(30 * time.Millisecond)

	assert.Equal(t, []string{"a1", "a2", "b", "c"}, order)
	assert.Equal(t, 1, sim.Pending())
	assert.Equal(t, int64(30*time.Millisecond), sim.Now())
}

func TestSimulatedNowDuringTaskIsExpiry(t *testing.T) {
	sim := NewSimulated(1_000, Config{})
	var seen int64
	sim.Schedule(5*time.Millisecond, func() { seen = sim.Now() })
	sim.Advance(time.Second)
	assert.Equal(t, int64(1_000)+int64(5*time.Millisecond), seen)
	assert.Equal(t, int64(1_000)+int64(time.Second), sim.Now())
}

func TestSimulatedTaskScheduledByTaskFiresInSameAdvance(t *testing.T) {
	sim := NewSimulated(0, Config{})
	var fired []int64
	sim.Schedule(10*time.Millisecond, func() {
		fired = append(fired, sim.Now())
		sim.Schedule(10*time.Millisecond, func() { fired = append(fired, sim.Now()) })
		sim.Schedule(0, func() { fired = append(fired, sim.Now()) })
	})
	sim.Advance(25 * time.Millisecond)
	want := []int64{int64(10 * time.Millisecond), int64(10 * time.Millisecond), int64(20 * time.Millisecond)}
	assert.Equal(t, want, fired)
}

func TestSimulatedCancelIsIdempotent(t *testing.T) {
	sim := NewSimulated(0, Config{})
	fired := false
	h := sim.Schedule(time.Millisecond, func() { fired = true })

	require.True(t, h.Cancel())
	require.False(t, h.Cancel())
	sim.Advance(time.Second)
	assert.False(t, fired)
	assert.Zero(t, sim.Pending())

	h2 := sim.Schedule(time.Millisecond, func() {})
	sim.Advance(time.Millisecond)
	assert.False(t, h2.Cancel(), "cancel after fire must report false")
}

func TestSimulatedCancelSiblingInSameBucket(t *testing.T) {
	sim := NewSimulated(0, Config{})
	var second Handle
	ran := false
	sim.Schedule(time.Millisecond, func() {
		assert.True(t, second.Cancel())
	})
	second = sim.Schedule(time.Millisecond, func() { ran = true })
	sim.Advance(time.Millisecond)
	assert.False(t, ran)
}

func TestSimulatedPanicRoutedToHandler(t *testing.T) {
	sim := NewSimulated(0, Config{})
	var recovered any
	sim.ScheduleWithHandler(time.Millisecond, func() { panic("bad task") }, func(r any) { recovered = r })
	ranAfter := false
	sim.Schedule(2*time.Millisecond, func() { ranAfter = true })

	require.NotPanics(t, func() { sim.Advance(time.Second) })
	assert.Equal(t, "bad task", recovered)
	assert.True(t, ranAfter)
}

func TestSimulatedStopDropsPending(t *testing.T) {
	sim := NewSimulated(0, Config{})
	fired := false
	h := sim.Schedule(time.Millisecond, func() { fired = true })
	sim.Stop()
	assert.False(t, sim.IsActive())
	assert.False(t, h.Cancel())
	assert.False(t, sim.Schedule(time.Millisecond, func() {}).Cancel())
	sim.Advance(time.Second)
	assert.False(t, fired)

	require.NoError(t, sim.Start())
	assert.True(t, sim.IsActive())
}

func TestSimulatedDeterministicReplay(t *testing.T) {
	run := func() []int {
		sim := NewSimulated(0, Config{})
		var out []int
		for i := 0; i < 50; i++ {
			i := i
			sim.Schedule(time.Duration((i*7)%13)*time.Millisecond, func() { out = append(out, i) })
		}
		for step := 0; step < 20; step++ {
			sim.Advance(time.Millisecond)
		}
		return out
	}
	assert.Equal(t, run(), run())
}

func TestNanoOfDay(t *testing.T) {
	start := time.Date(2024, 3, 1, 13, 30, 0, 5, time.UTC).UnixNano()
	sim := NewSimulated(start, Config{})
	want := int64(13*time.Hour + 30*time.Minute + 5)
	assert.Equal(t, want, sim.NanoOfDay())

	sim.Advance(11 * time.Hour)
	assert.Equal(t, int64(30*time.Minute+5), sim.NanoOfDay())
}
