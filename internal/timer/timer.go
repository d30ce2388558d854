// Package timer provides the schedulable clock used by trackers: a hashed wheel backed by
// the system clock and a manually advanced clock for simulation and replay.
package timer

import (
	"fmt"
	"time"

	"controlplane/pkg/exception"

	"github.com/yanun0323/logs"
)

// Task is a deferred callback.
type Task func()

// PanicHandler receives the value recovered from a panicking task.
type PanicHandler func(recovered any)

// Handle cancels a scheduled task.
type Handle interface {
	// Cancel removes the task if it is still pending. It returns false when the task
	// already fired or was already cancelled.
	Cancel() bool
}

// Clock is the read-only part of Service.
type Clock interface {
	Now() int64
	NanoOfDay() int64
}

// Service schedules tasks against a clock.
type Service interface {
	Clock
	Schedule(delay time.Duration, task Task) Handle
	ScheduleWithHandler(delay time.Duration, task Task, onPanic PanicHandler) Handle
	Start() error
	Stop()
	IsActive() bool
}

const (
	defaultTick      = time.Millisecond
	defaultWheelSize = 512
)

// Config controls timer construction.
type Config struct {
	// Tick is the wheel resolution. Ignored by Simulated.
	Tick time.Duration
	// WheelSize is rounded up to a power of two. Ignored by Simulated.
	WheelSize int
	// Location is used by NanoOfDay. Defaults to UTC.
	Location *time.Location
	// OnPanic is used for tasks scheduled without their own handler.
	OnPanic PanicHandler
}

func (c Config) withDefaults() Config {
	if c.Tick == 0 {
		c.Tick = defaultTick
	}
	if c.WheelSize == 0 {
		c.WheelSize = defaultWheelSize
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.OnPanic == nil {
		c.OnPanic = logPanic
	}
	return c
}

// Validate checks if the config is usable.
func (c Config) Validate() error {
	if c.Tick <= 0 {
		return fmt.Errorf("%w: Tick must be > 0", exception.ErrTimerBadConfig)
	}
	if c.WheelSize <= 0 || c.WheelSize > 1<<30 {
		return fmt.Errorf("%w: WheelSize must be in (0, 2^30]", exception.ErrTimerBadConfig)
	}
	return nil
}

func logPanic(recovered any) {
	logs.Errorf("timer task panicked: %v", recovered)
}

func runTask(task Task, onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil {
			onPanic(r)
		}
	}()
	task()
}

// nanoOfDay returns the nanoseconds elapsed since midnight of ns's day in loc.
func nanoOfDay(ns int64, loc *time.Location) int64 {
	t := time.Unix(0, ns).In(loc)
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return t.Sub(midnight).Nanoseconds()
}

// deadHandle is returned when a task could not be scheduled.
type deadHandle struct{}

func (deadHandle) Cancel() bool { return false }

func nextPowerOfTwo(n int) int {
	size := 1
	for size < n {
		size <<= 1
	}
	return size
}
