// Package throttle bounds outbound actions per window. Trackers are single-writer: they are
// owned by one service loop and carry no locks.
package throttle

import (
	"fmt"
	"strings"
	"time"

	"controlplane/pkg/exception"
)

// Clock supplies the current time in nanoseconds.
type Clock interface {
	Now() int64
}

// Tracker hands out throttle permits.
type Tracker interface {
	// GetThrottle consumes one permit if one is available now.
	GetThrottle() bool
	// GetThrottleN consumes one permit only if at least n permits are available now.
	GetThrottleN(n int) bool
	// NextAvailNs returns the earliest time a permit is available; a value <= now means now.
	NextAvailNs() int64
	// ChangeNumThrottles resizes the tracker and makes every permit available.
	ChangeNumThrottles(count int)
	NumThrottles() int
}

// Strategy selects a Tracker implementation.
type Strategy string

const (
	StrategyFixed   Strategy = "fixed"
	StrategySliding Strategy = "sliding"
)

// Config describes one tracker.
type Config struct {
	Strategy Strategy      `yaml:"strategy"`
	Count    int           `yaml:"count"`
	Window   time.Duration `yaml:"window"`
}

func (c Config) withDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategySliding
	}
	c.Strategy = Strategy(strings.ToLower(string(c.Strategy)))
	return c
}

// Validate checks if the config is usable.
func (c Config) Validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("%w: throttle count must be > 0", exception.ErrConfigInvalid)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: throttle window must be > 0", exception.ErrConfigInvalid)
	}
	switch c.Strategy {
	case StrategyFixed, StrategySliding:
		return nil
	default:
		return fmt.Errorf("%w: throttle strategy %q", exception.ErrConfigUnknownOption, c.Strategy)
	}
}

// New builds the tracker selected by cfg.Strategy.
func New(clock Clock, cfg Config) (Tracker, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == StrategyFixed {
		return NewFixedWindow(clock, cfg.Count, cfg.Window), nil
	}
	return NewSlidingWindow(clock, cfg.Count, cfg.Window), nil
}
