// Package chaos injects seeded drops, duplicates, delays and reordering into outbound replies.
package chaos

import (
	"fmt"
	"math/rand"
	"time"

	"controlplane/internal/schema"
	"controlplane/pkg/exception"
)

// Config controls chaos injection behavior.
type Config struct {
	Seed          int64         `yaml:"seed"`
	DropRate      float64       `yaml:"drop_rate"`
	DuplicateRate float64       `yaml:"duplicate_rate"`
	ReorderWindow int           `yaml:"reorder_window"`
	MaxDelay      time.Duration `yaml:"max_delay"`
}

// Delivery is one message to send after Delay.
type Delivery struct {
	Msg   schema.Message
	Delay time.Duration
}

// Engine applies chaos rules to messages. It is not safe for concurrent use.
type Engine struct {
	cfg     Config
	rng     *rand.Rand
	pending []Delivery
}

// NewEngine creates a chaos engine with validation.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UTC().UnixNano()
	}
	return &Engine{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}, nil
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if c.DropRate < 0 || c.DropRate > 1 {
		return fmt.Errorf("%w: drop_rate must be between 0 and 1", exception.ErrInvalidArgument)
	}
	if c.DuplicateRate < 0 || c.DuplicateRate > 1 {
		return fmt.Errorf("%w: duplicate_rate must be between 0 and 1", exception.ErrInvalidArgument)
	}
	if c.ReorderWindow < 0 {
		return fmt.Errorf("%w: reorder_window must be >= 0", exception.ErrInvalidArgument)
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("%w: max_delay must be >= 0", exception.ErrInvalidArgument)
	}
	return nil
}

// Enabled reports whether the config injects anything.
func (c Config) Enabled() bool {
	return c.DropRate > 0 || c.DuplicateRate > 0 || c.ReorderWindow > 1 || c.MaxDelay > 0
}

// Process applies chaos to a single message and returns what to deliver now. A nil engine
// passes msg through untouched.
func (e *Engine) Process(msg schema.Message) []Delivery {
	if e == nil {
		return []Delivery{{Msg: msg}}
	}
	if e.shouldDrop() {
		return nil
	}
	d := Delivery{Msg: msg, Delay: e.delay()}
	if e.cfg.ReorderWindow <= 1 {
		return e.applyDuplicate(d)
	}
	e.pending = append(e.pending, d)
	if len(e.pending) < e.cfg.ReorderWindow {
		return nil
	}
	idx := e.rng.Intn(len(e.pending))
	out := e.pending[idx]
	e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
	return e.applyDuplicate(out)
}

// Flush returns any buffered messages.
func (e *Engine) Flush() []Delivery {
	if e == nil || len(e.pending) == 0 {
		return nil
	}
	out := make([]Delivery, 0, len(e.pending))
	for len(e.pending) > 0 {
		idx := e.rng.Intn(len(e.pending))
		d := e.pending[idx]
		e.pending = append(e.pending[:idx], e.pending[idx+1:]...)
		out = append(out, e.applyDuplicate(d)...)
	}
	return out
}

func (e *Engine) shouldDrop() bool {
	return e.cfg.DropRate > 0 && e.rng.Float64() < e.cfg.DropRate
}

func (e *Engine) applyDuplicate(d Delivery) []Delivery {
	out := []Delivery{d}
	if e.cfg.DuplicateRate > 0 && e.rng.Float64() < e.cfg.DuplicateRate {
		out = append(out, d)
	}
	return out
}

func (e *Engine) delay() time.Duration {
	maxDelay := e.cfg.MaxDelay.Nanoseconds()
	if maxDelay <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int63n(maxDelay + 1))
}
