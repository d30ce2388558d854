package request

import (
	"fmt"
	"math"
	"strings"
	"time"

	"controlplane/pkg/exception"
)

// Growth maps an initial delay and an attempt number to the delay of that attempt.
type Growth uint8

const (
	GrowthConstant Growth = iota
	GrowthExponential2
	GrowthExponential1_5
)

func (g Growth) String() string {
	switch g {
	case GrowthConstant:
		return "constant"
	case GrowthExponential2:
		return "exp2"
	case GrowthExponential1_5:
		return "exp1.5"
	default:
		return "unknown"
	}
}

// ParseGrowth accepts the names produced by String.
func ParseGrowth(name string) (Growth, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "constant":
		return GrowthConstant, nil
	case "exp2", "exponential2":
		return GrowthExponential2, nil
	case "exp1.5", "exponential1.5":
		return GrowthExponential1_5, nil
	default:
		return 0, fmt.Errorf("%w: growth %q", exception.ErrInvalidArgument, name)
	}
}

func (g Growth) base() float64 {
	switch g {
	case GrowthExponential2:
		return 2
	case GrowthExponential1_5:
		return 1.5
	default:
		return 1
	}
}

// Delay returns initial scaled by base^attempt. It is non-decreasing in attempt and saturates
// at math.MaxInt64 instead of overflowing.
func (g Growth) Delay(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		return 0
	}
	if attempt <= 0 || g == GrowthConstant {
		return initial
	}
	d := float64(initial) * math.Pow(g.base(), float64(attempt))
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
