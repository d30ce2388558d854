// Package lifecycle gates service state changes behind asynchronous pending hooks.
package lifecycle

import (
	"fmt"
	"strings"

	"controlplane/pkg/exception"
)

// State is the lifecycle phase of a service.
type State uint8

const (
	StateInit State = iota
	StateWarmup
	StateRecovery
	StateActive
	StateReset
	StateStopped
)

var stateNames = [...]string{
	StateInit:     "init",
	StateWarmup:   "warmup",
	StateRecovery: "recovery",
	StateActive:   "active",
	StateReset:    "reset",
	StateStopped:  "stopped",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ParseState accepts the names produced by String.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("%w: lifecycle state %q", exception.ErrInvalidArgument, name)
}

func bit(s State) uint8 { return 1 << s }

// edges[from] is the set of states reachable in one step.
var edges = [...]uint8{
	StateInit:     bit(StateWarmup) | bit(StateRecovery) | bit(StateActive) | bit(StateStopped),
	StateWarmup:   bit(StateRecovery) | bit(StateActive) | bit(StateReset) | bit(StateStopped),
	StateRecovery: bit(StateActive) | bit(StateReset) | bit(StateStopped),
	StateActive:   bit(StateReset) | bit(StateStopped),
	StateReset:    bit(StateWarmup) | bit(StateRecovery) | bit(StateActive) | bit(StateStopped),
	StateStopped:  0,
}

// CanTransition reports whether to is one step from from.
func CanTransition(from, to State) bool {
	if int(from) >= len(edges) || int(to) >= len(stateNames) {
		return false
	}
	return edges[from]&bit(to) != 0
}

// TransitionError reports a refused compare-and-set transition.
type TransitionError struct {
	Expected State
	Actual   State
	Target   State
	// InFlight is set when another transition was still pending.
	InFlight bool
}

func (e *TransitionError) Error() string {
	switch {
	case e.InFlight:
		return fmt.Sprintf("lifecycle %s -> %s: transition already in flight from %s", e.Expected, e.Target, e.Actual)
	case e.Expected != e.Actual:
		return fmt.Sprintf("lifecycle %s -> %s: actual state is %s", e.Expected, e.Target, e.Actual)
	default:
		return fmt.Sprintf("lifecycle %s -> %s: edge not allowed", e.Expected, e.Target)
	}
}

func (e *TransitionError) Unwrap() error {
	return exception.ErrInvalidTransition
}
